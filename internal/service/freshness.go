package service

import (
	"context"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// Staleness classifies a source by time since its last successful ingestion.
type Staleness string

const (
	StalenessFresh Staleness = "fresh" // < 12h
	StalenessAging Staleness = "aging" // < 24h
	StalenessStale Staleness = "stale" // >= 24h
	StalenessNever Staleness = "never" // no successful ingestion yet
)

const (
	freshThreshold = 12 * time.Hour
	agingThreshold = 24 * time.Hour
)

// ClassifyStaleness buckets an age for display.
// Parameters:
//   - lastFetched: time of the last successful fetch, nil if never.
//   - now: reference time.
// Returns:
//   - Staleness: display bucket.
func ClassifyStaleness(lastFetched *time.Time, now time.Time) Staleness {
	if lastFetched == nil {
		return StalenessNever
	}
	age := now.Sub(*lastFetched)
	switch {
	case age < freshThreshold:
		return StalenessFresh
	case age < agingThreshold:
		return StalenessAging
	default:
		return StalenessStale
	}
}

// SourceFreshness is the per-category slice of a freshness snapshot.
type SourceFreshness struct {
	Category      domain.Category `json:"category"`
	LastFetched   *time.Time      `json:"last_fetched,omitempty"`
	HighWaterDate *time.Time      `json:"high_water_date,omitempty"`
	RecordCount   int64           `json:"record_count"`
	TableCount    int64           `json:"table_count"`
	Staleness     Staleness       `json:"staleness"`
	LastError     string          `json:"last_error,omitempty"`
}

// FreshnessSnapshot combines watermarks, the latest run, and live table
// counts into one display-ready view. Recomputed on demand, never persisted.
type FreshnessSnapshot struct {
	Sources          []SourceFreshness    `json:"sources"`
	LastRun          *domain.PipelineRun  `json:"last_run,omitempty"`
	LastRunAgeMin    *int64               `json:"last_run_age_minutes,omitempty"`
	RecentRuns       []domain.PipelineRun `json:"recent_runs"`
	OverallStaleness Staleness            `json:"overall_staleness"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

// FreshnessReporter aggregates read-side state. It carries no side effects.
type FreshnessReporter struct {
	runs       RunStore
	watermarks WatermarkStore
	reports    ReportStore
	historyLen int

	now func() time.Time
}

// NewFreshnessReporter creates a new freshness reporter.
// Parameters:
//   - runs, watermarks, reports: read-side persistence surfaces.
//   - historyLen: number of recent runs included in snapshots.
// Returns:
//   - *FreshnessReporter: initialized reporter.
func NewFreshnessReporter(runs RunStore, watermarks WatermarkStore, reports ReportStore, historyLen int) *FreshnessReporter {
	if historyLen <= 0 {
		historyLen = 10
	}
	return &FreshnessReporter{
		runs:       runs,
		watermarks: watermarks,
		reports:    reports,
		historyLen: historyLen,
		now:        time.Now,
	}
}

// Snapshot builds the current freshness view.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *FreshnessSnapshot: aggregated view.
//   - error: non-nil if any underlying query fails.
func (f *FreshnessReporter) Snapshot(ctx context.Context) (*FreshnessSnapshot, error) {
	now := f.now()

	entries, err := f.watermarks.All(ctx)
	if err != nil {
		return nil, err
	}
	tableCounts, err := f.reports.TableCounts(ctx)
	if err != nil {
		return nil, err
	}

	byCategory := make(map[domain.Category]domain.WatermarkEntry, len(entries))
	for _, e := range entries {
		byCategory[e.Category] = e
	}

	snapshot := &FreshnessSnapshot{
		GeneratedAt:      now,
		OverallStaleness: StalenessNever,
	}

	// Every known category appears, watermark or not, so the UI can show
	// sources that have never ingested.
	worst := StalenessFresh
	seenAny := false
	for _, cat := range domain.AllCategories() {
		sf := SourceFreshness{
			Category:   cat,
			TableCount: tableCounts[cat],
			Staleness:  StalenessNever,
		}
		if entry, ok := byCategory[cat]; ok {
			sf.LastFetched = entry.LastFetched
			sf.HighWaterDate = entry.HighWaterDate
			sf.RecordCount = entry.RecordCount
			sf.LastError = entry.LastError
			sf.Staleness = ClassifyStaleness(entry.LastFetched, now)
		}
		if sf.Staleness != StalenessNever {
			seenAny = true
			if stalenessRank(sf.Staleness) > stalenessRank(worst) {
				worst = sf.Staleness
			}
		}
		snapshot.Sources = append(snapshot.Sources, sf)
	}
	if seenAny {
		snapshot.OverallStaleness = worst
	}

	lastRun, err := f.runs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if lastRun != nil {
		snapshot.LastRun = lastRun
		ageMin := int64(now.Sub(lastRun.StartedAt).Minutes())
		snapshot.LastRunAgeMin = &ageMin
	}

	recent, err := f.runs.Recent(ctx, f.historyLen)
	if err != nil {
		return nil, err
	}
	snapshot.RecentRuns = recent

	return snapshot, nil
}

func stalenessRank(s Staleness) int {
	switch s {
	case StalenessFresh:
		return 0
	case StalenessAging:
		return 1
	case StalenessStale:
		return 2
	}
	return -1
}
