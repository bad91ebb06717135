package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mirabell/studiopulse/internal/archive"
	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/logger"
	"github.com/mirabell/studiopulse/internal/parser"
	"github.com/mirabell/studiopulse/internal/repository"
	"github.com/mirabell/studiopulse/internal/source"
)

// ErrNoRuns signals that no pipeline run has ever been recorded.
var ErrNoRuns = errors.New("no pipeline runs recorded")

// RunStore is the run persistence surface the orchestrator depends on.
type RunStore interface {
	Begin(ctx context.Context) (*domain.PipelineRun, error)
	Finish(ctx context.Context, id string, state domain.RunState, counts domain.RecordCounts, errMsg string, errKind domain.ErrorKind) error
	ResetActive(ctx context.Context, msg string) (*domain.PipelineRun, error)
	GetByID(ctx context.Context, id string) (*domain.PipelineRun, error)
	Latest(ctx context.Context) (*domain.PipelineRun, error)
	Recent(ctx context.Context, limit int) ([]domain.PipelineRun, error)
	Prune(ctx context.Context, keep int) error
}

// WatermarkStore is the incremental-state surface the orchestrator depends on.
type WatermarkStore interface {
	Get(ctx context.Context, category domain.Category) (*domain.WatermarkEntry, error)
	All(ctx context.Context) ([]domain.WatermarkEntry, error)
	Advance(ctx context.Context, receipt *repository.WriteReceipt, observedMax time.Time, rowCount int) error
	RecordFailure(ctx context.Context, category domain.Category, msg string) error
}

// ReportStore is the row persistence surface the orchestrator depends on.
type ReportStore interface {
	Upsert(ctx context.Context, runID string, category domain.Category, rows parser.Rows) (*repository.WriteReceipt, error)
	TableCounts(ctx context.Context) (map[domain.Category]int64, error)
}

// PipelineConfig holds orchestrator tuning.
type PipelineConfig struct {
	// Categories in priority order; empty uses domain.AllCategories.
	Categories []domain.Category
	// BackfillStart is the window start for categories with no watermark.
	BackfillStart time.Time
	// StaleAfter widens the window back to BackfillStart when a category
	// has not fetched successfully for this long.
	StaleAfter time.Duration
	// HistorySize bounds the retained run history.
	HistorySize int
	// ErrorMaxLen truncates stored failure messages.
	ErrorMaxLen int
}

// Orchestrator owns the single-flight pipeline run lifecycle: it claims the
// run slot, walks categories in priority order, enforces persist-then-advance
// per category, and publishes every transition to the broadcast hub.
type Orchestrator struct {
	runs       RunStore
	watermarks WatermarkStore
	reports    ReportStore
	fetchers   map[domain.Category][]source.Fetcher
	snapshots  archive.Archive
	hub        *Hub
	logger     *logger.Logger
	cfg        PipelineConfig

	// now is swappable for tests
	now func() time.Time

	mu           sync.Mutex
	currentRunID string
	order        []domain.Category
	statuses     map[domain.Category]*domain.CategoryStatus
}

// NewOrchestrator creates a new pipeline orchestrator.
// Parameters:
//   - runs, watermarks, reports: persistence surfaces.
//   - fetchers: source fetchers per category, tried in order and merged;
//     categories without one are skipped.
//   - snapshots: raw report archive, nil to disable archiving.
//   - hub: broadcast hub for progress events.
//   - log: base logger.
//   - cfg: orchestrator tuning.
// Returns:
//   - *Orchestrator: initialized orchestrator.
func NewOrchestrator(
	runs RunStore,
	watermarks WatermarkStore,
	reports ReportStore,
	fetchers map[domain.Category][]source.Fetcher,
	snapshots archive.Archive,
	hub *Hub,
	log *logger.Logger,
	cfg PipelineConfig,
) *Orchestrator {
	order := cfg.Categories
	if len(order) == 0 {
		order = domain.AllCategories()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if cfg.ErrorMaxLen <= 0 {
		cfg.ErrorMaxLen = 300
	}
	return &Orchestrator{
		runs:       runs,
		watermarks: watermarks,
		reports:    reports,
		fetchers:   fetchers,
		snapshots:  snapshots,
		hub:        hub,
		logger:     log,
		cfg:        cfg,
		now:        time.Now,
		order:      order,
		statuses:   make(map[domain.Category]*domain.CategoryStatus),
	}
}

// log returns a logger from context if available, otherwise returns the default logger
func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return o.logger
}

// Start claims the single-flight slot and launches a run asynchronously. The
// caller gets the run ID immediately; execution continues in the background
// regardless of the request lifetime.
// Parameters:
//   - ctx: context for the claim itself (not the background execution).
// Returns:
//   - string: run ID of the started run.
//   - error: repository.ErrAlreadyRunning if a run is active.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.runs.Begin(ctx)
	if err != nil {
		return "", err
	}

	o.currentRunID = run.ID
	for _, cat := range o.order {
		o.statuses[cat] = &domain.CategoryStatus{
			Category: cat,
			State:    domain.CategoryStatePending,
		}
	}

	// The run outlives the HTTP request that triggered it.
	runCtx := logger.SetRunID(context.Background(), run.ID)
	go o.execute(runCtx, run)

	return run.ID, nil
}

// Reset force-terminates the active run (if any) and frees the single-flight
// slot. In-flight fetches are not interrupted; their late results are
// discarded by the stale-run checks in the persistence layer. Idempotent.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - error: non-nil only if the reset write fails.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.runs.ResetActive(ctx, "manually reset")
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	o.log(ctx).WithField(logger.FieldRunID, run.ID).Warn("Pipeline run manually reset")
	o.currentRunID = ""
	o.hub.Publish(Event{
		Type:  EventError,
		RunID: run.ID,
		Payload: TerminalPayload{
			State:      domain.RunStateError,
			DurationMs: run.DurationMs,
			Categories: o.statusSnapshotLocked(),
			Error:      run.ErrorMessage,
			ErrorKind:  run.ErrorKind,
		},
	})
	return nil
}

// RunStatus is a point-in-time view of one run, used for poll-based or
// reconnect-time resynchronization.
type RunStatus struct {
	Run        *domain.PipelineRun     `json:"run"`
	Categories []domain.CategoryStatus `json:"categories,omitempty"`
}

// Status returns the current snapshot of a run. Live category detail is
// attached while the run is active. An unknown or empty ID falls back to the
// most recent run, so reconnecting clients holding an aged-out ID still get
// a usable snapshot.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to inspect, empty for the latest.
// Returns:
//   - *RunStatus: snapshot.
//   - error: ErrNoRuns when no run was ever recorded.
func (o *Orchestrator) Status(ctx context.Context, runID string) (*RunStatus, error) {
	o.mu.Lock()
	current := o.currentRunID
	var live []domain.CategoryStatus
	if current != "" && (runID == "" || runID == current) {
		live = o.statusSnapshotLocked()
	}
	o.mu.Unlock()

	if live != nil {
		run, err := o.runs.GetByID(ctx, current)
		if err != nil {
			return nil, err
		}
		return &RunStatus{Run: run, Categories: live}, nil
	}

	if runID != "" {
		if run, err := o.runs.GetByID(ctx, runID); err == nil {
			return &RunStatus{Run: run}, nil
		}
	}
	run, err := o.runs.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoRuns
	}
	return &RunStatus{Run: run}, nil
}

// execute walks all categories for one run. Category failures are isolated;
// persistence failures escalate the whole run.
func (o *Orchestrator) execute(ctx context.Context, run *domain.PipelineRun) {
	o.log(ctx).WithFields(logger.Fields{
		logger.FieldComponent: "pipeline",
		logger.FieldCount:     len(o.order),
	}).Info("Pipeline run started")

	counts := domain.RecordCounts{}

	for _, cat := range o.order {
		if err := o.processCategory(ctx, run, cat, counts); err != nil {
			if errors.Is(err, repository.ErrStaleRun) {
				// A reset took the slot; the reset already emitted the
				// terminal event. Abandon quietly.
				o.log(ctx).WithField(logger.FieldCategory, cat).Warn("Abandoning run after reset")
				return
			}
			o.finalize(ctx, run, domain.RunStateError, counts, err)
			return
		}
	}

	o.finalize(ctx, run, domain.RunStateComplete, counts, nil)
}

// processCategory runs the fetch -> archive -> parse -> persist -> advance
// chain for one category. A returned error escalates the run; fetch and
// parse failures are absorbed into the category status instead.
func (o *Orchestrator) processCategory(ctx context.Context, run *domain.PipelineRun, cat domain.Category, counts domain.RecordCounts) error {
	ctx = logger.SetCategory(ctx, string(cat))

	sources := o.fetchers[cat]
	if len(sources) == 0 {
		o.transition(run.ID, cat, func(st *domain.CategoryStatus) {
			st.State = domain.CategoryStateSkipped
		})
		return nil
	}

	window, err := o.windowFor(ctx, cat)
	if err != nil {
		return fmt.Errorf("failed to compute window for %s: %w", cat, err)
	}

	o.transition(run.ID, cat, func(st *domain.CategoryStatus) {
		st.State = domain.CategoryStateDownloading
	})

	// One category may be fed by several upstreams (studio orders plus merch
	// orders). Every source must succeed or the whole category fails; a
	// partial merge would advance the watermark past unfetched rows.
	var rows parser.Rows
	var maxDate time.Time
	warned := 0
	for _, fetcher := range sources {
		started := o.now()
		report, err := fetcher.Fetch(ctx, cat, window)
		if err != nil {
			o.failCategory(ctx, run.ID, cat, err)
			return nil
		}

		logger.With(logger.Fields{
			logger.FieldDurationMs: o.now().Sub(started).Milliseconds(),
			logger.FieldSize:       len(report.Raw),
			logger.FieldSource:     fetcher.Name(),
			logger.FieldDelivery:   string(report.Delivery),
		}).Info(ctx, "Report fetched: window=[%s, %s]",
			window.Since.Format("2006-01-02"), window.Until.Format("2006-01-02"))

		o.archiveSnapshot(ctx, run.ID, fetcher.Name(), report)

		o.transition(run.ID, cat, func(st *domain.CategoryStatus) {
			st.State = domain.CategoryStateParsing
			st.DeliveryMethod = report.Delivery
		})

		result, err := parser.Parse(cat, report.Raw)
		if err != nil {
			o.failCategory(ctx, run.ID, cat, err)
			return nil
		}
		for _, warning := range result.Warnings {
			o.log(ctx).WithField(logger.FieldCategory, cat).Warn(warning)
		}
		warned += len(result.Warnings)

		// Stamp row provenance before persisting.
		for i := range result.Rows.Orders {
			result.Rows.Orders[i].Source = fetcher.Name()
		}

		rows.Append(result.Rows)
		if result.MaxDate.After(maxDate) {
			maxDate = result.MaxDate
		}
	}

	// Persist, then advance: the watermark only moves behind the receipt.
	receipt, err := o.reports.Upsert(ctx, run.ID, cat, rows)
	if err != nil {
		if errors.Is(err, repository.ErrStaleRun) {
			return err
		}
		return fmt.Errorf("failed to persist %s rows: %w", cat, err)
	}
	if err := o.watermarks.Advance(ctx, receipt, maxDate, rows.Len()); err != nil {
		if errors.Is(err, repository.ErrStaleRun) {
			return err
		}
		return fmt.Errorf("failed to advance %s watermark: %w", cat, err)
	}

	counts[cat] = rows.Len()
	o.transition(run.ID, cat, func(st *domain.CategoryStatus) {
		st.State = domain.CategoryStateSaved
		st.RecordCount = rows.Len()
	})

	logger.With(logger.Fields{
		logger.FieldCount: rows.Len(),
	}).Info(ctx, "Category saved: inserted=%d, updated=%d, warnings=%d",
		receipt.Inserted, receipt.Updated, warned)
	return nil
}

// windowFor computes the next fetch window for a category from its watermark.
// No watermark, or a watermark with no successful fetch within StaleAfter,
// widens the window back to the backfill start so the pipeline re-converges
// after outages.
func (o *Orchestrator) windowFor(ctx context.Context, cat domain.Category) (source.Window, error) {
	entry, err := o.watermarks.Get(ctx, cat)
	if err != nil {
		return source.Window{}, err
	}

	since := o.cfg.BackfillStart
	if entry != nil && entry.HighWaterDate != nil {
		stale := entry.LastFetched == nil ||
			(o.cfg.StaleAfter > 0 && o.now().Sub(*entry.LastFetched) > o.cfg.StaleAfter)
		if !stale {
			since = *entry.HighWaterDate
		}
	}
	return source.Window{Since: since, Until: o.now()}, nil
}

// archiveSnapshot stores the raw report bytes. Best effort: an archive
// failure is logged, never fails the category.
func (o *Orchestrator) archiveSnapshot(ctx context.Context, runID, sourceName string, report *source.Report) {
	if o.snapshots == nil || len(report.Raw) == 0 {
		return
	}
	key := archive.SnapshotKey(report.Category, sourceName, runID, report.FetchedAt)
	if err := o.snapshots.Put(ctx, key, bytes.NewReader(report.Raw), int64(len(report.Raw))); err != nil {
		o.log(ctx).WithField(logger.FieldCategory, report.Category).
			WithError(err).Warn("Failed to archive report snapshot")
	}
}

// failCategory records an isolated category failure and moves on.
func (o *Orchestrator) failCategory(ctx context.Context, runID string, cat domain.Category, err error) {
	msg := domain.TruncateError(err.Error(), o.cfg.ErrorMaxLen)
	o.log(ctx).WithField(logger.FieldCategory, cat).WithError(err).Error("Category failed")

	if recErr := o.watermarks.RecordFailure(ctx, cat, msg); recErr != nil {
		o.log(ctx).WithError(recErr).Warn("Failed to record category failure")
	}

	o.transition(runID, cat, func(st *domain.CategoryStatus) {
		st.State = domain.CategoryStateFailed
		st.Error = msg
		st.ErrorKind = domain.ClassifyError(msg)
	})
}

// transition applies a category state mutation and publishes a progress
// event. Regressions are dropped: category states only move forward.
func (o *Orchestrator) transition(runID string, cat domain.Category, mutate func(*domain.CategoryStatus)) {
	o.mu.Lock()

	st, ok := o.statuses[cat]
	if !ok || runID != o.currentRunID {
		o.mu.Unlock()
		return
	}

	next := *st
	mutate(&next)
	if next.State != st.State && !st.State.CanAdvanceTo(next.State) {
		o.mu.Unlock()
		return
	}
	*st = next

	snapshot := o.statusSnapshotLocked()
	percent := percentDone(snapshot)
	o.mu.Unlock()

	o.hub.Publish(Event{
		Type:  EventProgress,
		RunID: runID,
		Payload: ProgressPayload{
			Step:       string(cat),
			Percent:    percent,
			StartedAt:  o.startedAt(runID),
			Categories: snapshot,
		},
	})
}

// startedAt looks up the run start for progress payloads; zero on miss.
func (o *Orchestrator) startedAt(runID string) time.Time {
	run, err := o.runs.GetByID(context.Background(), runID)
	if err != nil || run == nil {
		return time.Time{}
	}
	return run.StartedAt
}

// finalize moves the run to its terminal state and emits exactly one
// terminal event, unless a reset already took the run away.
func (o *Orchestrator) finalize(ctx context.Context, run *domain.PipelineRun, state domain.RunState, counts domain.RecordCounts, runErr error) {
	var msg string
	var kind domain.ErrorKind
	if runErr != nil {
		msg = domain.TruncateError(runErr.Error(), o.cfg.ErrorMaxLen)
		kind = domain.ClassifyError(msg)
	}

	err := o.runs.Finish(ctx, run.ID, state, counts, msg, kind)
	if errors.Is(err, repository.ErrStaleRun) {
		// Reset won the race and already emitted the terminal event.
		return
	}
	if err != nil {
		o.log(ctx).WithError(err).Error("Failed to finalize run")
		// Still emit the terminal event; observers must not hang forever.
	}

	finished, ferr := o.runs.GetByID(ctx, run.ID)
	if ferr != nil || finished == nil {
		finished = run
	}

	o.mu.Lock()
	if o.currentRunID == run.ID {
		o.currentRunID = ""
	}
	snapshot := o.statusSnapshotLocked()
	o.mu.Unlock()

	eventType := EventComplete
	if state == domain.RunStateError {
		eventType = EventError
	}
	o.hub.Publish(Event{
		Type:  eventType,
		RunID: run.ID,
		Payload: TerminalPayload{
			State:        state,
			DurationMs:   finished.DurationMs,
			RecordCounts: counts,
			Categories:   snapshot,
			Error:        msg,
			ErrorKind:    kind,
		},
	})

	if err := o.runs.Prune(ctx, o.cfg.HistorySize); err != nil {
		o.log(ctx).WithError(err).Warn("Failed to prune run history")
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: finished.DurationMs,
		logger.FieldStatus:     string(state),
	}).Info(ctx, "Pipeline run finished")
}

// statusSnapshotLocked copies category statuses in priority order.
// Caller must hold o.mu.
func (o *Orchestrator) statusSnapshotLocked() []domain.CategoryStatus {
	out := make([]domain.CategoryStatus, 0, len(o.order))
	for _, cat := range o.order {
		if st, ok := o.statuses[cat]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// percentDone is the share of categories that reached a terminal state.
func percentDone(statuses []domain.CategoryStatus) int {
	if len(statuses) == 0 {
		return 0
	}
	done := 0
	for _, st := range statuses {
		if st.State.Terminal() {
			done++
		}
	}
	return done * 100 / len(statuses)
}
