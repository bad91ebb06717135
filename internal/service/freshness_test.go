package service

import (
	"context"
	"testing"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

func TestClassifyStaleness(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	age := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	testCases := []struct {
		name        string
		lastFetched *time.Time
		want        Staleness
	}{
		{name: "never fetched", lastFetched: nil, want: StalenessNever},
		{name: "just fetched", lastFetched: age(time.Minute), want: StalenessFresh},
		{name: "under 12h", lastFetched: age(11 * time.Hour), want: StalenessFresh},
		{name: "over 12h", lastFetched: age(13 * time.Hour), want: StalenessAging},
		{name: "at 24h", lastFetched: age(24 * time.Hour), want: StalenessStale},
		{name: "days old", lastFetched: age(72 * time.Hour), want: StalenessStale},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyStaleness(tc.lastFetched, now); got != tc.want {
				t.Errorf("ClassifyStaleness = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSnapshotAggregation(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)
	high := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	store := newFakeStore()
	store.entries[domain.CategoryOrders] = &domain.WatermarkEntry{
		Category:      domain.CategoryOrders,
		LastFetched:   &fresh,
		HighWaterDate: &high,
		RecordCount:   42,
	}
	store.entries[domain.CategoryNewCustomers] = &domain.WatermarkEntry{
		Category:    domain.CategoryNewCustomers,
		LastFetched: &stale,
		LastError:   "upstream timeout",
	}
	store.counts[domain.CategoryOrders] = 1200

	run, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := store.Finish(context.Background(), run.ID, domain.RunStateComplete, domain.RecordCounts{}, "", ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	reporter := NewFreshnessReporter(store, store, store, 10)
	reporter.now = func() time.Time { return now }

	snapshot, err := reporter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// every known category appears, even without a watermark
	if len(snapshot.Sources) != len(domain.AllCategories()) {
		t.Fatalf("expected %d sources, got %d", len(domain.AllCategories()), len(snapshot.Sources))
	}

	byCat := make(map[domain.Category]SourceFreshness)
	for _, sf := range snapshot.Sources {
		byCat[sf.Category] = sf
	}

	orders := byCat[domain.CategoryOrders]
	if orders.Staleness != StalenessFresh {
		t.Errorf("expected fresh orders, got %q", orders.Staleness)
	}
	if orders.TableCount != 1200 || orders.RecordCount != 42 {
		t.Errorf("unexpected order counts: %+v", orders)
	}

	customers := byCat[domain.CategoryNewCustomers]
	if customers.Staleness != StalenessStale {
		t.Errorf("expected stale customers, got %q", customers.Staleness)
	}
	if customers.LastError != "upstream timeout" {
		t.Errorf("expected last error surfaced, got %q", customers.LastError)
	}

	if byCat[domain.CategoryFirstVisits].Staleness != StalenessNever {
		t.Errorf("categories without a watermark must report never")
	}

	// overall is the worst across categories that have ingested
	if snapshot.OverallStaleness != StalenessStale {
		t.Errorf("expected stale overall, got %q", snapshot.OverallStaleness)
	}

	if snapshot.LastRun == nil || snapshot.LastRun.ID != run.ID {
		t.Errorf("expected last run %s, got %+v", run.ID, snapshot.LastRun)
	}
	if snapshot.LastRunAgeMin == nil {
		t.Error("expected last run age to be populated")
	}
	if len(snapshot.RecentRuns) != 1 {
		t.Errorf("expected 1 recent run, got %d", len(snapshot.RecentRuns))
	}
}

func TestSnapshotEmptyState(t *testing.T) {
	store := newFakeStore()
	reporter := NewFreshnessReporter(store, store, store, 10)

	snapshot, err := reporter.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.OverallStaleness != StalenessNever {
		t.Errorf("expected never on empty state, got %q", snapshot.OverallStaleness)
	}
	if snapshot.LastRun != nil {
		t.Errorf("expected no last run, got %+v", snapshot.LastRun)
	}
}
