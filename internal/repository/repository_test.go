package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mirabell/studiopulse/internal/config"
	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/parser"
)

var testDBSeq int

// newTestDB opens a uniquely named in-memory SQLite database with the full
// schema migrated. Shared cache keeps the database alive across pooled
// connections for the duration of the test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	db, err := InitDB(&config.DatabaseConfig{
		Driver:          "sqlite",
		Path:            fmt.Sprintf("file:repotest%d?mode=memory&cache=shared", testDBSeq),
		MaxIdleConns:    1,
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
		AutoMigrate:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestBeginSingleFlight(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	run, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.RunStateRunning, run.State)

	_, err = repo.Begin(ctx)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStateComplete,
		domain.RecordCounts{domain.CategoryOrders: 3}, "", ""))

	// the slot frees up once the run is terminal
	second, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NotEqual(t, run.ID, second.ID)

	finished, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStateComplete, finished.State)
	require.NotNil(t, finished.FinishedAt)
	require.Equal(t, 3, finished.RecordCounts[domain.CategoryOrders])
}

func TestActiveRunUniqueAcrossProcesses(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	run, err := repo.Begin(ctx)
	require.NoError(t, err)

	// A second process that never observed the first run's count check
	// still cannot insert a second active run past the unique index.
	raced := &domain.PipelineRun{
		ID:           "raced-run",
		State:        domain.RunStateRunning,
		StartedAt:    time.Now(),
		RecordCounts: domain.RecordCounts{},
	}
	require.ErrorIs(t, db.Create(raced).Error, gorm.ErrDuplicatedKey)

	// Terminal runs leave the index, so history accumulates freely.
	require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStateComplete, domain.RecordCounts{}, "", ""))
	next, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NotEqual(t, run.ID, next.ID)
}

func TestFinishRejectsStaleRun(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	run, err := repo.Begin(ctx)
	require.NoError(t, err)

	reset, err := repo.ResetActive(ctx, "manually reset")
	require.NoError(t, err)
	require.NotNil(t, reset)
	require.Equal(t, run.ID, reset.ID)
	require.Equal(t, domain.RunStateError, reset.State)
	require.Equal(t, "manually reset", reset.ErrorMessage)

	// the run already left the running state; late finalization is refused
	err = repo.Finish(ctx, run.ID, domain.RunStateComplete, domain.RecordCounts{}, "", "")
	require.ErrorIs(t, err, ErrStaleRun)

	require.ErrorIs(t, repo.CheckActive(ctx, run.ID), ErrStaleRun)
}

func TestResetActiveWhenIdle(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepository(db)

	reset, err := repo.ResetActive(context.Background(), "manually reset")
	require.NoError(t, err)
	require.Nil(t, reset)
}

func TestPruneKeepsRecentRuns(t *testing.T) {
	db := newTestDB(t)
	repo := NewRunRepository(db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		run, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, repo.Finish(ctx, run.ID, domain.RunStateComplete, domain.RecordCounts{}, "", ""))
		// distinct started_at ordering under second-resolution storage
		require.NoError(t, db.Model(&domain.PipelineRun{}).Where("id = ?", run.ID).
			Update("started_at", time.Now().Add(time.Duration(i)*time.Minute)).Error)
	}

	require.NoError(t, repo.Prune(ctx, 2))

	runs, err := repo.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func activeRun(t *testing.T, repo *RunRepository) *domain.PipelineRun {
	t.Helper()
	run, err := repo.Begin(context.Background())
	require.NoError(t, err)
	return run
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	reports := NewReportRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	rows := parser.Rows{Orders: []domain.Order{
		{Code: "A-1", CustomerID: "C-1", Email: "j@x.com", TotalCents: 1000, Source: "unionfit", PlacedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Code: "A-2", CustomerID: "C-2", TotalCents: 2000, Source: "unionfit", PlacedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
	}}

	first, err := reports.Upsert(ctx, run.ID, domain.CategoryOrders, rows)
	require.NoError(t, err)
	require.EqualValues(t, 2, first.Inserted)
	require.EqualValues(t, 0, first.Updated)

	// re-ingesting the overlapping window updates in place, no duplicates
	second, err := reports.Upsert(ctx, run.ID, domain.CategoryOrders, rows)
	require.NoError(t, err)
	require.EqualValues(t, 0, second.Inserted)
	require.EqualValues(t, 2, second.Updated)

	var count int64
	require.NoError(t, db.Model(&domain.Order{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestUpsertMergesEmailNonDestructively(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	reports := NewReportRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	placed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := reports.Upsert(ctx, run.ID, domain.CategoryOrders, parser.Rows{Orders: []domain.Order{
		{Code: "A-1", CustomerID: "C-1", Email: "j@x.com", TotalCents: 1000, PlacedAt: placed},
		{Code: "A-2", CustomerID: "C-2", Email: "", TotalCents: 2000, PlacedAt: placed},
	}})
	require.NoError(t, err)

	// a blank re-fetch must not clobber the populated email, while a newly
	// populated email fills the blank one; overwrite fields still update
	_, err = reports.Upsert(ctx, run.ID, domain.CategoryOrders, parser.Rows{Orders: []domain.Order{
		{Code: "A-1", CustomerID: "C-1", Email: "", TotalCents: 1500, PlacedAt: placed},
		{Code: "A-2", CustomerID: "C-2", Email: "s@x.com", TotalCents: 2000, PlacedAt: placed},
	}})
	require.NoError(t, err)

	var one, two domain.Order
	require.NoError(t, db.First(&one, "code = ?", "A-1").Error)
	require.NoError(t, db.First(&two, "code = ?", "A-2").Error)

	require.Equal(t, "j@x.com", one.Email)
	require.EqualValues(t, 1500, one.TotalCents)
	require.Equal(t, "s@x.com", two.Email)
}

func TestUpsertRejectsStaleRun(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	reports := NewReportRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	_, err := runs.ResetActive(ctx, "manually reset")
	require.NoError(t, err)

	// a late write on behalf of the reset run is discarded
	_, err = reports.Upsert(ctx, run.ID, domain.CategoryOrders, parser.Rows{Orders: []domain.Order{
		{Code: "A-1", PlacedAt: time.Now()},
	}})
	require.ErrorIs(t, err, ErrStaleRun)

	var count int64
	require.NoError(t, db.Model(&domain.Order{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestWatermarkAdvance(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	watermarks := NewWatermarkRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	require.ErrorIs(t, watermarks.Advance(ctx, nil, time.Now(), 0), ErrNoReceipt)

	entry, err := watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.Nil(t, entry)

	receipt := &WriteReceipt{RunID: run.ID, Category: domain.CategoryOrders}
	high := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, watermarks.Advance(ctx, receipt, high, 25))

	entry, err = watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.LastFetched)
	require.True(t, entry.HighWaterDate.Equal(high))
	require.EqualValues(t, 25, entry.RecordCount)

	// the high water date is monotone: an older observed max never rewinds it
	earlier := high.Add(-48 * time.Hour)
	require.NoError(t, watermarks.Advance(ctx, receipt, earlier, 5))
	entry, err = watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.True(t, entry.HighWaterDate.Equal(high))

	// a failure records its message without touching the watermark
	require.NoError(t, watermarks.RecordFailure(ctx, domain.CategoryOrders, "upstream timeout"))
	entry, err = watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.Equal(t, "upstream timeout", entry.LastError)
	require.True(t, entry.HighWaterDate.Equal(high))

	// the next success clears the recorded failure
	require.NoError(t, watermarks.Advance(ctx, receipt, high, 25))
	entry, err = watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.Empty(t, entry.LastError)
}

func TestWatermarkAdvanceRejectsStaleRun(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	watermarks := NewWatermarkRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	_, err := runs.ResetActive(ctx, "manually reset")
	require.NoError(t, err)

	receipt := &WriteReceipt{RunID: run.ID, Category: domain.CategoryOrders}
	err = watermarks.Advance(ctx, receipt, time.Now(), 10)
	require.ErrorIs(t, err, ErrStaleRun)

	entry, err := watermarks.Get(ctx, domain.CategoryOrders)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestTableCountsFiltersByKind(t *testing.T) {
	db := newTestDB(t)
	runs := NewRunRepository(db)
	reports := NewReportRepository(db)
	ctx := context.Background()
	run := activeRun(t, runs)

	visited := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := reports.Upsert(ctx, run.ID, domain.CategoryFirstVisits, parser.Rows{Visits: []domain.Visit{
		{CustomerID: "C-1", VisitedAt: visited, Kind: domain.VisitKindFirst},
		{CustomerID: "C-2", VisitedAt: visited, Kind: domain.VisitKindRegular},
	}})
	require.NoError(t, err)

	_, err = reports.Upsert(ctx, run.ID, domain.CategoryActiveAutoRenews, parser.Rows{Subscriptions: []domain.Subscription{
		{SubscriptionID: "S-1", PeriodStart: periodStart, Status: domain.SubscriptionStatusActive},
		{SubscriptionID: "S-2", PeriodStart: periodStart, Status: domain.SubscriptionStatusCanceled},
	}})
	require.NoError(t, err)

	counts, err := reports.TableCounts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[domain.CategoryFirstVisits])
	require.EqualValues(t, 1, counts[domain.CategoryActiveAutoRenews])
	require.EqualValues(t, 1, counts[domain.CategoryCanceledAutoRenews])
	require.EqualValues(t, 0, counts[domain.CategoryOrders])
}
