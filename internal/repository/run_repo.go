package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mirabell/studiopulse/internal/domain"
	"gorm.io/gorm"
)

// Sentinel errors surfaced by the run repository.
var (
	// ErrAlreadyRunning signals the single-flight check rejected a new run.
	ErrAlreadyRunning = errors.New("a pipeline run is already active")
	// ErrStaleRun signals a write was attempted on behalf of a run that is
	// no longer the active one (e.g. after a manual reset).
	ErrStaleRun = errors.New("run is no longer active")
)

// RunRepository handles pipeline run records.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *RunRepository: repository instance bound to db.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Begin atomically claims the single-flight slot and creates a new run in
// running state. The check and the insert share one transaction, and a
// unique index over active runs backs the claim across processes sharing
// the database.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *domain.PipelineRun: the created run.
//   - error: ErrAlreadyRunning if a run is queued or running, otherwise a DB error.
func (r *RunRepository) Begin(ctx context.Context) (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{
		ID:           uuid.New().String(),
		State:        domain.RunStateRunning,
		StartedAt:    time.Now(),
		RecordCounts: domain.RecordCounts{},
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&domain.PipelineRun{}).
			Where("state IN ?", []domain.RunState{domain.RunStateQueued, domain.RunStateRunning}).
			Count(&active).Error; err != nil {
			return fmt.Errorf("failed to check active runs: %w", err)
		}
		if active > 0 {
			return ErrAlreadyRunning
		}
		if err := tx.Create(run).Error; err != nil {
			// Another process claimed the slot between our count and
			// insert; the single-flight unique index catches it.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyRunning
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Finish moves a running run to a terminal state. Terminal runs are immutable:
// if the run already left the running state (manual reset), ErrStaleRun is
// returned and nothing is written.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID to finalize.
//   - state: terminal state (complete or error).
//   - counts: per-category record counts for the run.
//   - errMsg: truncated failure message, empty on success.
//   - errKind: failure classification, empty on success.
// Returns:
//   - error: ErrStaleRun if the run is not running anymore, otherwise a DB error.
func (r *RunRepository) Finish(ctx context.Context, id string, state domain.RunState, counts domain.RecordCounts, errMsg string, errKind domain.ErrorKind) error {
	if !state.Terminal() {
		return fmt.Errorf("finish requires a terminal state, got %q", state)
	}

	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.PipelineRun
		if err := tx.First(&run, "id = ?", id).Error; err != nil {
			return err
		}
		if run.State != domain.RunStateRunning {
			return ErrStaleRun
		}

		run.State = state
		run.FinishedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
		run.RecordCounts = counts
		run.ErrorMessage = errMsg
		run.ErrorKind = errKind
		return tx.Save(&run).Error
	})
}

// ResetActive force-terminates any queued or running run to error state,
// releasing the single-flight slot. Safe to call when no run is active.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - msg: error message to record on the terminated run.
// Returns:
//   - *domain.PipelineRun: the run that was terminated, nil if none was active.
//   - error: non-nil if the update fails.
func (r *RunRepository) ResetActive(ctx context.Context, msg string) (*domain.PipelineRun, error) {
	var reset *domain.PipelineRun

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run domain.PipelineRun
		err := tx.First(&run, "state IN ?",
			[]domain.RunState{domain.RunStateQueued, domain.RunStateRunning}).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now()
		run.State = domain.RunStateError
		run.FinishedAt = &now
		run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
		run.ErrorMessage = msg
		run.ErrorKind = domain.ErrorKindGeneric
		if err := tx.Save(&run).Error; err != nil {
			return err
		}
		reset = &run
		return nil
	})
	return reset, err
}

// CheckActive verifies that the given run still owns the single-flight slot.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID to verify.
// Returns:
//   - error: ErrStaleRun if the run is not the active running run.
func (r *RunRepository) CheckActive(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.PipelineRun{}).
		Where("id = ? AND state = ?", id, domain.RunStateRunning).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrStaleRun
	}
	return nil
}

// GetByID retrieves a run by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: run ID.
// Returns:
//   - *domain.PipelineRun: run record if found.
//   - error: non-nil if lookup fails.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// Latest retrieves the most recently started run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - *domain.PipelineRun: latest run, nil if none exist.
//   - error: non-nil if the query fails.
func (r *RunRepository) Latest(ctx context.Context) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := r.db.WithContext(ctx).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Recent retrieves the most recent runs, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of runs to return.
// Returns:
//   - []domain.PipelineRun: matching run records.
//   - error: non-nil if the query fails.
func (r *RunRepository) Recent(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	var runs []domain.PipelineRun
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Prune deletes terminal runs beyond the retained history size.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keep: number of most recent runs to retain.
// Returns:
//   - error: non-nil if the delete fails.
func (r *RunRepository) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	var keepIDs []string
	if err := r.db.WithContext(ctx).Model(&domain.PipelineRun{}).
		Order("started_at DESC").
		Limit(keep).
		Pluck("id", &keepIDs).Error; err != nil {
		return err
	}
	if len(keepIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("id NOT IN ? AND state IN ?", keepIDs,
			[]domain.RunState{domain.RunStateComplete, domain.RunStateError}).
		Delete(&domain.PipelineRun{}).Error
}
