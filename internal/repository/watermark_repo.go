package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
	"gorm.io/gorm"
)

// ErrNoReceipt signals a watermark advance was attempted without a confirmed
// persistence write. The receipt requirement makes persist-then-advance an
// invariant of the API, not a call-site convention.
var ErrNoReceipt = errors.New("watermark advance requires a write receipt")

// WatermarkRepository handles per-category incremental fetch state.
type WatermarkRepository struct {
	db *gorm.DB
}

// NewWatermarkRepository creates a new WatermarkRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *WatermarkRepository: repository instance bound to db.
func NewWatermarkRepository(db *gorm.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get retrieves the watermark for a category.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: report category.
// Returns:
//   - *domain.WatermarkEntry: entry if present, nil if the category has never
//     been ingested.
//   - error: non-nil if the lookup fails.
func (r *WatermarkRepository) Get(ctx context.Context, category domain.Category) (*domain.WatermarkEntry, error) {
	var entry domain.WatermarkEntry
	err := r.db.WithContext(ctx).First(&entry, "category = ?", category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// All retrieves every watermark entry.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []domain.WatermarkEntry: all entries.
//   - error: non-nil if the query fails.
func (r *WatermarkRepository) All(ctx context.Context) ([]domain.WatermarkEntry, error) {
	var entries []domain.WatermarkEntry
	if err := r.db.WithContext(ctx).Order("category").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Advance moves a category watermark forward after a confirmed write. The
// entry is created lazily on the first successful ingestion. high_water_date
// is monotone: max(existing, observedMax). The advance is refused when the
// receipt's run has lost the single-flight slot.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - receipt: confirmation returned by the report upsert; must be non-nil.
//   - observedMax: latest business-event date seen in the persisted rows;
//     zero leaves high_water_date unchanged.
//   - rowCount: number of rows in the ingested window, kept for display.
// Returns:
//   - error: ErrNoReceipt without a receipt, ErrStaleRun after a reset,
//     otherwise a DB error.
func (r *WatermarkRepository) Advance(ctx context.Context, receipt *WriteReceipt, observedMax time.Time, rowCount int) error {
	if receipt == nil {
		return ErrNoReceipt
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&domain.PipelineRun{}).
			Where("id = ? AND state = ?", receipt.RunID, domain.RunStateRunning).
			Count(&active).Error; err != nil {
			return err
		}
		if active == 0 {
			return ErrStaleRun
		}

		now := time.Now()
		var entry domain.WatermarkEntry
		err := tx.First(&entry, "category = ?", receipt.Category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = domain.WatermarkEntry{Category: receipt.Category}
		} else if err != nil {
			return err
		}

		entry.LastFetched = &now
		entry.RecordCount = int64(rowCount)
		entry.LastError = ""
		if !observedMax.IsZero() {
			if entry.HighWaterDate == nil || observedMax.After(*entry.HighWaterDate) {
				d := observedMax
				entry.HighWaterDate = &d
			}
		}
		return tx.Save(&entry).Error
	})
}

// RecordFailure stores the last error for a category without touching its
// watermark. No-op for categories that were never successfully ingested.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: report category that failed.
//   - msg: truncated failure message.
// Returns:
//   - error: non-nil if the update fails.
func (r *WatermarkRepository) RecordFailure(ctx context.Context, category domain.Category, msg string) error {
	return r.db.WithContext(ctx).Model(&domain.WatermarkEntry{}).
		Where("category = ?", category).
		Update("last_error", msg).Error
}
