package repository

import (
	"context"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/parser"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WriteReceipt confirms that a batch of rows was durably written on behalf of
// a run. Watermark advances require one, which enforces the persist-then-
// advance ordering at the type level.
type WriteReceipt struct {
	RunID       string
	Category    domain.Category
	Inserted    int64
	Updated     int64
	CommittedAt time.Time
}

// ReportRepository persists parsed report rows into the business tables.
type ReportRepository struct {
	db *gorm.DB
}

// NewReportRepository creates a new ReportRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ReportRepository: repository instance bound to db.
func NewReportRepository(db *gorm.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// Upsert idempotently writes parsed rows keyed by their natural business
// keys. Re-ingesting an overlapping window updates rows in place; enrichment
// fields (customer/order email) are merged non-destructively, so a populated
// value is never clobbered by a blank re-fetch. The whole batch commits in
// one transaction that also verifies the run still owns the single-flight
// slot, discarding late results from an abandoned fetch.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: pipeline run the rows belong to.
//   - category: report category being written.
//   - rows: typed rows from the parser.
// Returns:
//   - *WriteReceipt: confirmation with inserted/updated counts.
//   - error: ErrStaleRun if the run was reset, otherwise a DB error.
func (r *ReportRepository) Upsert(ctx context.Context, runID string, category domain.Category, rows parser.Rows) (*WriteReceipt, error) {
	receipt := &WriteReceipt{RunID: runID, Category: category}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&domain.PipelineRun{}).
			Where("id = ? AND state = ?", runID, domain.RunStateRunning).
			Count(&active).Error; err != nil {
			return err
		}
		if active == 0 {
			return ErrStaleRun
		}

		if len(rows.Orders) > 0 {
			if err := upsertBatch(tx, &domain.Order{}, rows.Orders, len(rows.Orders), receipt,
				[]clause.Column{{Name: "code"}},
				mergeAssignments("orders", "email",
					"customer_id", "customer_name", "total_cents", "item_count", "source", "placed_at")); err != nil {
				return err
			}
		}
		if len(rows.Customers) > 0 {
			if err := upsertBatch(tx, &domain.Customer{}, rows.Customers, len(rows.Customers), receipt,
				[]clause.Column{{Name: "customer_id"}},
				mergeAssignments("customers", "email", "name", "joined_at")); err != nil {
				return err
			}
		}
		if len(rows.Visits) > 0 {
			if err := upsertBatch(tx, &domain.Visit{}, rows.Visits, len(rows.Visits), receipt,
				[]clause.Column{{Name: "customer_id"}, {Name: "visited_at"}, {Name: "kind"}},
				clause.Assignments(map[string]interface{}{
					"location": gorm.Expr("excluded.location"),
				})); err != nil {
				return err
			}
		}
		if len(rows.Subscriptions) > 0 {
			if err := upsertBatch(tx, &domain.Subscription{}, rows.Subscriptions, len(rows.Subscriptions), receipt,
				[]clause.Column{{Name: "subscription_id"}, {Name: "period_start"}},
				clause.Assignments(map[string]interface{}{
					"period_end":    gorm.Expr("excluded.period_end"),
					"customer_id":   gorm.Expr("excluded.customer_id"),
					"customer_name": gorm.Expr("excluded.customer_name"),
					"plan":          gorm.Expr("excluded.plan"),
					"status":        gorm.Expr("excluded.status"),
					"price_cents":   gorm.Expr("excluded.price_cents"),
					"canceled_at":   gorm.Expr("excluded.canceled_at"),
					"updated_at":    gorm.Expr("excluded.updated_at"),
				})); err != nil {
				return err
			}
		}
		if len(rows.RevenueItems) > 0 {
			if err := upsertBatch(tx, &domain.RevenueItem{}, rows.RevenueItems, len(rows.RevenueItems), receipt,
				[]clause.Column{{Name: "label"}, {Name: "business_date"}},
				clause.Assignments(map[string]interface{}{
					"amount_cents": gorm.Expr("excluded.amount_cents"),
					"order_count":  gorm.Expr("excluded.order_count"),
					"updated_at":   gorm.Expr("excluded.updated_at"),
				})); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	receipt.CommittedAt = time.Now()
	return receipt, nil
}

// upsertBatch writes one slice with the given conflict target and update set,
// accounting inserted vs updated rows via before/after table counts.
func upsertBatch(tx *gorm.DB, model interface{}, batch interface{}, batchLen int, receipt *WriteReceipt, conflict []clause.Column, updates clause.Set) error {
	var before int64
	if err := tx.Model(model).Count(&before).Error; err != nil {
		return err
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   conflict,
		DoUpdates: updates,
	}).Create(batch).Error; err != nil {
		return err
	}
	var after int64
	if err := tx.Model(model).Count(&after).Error; err != nil {
		return err
	}
	inserted := after - before
	receipt.Inserted += inserted
	receipt.Updated += int64(batchLen) - inserted
	return nil
}

// mergeAssignments builds the conflict update set for a table with one
// merge-only column: the column takes the incoming value only when the
// existing value is empty. Remaining columns overwrite from excluded.
func mergeAssignments(table, mergeCol string, overwriteCols ...string) clause.Set {
	assignments := map[string]interface{}{
		mergeCol: gorm.Expr(
			"CASE WHEN " + table + "." + mergeCol + " IS NULL OR " + table + "." + mergeCol + " = '' " +
				"THEN excluded." + mergeCol + " ELSE " + table + "." + mergeCol + " END"),
		"updated_at": gorm.Expr("excluded.updated_at"),
	}
	for _, col := range overwriteCols {
		assignments[col] = gorm.Expr("excluded." + col)
	}
	return clause.Assignments(assignments)
}

// TableCounts returns live row counts for every business table, keyed by the
// category that feeds it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - map[domain.Category]int64: per-category row counts.
//   - error: non-nil if any count fails.
func (r *ReportRepository) TableCounts(ctx context.Context) (map[domain.Category]int64, error) {
	counts := make(map[domain.Category]int64)

	models := []struct {
		category domain.Category
		model    interface{}
		where    []interface{}
	}{
		{domain.CategoryOrders, &domain.Order{}, nil},
		{domain.CategoryNewCustomers, &domain.Customer{}, nil},
		{domain.CategoryFirstVisits, &domain.Visit{}, []interface{}{"kind = ?", domain.VisitKindFirst}},
		{domain.CategoryActiveAutoRenews, &domain.Subscription{}, []interface{}{"status = ?", domain.SubscriptionStatusActive}},
		{domain.CategoryCanceledAutoRenews, &domain.Subscription{}, []interface{}{"status = ?", domain.SubscriptionStatusCanceled}},
		{domain.CategoryRevenueCategories, &domain.RevenueItem{}, nil},
	}

	for _, m := range models {
		q := r.db.WithContext(ctx).Model(m.model)
		if m.where != nil {
			q = q.Where(m.where[0], m.where[1:]...)
		}
		var count int64
		if err := q.Count(&count).Error; err != nil {
			return nil, err
		}
		counts[m.category] = count
	}
	return counts, nil
}
