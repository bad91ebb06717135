package domain

import "fmt"

// Category identifies one report type ingested independently within a run.
type Category string

const (
	CategoryNewCustomers       Category = "new_customers"
	CategoryOrders             Category = "orders"
	CategoryFirstVisits        Category = "first_visits"
	CategoryActiveAutoRenews   Category = "active_auto_renews"
	CategoryCanceledAutoRenews Category = "canceled_auto_renews"
	CategoryRevenueCategories  Category = "revenue_categories"
)

// AllCategories returns every category in pipeline priority order.
// High-value sources come first so they are attempted before optional ones.
func AllCategories() []Category {
	return []Category{
		CategoryOrders,
		CategoryActiveAutoRenews,
		CategoryCanceledAutoRenews,
		CategoryNewCustomers,
		CategoryFirstVisits,
		CategoryRevenueCategories,
	}
}

// ParseCategory validates a category string.
// Parameters:
//   - s: raw category name.
// Returns:
//   - Category: parsed category.
//   - error: non-nil if s is not a known category.
func ParseCategory(s string) (Category, error) {
	for _, c := range AllCategories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// CategoryState represents the per-category progress within a run.
// Transitions are monotonic: pending -> downloading -> parsing -> saved|failed|skipped.
type CategoryState string

const (
	CategoryStatePending     CategoryState = "pending"
	CategoryStateDownloading CategoryState = "downloading"
	CategoryStateParsing     CategoryState = "parsing"
	CategoryStateSaved       CategoryState = "saved"
	CategoryStateFailed      CategoryState = "failed"
	CategoryStateSkipped     CategoryState = "skipped"
)

// rank orders states for the monotonicity check. Terminal states share the
// highest rank so no terminal state can replace another.
func (s CategoryState) rank() int {
	switch s {
	case CategoryStatePending:
		return 0
	case CategoryStateDownloading:
		return 1
	case CategoryStateParsing:
		return 2
	case CategoryStateSaved, CategoryStateFailed, CategoryStateSkipped:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether a transition from s to next is allowed.
func (s CategoryState) CanAdvanceTo(next CategoryState) bool {
	return next.rank() > s.rank()
}

// Terminal reports whether the state is final for the category.
func (s CategoryState) Terminal() bool {
	return s == CategoryStateSaved || s == CategoryStateFailed || s == CategoryStateSkipped
}

// DeliveryMethod records how a source delivered its report.
type DeliveryMethod string

const (
	DeliveryDirect DeliveryMethod = "direct"
	DeliveryEmail  DeliveryMethod = "email"
)

// CategoryStatus is the live per-category status inside a running pipeline.
// It is owned and mutated only by the orchestrator for the duration of the run.
type CategoryStatus struct {
	Category       Category       `json:"category"`
	State          CategoryState  `json:"state"`
	RecordCount    int            `json:"record_count,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      ErrorKind      `json:"error_kind,omitempty"`
	DeliveryMethod DeliveryMethod `json:"delivery_method,omitempty"`
}
