package source

import (
	"context"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// Window is the inclusive date range a fetcher should cover. Windows start at
// the prior watermark on purpose, so overlapping re-fetches pick up
// late-arriving rows; the persistence layer makes the overlap idempotent.
type Window struct {
	Since time.Time
	Until time.Time
}

// Report is the raw result of one fetch: CSV bytes plus how they arrived.
type Report struct {
	Category  domain.Category
	Delivery  domain.DeliveryMethod
	Raw       []byte
	FetchedAt time.Time
}

// Fetcher pulls raw report data for a category over a date window. Fetchers
// must not mutate any pipeline state; they are pure functions of the window
// plus external source state.
type Fetcher interface {
	// Name returns the stable source identifier used in logs and row
	// provenance.
	Name() string

	// Fetch downloads the report for one category over the given window.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - category: report category to fetch.
	//   - window: inclusive date range to cover.
	// Returns:
	//   - *Report: raw CSV bytes and delivery metadata.
	//   - err: non-nil if the source is unreachable, auth expired, or the
	//     response is malformed; the orchestrator maps it to a failed
	//     category.
	Fetch(ctx context.Context, category domain.Category, window Window) (*Report, error)
}
