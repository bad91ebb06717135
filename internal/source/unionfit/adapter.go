// Package unionfit fetches Union.fit report exports over HTTP.
package unionfit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/source"
)

const dateParam = "2006-01-02"

// Config holds configuration for the Union.fit adapter.
type Config struct {
	BaseURL string
	APIKey  string
	OrgSlug string
}

// Adapter implements source.Fetcher against the Union.fit report endpoints.
type Adapter struct {
	client  *resty.Client
	orgSlug string
}

// reportPaths maps categories onto the Union.fit CSV export endpoints.
var reportPaths = map[domain.Category]string{
	domain.CategoryOrders:             "orders",
	domain.CategoryNewCustomers:       "new-customers",
	domain.CategoryFirstVisits:        "first-visits",
	domain.CategoryActiveAutoRenews:   "auto-renews/active",
	domain.CategoryCanceledAutoRenews: "auto-renews/canceled",
	domain.CategoryRevenueCategories:  "revenue-categories",
}

// NewAdapter creates a new Union.fit adapter.
// Parameters:
//   - cfg: endpoint and credential configuration.
// Returns:
//   - *Adapter: initialized adapter.
func NewAdapter(cfg *Config) *Adapter {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Accept", "text/csv")
	client.SetTimeout(2 * time.Minute)

	return &Adapter{
		client:  client,
		orgSlug: cfg.OrgSlug,
	}
}

// Name returns the stable source identifier.
func (a *Adapter) Name() string {
	return "unionfit"
}

// Fetch downloads the CSV export for one category over the given window.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: report category to fetch.
//   - window: inclusive date range to cover.
// Returns:
//   - *source.Report: raw CSV bytes with direct delivery.
//   - error: non-nil on network, auth, or unexpected-status failures.
func (a *Adapter) Fetch(ctx context.Context, category domain.Category, window source.Window) (*source.Report, error) {
	path, ok := reportPaths[category]
	if !ok {
		return nil, fmt.Errorf("unionfit does not serve category %q", category)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"since": window.Since.Format(dateParam),
			"until": window.Until.Format(dateParam),
		}).
		Get(fmt.Sprintf("/api/orgs/%s/reports/%s.csv", a.orgSlug, path))
	if err != nil {
		return nil, fmt.Errorf("unionfit request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, fmt.Errorf("unionfit auth expired: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unionfit returned status %d for %s", resp.StatusCode(), path)
	}

	return &source.Report{
		Category:  category,
		Delivery:  domain.DeliveryDirect,
		Raw:       resp.Body(),
		FetchedAt: time.Now(),
	}, nil
}

// RequestEmailedReport asks Union.fit to generate a report and mail it to the
// configured recipient. Used for categories the upstream only delivers by
// email; the mailbox fetcher then waits for the attachment.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: report category to request.
//   - window: inclusive date range to cover.
// Returns:
//   - error: non-nil if the request is rejected.
func (a *Adapter) RequestEmailedReport(ctx context.Context, category domain.Category, window source.Window) error {
	path, ok := reportPaths[category]
	if !ok {
		return fmt.Errorf("unionfit does not serve category %q", category)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"report": path,
			"since":  window.Since.Format(dateParam),
			"until":  window.Until.Format(dateParam),
		}).
		Post(fmt.Sprintf("/api/orgs/%s/reports/email", a.orgSlug))
	if err != nil {
		return fmt.Errorf("unionfit email request failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return fmt.Errorf("unionfit auth expired: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("unionfit email request returned status %d", resp.StatusCode())
	}
	return nil
}
