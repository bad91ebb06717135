// Package mailbox fetches reports that upstream sources only deliver by
// email. It triggers report generation, then polls an inbox API until the
// CSV attachment arrives or the wait times out.
package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/source"
)

// Trigger asks the upstream source to generate and mail a report for the
// window. Provided by the source adapter that owns the category.
type Trigger func(ctx context.Context, category domain.Category, window source.Window) error

// Config holds configuration for the mailbox adapter.
type Config struct {
	BaseURL      string
	APIKey       string
	Inbox        string
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Adapter implements source.Fetcher by waiting for an emailed attachment.
type Adapter struct {
	client       *resty.Client
	inbox        string
	pollInterval time.Duration
	waitTimeout  time.Duration
	trigger      Trigger
}

// NewAdapter creates a new mailbox adapter.
// Parameters:
//   - cfg: inbox API endpoint, credentials, and polling knobs.
//   - trigger: hook that requests the emailed report; nil if the source
//     sends it unprompted.
// Returns:
//   - *Adapter: initialized adapter.
func NewAdapter(cfg *Config, trigger Trigger) *Adapter {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Minute
	}

	return &Adapter{
		client:       client,
		inbox:        cfg.Inbox,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
		trigger:      trigger,
	}
}

// Name returns the stable source identifier.
func (a *Adapter) Name() string {
	return "mailbox"
}

type messagesResponse struct {
	Messages []struct {
		ID          string    `json:"id"`
		Subject     string    `json:"subject"`
		ReceivedAt  time.Time `json:"received_at"`
		Attachments []struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			Data        string `json:"data"` // base64
		} `json:"attachments"`
	} `json:"messages"`
}

// Fetch triggers the emailed report and polls the inbox until a matching CSV
// attachment arrives. Only messages received after the trigger count, so a
// stale attachment from an earlier run is never returned.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - category: report category to fetch.
//   - window: inclusive date range to cover.
// Returns:
//   - *source.Report: attachment bytes with email delivery.
//   - error: non-nil on trigger failure, poll failure, or wait timeout.
func (a *Adapter) Fetch(ctx context.Context, category domain.Category, window source.Window) (*source.Report, error) {
	requestedAt := time.Now()

	if a.trigger != nil {
		if err := a.trigger(ctx, category, window); err != nil {
			return nil, fmt.Errorf("failed to request emailed report: %w", err)
		}
	}

	deadline := requestedAt.Add(a.waitTimeout)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		raw, err := a.poll(ctx, category, requestedAt)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			return &source.Report{
				Category:  category,
				Delivery:  domain.DeliveryEmail,
				Raw:       raw,
				FetchedAt: time.Now(),
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no emailed report for %s arrived within %s", category, a.waitTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll checks the inbox once for a CSV attachment matching the category,
// received after the trigger time. Returns nil bytes when nothing matched yet.
func (a *Adapter) poll(ctx context.Context, category domain.Category, after time.Time) ([]byte, error) {
	var out messagesResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inbox":    a.inbox,
			"received": "after:" + after.UTC().Format(time.RFC3339),
		}).
		SetResult(&out).
		Get("/api/v1/messages")
	if err != nil {
		return nil, fmt.Errorf("inbox poll failed: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("inbox auth expired: status %d", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("inbox returned status %d", resp.StatusCode())
	}

	marker := subjectMarker(category)
	for _, msg := range out.Messages {
		if msg.ReceivedAt.Before(after) {
			continue
		}
		if !strings.Contains(strings.ToLower(msg.Subject), marker) {
			continue
		}
		for _, att := range msg.Attachments {
			if !strings.HasSuffix(strings.ToLower(att.Filename), ".csv") {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(att.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode attachment %s: %w", att.Filename, err)
			}
			return data, nil
		}
	}
	return nil, nil
}

// subjectMarker is the substring the upstream puts in report email subjects,
// e.g. "revenue categories" for revenue_categories.
func subjectMarker(category domain.Category) string {
	return strings.ReplaceAll(string(category), "_", " ")
}
