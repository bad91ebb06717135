package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// TestParseOrders verifies typed rows, currency conversion, and max date tracking
func TestParseOrders(t *testing.T) {
	raw := strings.Join([]string{
		"code,customer_id,customer_name,email,total,items,placed_at",
		"A-1001,C-1,Jane Doe,jane@example.com,$45.00,2,2026-01-15",
		"A-1002,C-2,Sam Ray,,\"$1,250.50\",1,2026-02-03",
		"",
	}, "\n")

	result, err := Parse(domain.CategoryOrders, []byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Count() != 2 {
		t.Fatalf("expected 2 rows, got %d", result.Count())
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}

	first := result.Rows.Orders[0]
	if first.Code != "A-1001" || first.Email != "jane@example.com" {
		t.Errorf("unexpected first row: %+v", first)
	}
	if first.TotalCents != 4500 {
		t.Errorf("expected 4500 cents, got %d", first.TotalCents)
	}
	if result.Rows.Orders[1].TotalCents != 125050 {
		t.Errorf("expected 125050 cents, got %d", result.Rows.Orders[1].TotalCents)
	}

	wantMax := time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)
	if !result.MaxDate.Equal(wantMax) {
		t.Errorf("expected max date %v, got %v", wantMax, result.MaxDate)
	}
}

// TestParseBadHeader verifies that a structurally invalid file is a hard failure
func TestParseBadHeader(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{
			name: "empty file",
			raw:  "",
		},
		{
			name: "wrong column count",
			raw:  "code,customer_id\nA-1,C-1",
		},
		{
			name: "wrong column name",
			raw:  "code,customer_id,customer_name,email,total,items,shipped_at\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(domain.CategoryOrders, []byte(tc.raw))
			if !errors.Is(err, ErrBadHeader) {
				t.Errorf("expected ErrBadHeader, got %v", err)
			}
		})
	}
}

// TestParseHeaderNormalization verifies tolerance for BOM, casing, and spaces
func TestParseHeaderNormalization(t *testing.T) {
	raw := "\ufeffCode,Customer ID,Customer Name,Email,Total,Items,Placed At\n" +
		"A-1,C-1,Jane,j@x.com,$10.00,1,2026-01-02\n"

	result, err := Parse(domain.CategoryOrders, []byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Count() != 1 {
		t.Errorf("expected 1 row, got %d", result.Count())
	}
}

// TestParseRowWarnings verifies that bad rows are skipped without failing the file
func TestParseRowWarnings(t *testing.T) {
	raw := strings.Join([]string{
		"code,customer_id,customer_name,email,total,items,placed_at",
		"A-1,C-1,Jane,j@x.com,$10.00,1,2026-01-02",
		",C-2,No Code,,$5.00,1,2026-01-03",
		"A-3,C-3,Bad Date,,$5.00,1,someday",
		"A-4,C-4,Bad Amount,,ten dollars,1,2026-01-04",
		"A-5,C-5,Short Row",
		"A-6,C-6,Good,,$7.25,3,2026-01-05",
	}, "\n")

	result, err := Parse(domain.CategoryOrders, []byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Count() != 2 {
		t.Errorf("expected 2 good rows, got %d", result.Count())
	}
	if len(result.Warnings) != 4 {
		t.Errorf("expected 4 warnings, got %d: %v", len(result.Warnings), result.Warnings)
	}
	// a row that cannot be parsed must not move the max date
	wantMax := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if !result.MaxDate.Equal(wantMax) {
		t.Errorf("expected max date %v, got %v", wantMax, result.MaxDate)
	}
}

// TestParseCanceledSubscriptions verifies the cancellation date drives the watermark
func TestParseCanceledSubscriptions(t *testing.T) {
	raw := strings.Join([]string{
		"subscription_id,customer_id,customer_name,plan,price,period_start,period_end,canceled_at",
		"S-1,C-1,Jane,Unlimited,$120.00,2026-01-01,2026-02-01,2026-01-20",
	}, "\n")

	result, err := Parse(domain.CategoryCanceledAutoRenews, []byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if result.Count() != 1 {
		t.Fatalf("expected 1 row, got %d", result.Count())
	}

	sub := result.Rows.Subscriptions[0]
	if sub.Status != domain.SubscriptionStatusCanceled {
		t.Errorf("expected canceled status, got %q", sub.Status)
	}
	if sub.CanceledAt == nil {
		t.Fatal("expected canceled_at to be set")
	}
	wantMax := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	if !result.MaxDate.Equal(wantMax) {
		t.Errorf("expected max date %v, got %v", wantMax, result.MaxDate)
	}
}

// TestParseCents verifies currency string conversion including accounting
// and sign-prefixed negatives
func TestParseCents(t *testing.T) {
	testCases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "$45.00", want: 4500},
		{in: "$1,234.56", want: 123456},
		{in: "12", want: 1200},
		{in: "0.99", want: 99},
		{in: "($12.00)", want: -1200},
		{in: "(12.00)", want: -1200},
		{in: "-12.34", want: -1234},
		{in: "-$5.00", want: -500},
		{in: "$-7.50", want: -750},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tc := range testCases {
		got, err := parseCents(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseCents(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCents(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseCents(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// TestRowsAppend verifies merging row sets from multiple sources
func TestRowsAppend(t *testing.T) {
	var merged Rows
	merged.Append(Rows{Orders: []domain.Order{{Code: "A-1"}}})
	merged.Append(Rows{Orders: []domain.Order{{Code: "B-1"}, {Code: "B-2"}}})

	if merged.Len() != 3 {
		t.Errorf("expected 3 rows, got %d", merged.Len())
	}
}
