package config

import (
	"testing"

	"github.com/mirabell/studiopulse/internal/domain"
)

func TestCategoryOrder(t *testing.T) {
	testCases := []struct {
		name    string
		in      []string
		want    []domain.Category
		wantErr bool
	}{
		{
			name: "unset leaves the default order",
			in:   nil,
			want: nil,
		},
		{
			name: "configured order is preserved",
			in:   []string{"new_customers", "orders"},
			want: []domain.Category{domain.CategoryNewCustomers, domain.CategoryOrders},
		},
		{
			name:    "unknown name fails",
			in:      []string{"orders", "refundz"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		cfg := PipelineConfig{Categories: tc.in}
		got, err := cfg.CategoryOrder()
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got %v", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s: position %d is %q, want %q", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Pipeline.Categories) != 0 {
		t.Errorf("pipeline.categories should default to empty, got %v", cfg.Pipeline.Categories)
	}
	if cfg.Pipeline.StaleAfterDays != 7 {
		t.Errorf("stale_after_days default = %d, want 7", cfg.Pipeline.StaleAfterDays)
	}
	if cfg.Pipeline.BackfillStartTime().IsZero() {
		t.Error("backfill_start default should parse to a non-zero time")
	}
}
