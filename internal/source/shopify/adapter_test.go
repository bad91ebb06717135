package shopify

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mirabell/studiopulse/internal/domain"
	"github.com/mirabell/studiopulse/internal/source"
)

func testAdapter(baseURL string) *Adapter {
	return &Adapter{
		client:     resty.New().SetBaseURL(baseURL),
		apiVersion: "2024-01",
	}
}

func orderJSON(name, total, createdAt string) string {
	return fmt.Sprintf(`{"name":%q,"total_price":%q,"email":"a@b.com","created_at":%q,`+
		`"customer":{"id":7,"first_name":"Ana","last_name":"Reyes"},`+
		`"line_items":[{"quantity":2}]}`, name, total, createdAt)
}

// TestFetchFollowsCursorPagination verifies that a full page is not treated as
// the whole result: the adapter walks Link rel="next" cursors and the cursored
// requests carry only the page_info param.
func TestFetchFollowsCursorPagination(t *testing.T) {
	var requests []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Clone(context.Background()))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page_info") {
		case "":
			next := fmt.Sprintf(`<http://%s/admin/api/2024-01/orders.json?page_info=cursor2&limit=250>; rel="next"`, r.Host)
			w.Header().Set("Link", next)
			fmt.Fprintf(w, `{"orders":[%s]}`, orderJSON("#1001", "45.00", "2026-03-01T10:00:00Z"))
		case "cursor2":
			fmt.Fprintf(w, `{"orders":[%s]}`, orderJSON("#1002", "12.50", "2026-03-02T10:00:00Z"))
		default:
			t.Errorf("unexpected page_info %q", r.URL.Query().Get("page_info"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	window := source.Window{
		Since: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	report, err := testAdapter(srv.URL).Fetch(context.Background(), domain.CategoryOrders, window)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if got := requests[0].URL.Query().Get("updated_at_min"); got == "" {
		t.Error("first request is missing updated_at_min")
	}
	if got := requests[1].URL.Query().Get("updated_at_min"); got != "" {
		t.Errorf("cursored request must not repeat updated_at_min, got %q", got)
	}
	if got := requests[1].URL.Query().Get("limit"); got != "250" {
		t.Errorf("cursored request limit = %q, want 250", got)
	}

	records, err := csv.NewReader(strings.NewReader(string(report.Raw))).ReadAll()
	if err != nil {
		t.Fatalf("reading rendered CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 orders, got %d records", len(records))
	}
	if records[1][0] != "#1001" || records[2][0] != "#1002" {
		t.Errorf("orders from both pages should be rendered, got %q and %q", records[1][0], records[2][0])
	}
}

func TestFetchRejectsWrongCategory(t *testing.T) {
	if _, err := testAdapter("http://unused").Fetch(context.Background(), domain.CategoryNewCustomers, source.Window{}); err == nil {
		t.Fatal("expected error for non-orders category")
	}
}

func TestFetchReportsExpiredAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testAdapter(srv.URL).Fetch(context.Background(), domain.CategoryOrders, source.Window{})
	if err == nil || !strings.Contains(err.Error(), "auth expired") {
		t.Fatalf("expected auth expired error, got %v", err)
	}
}

func TestNextPageInfo(t *testing.T) {
	testCases := []struct {
		name string
		link string
		want string
	}{
		{
			name: "next only",
			link: `<https://shop.myshopify.com/admin/api/2024-01/orders.json?page_info=abc&limit=250>; rel="next"`,
			want: "abc",
		},
		{
			name: "previous and next",
			link: `<https://shop/x?page_info=prev>; rel="previous", <https://shop/x?page_info=fwd>; rel="next"`,
			want: "fwd",
		},
		{
			name: "previous only",
			link: `<https://shop/x?page_info=prev>; rel="previous"`,
			want: "",
		},
		{
			name: "empty header",
			link: "",
			want: "",
		},
	}

	for _, tc := range testCases {
		if got := nextPageInfo(tc.link); got != tc.want {
			t.Errorf("%s: nextPageInfo(%q) = %q, want %q", tc.name, tc.link, got, tc.want)
		}
	}
}
