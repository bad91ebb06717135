// Package parser converts raw CSV report bytes into typed rows per category.
// Row-level issues become warnings; only a structurally invalid file (wrong
// header shape) fails the whole category.
package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mirabell/studiopulse/internal/domain"
)

// ErrBadHeader signals a structurally invalid file. This is a hard failure:
// none of the rows are usable.
var ErrBadHeader = errors.New("report header does not match expected schema")

// Rows holds typed rows for exactly one category; the slice matching the
// parsed category is populated, the rest stay empty.
type Rows struct {
	Orders        []domain.Order
	Customers     []domain.Customer
	Visits        []domain.Visit
	Subscriptions []domain.Subscription
	RevenueItems  []domain.RevenueItem
}

// Len returns the number of typed rows across all slices.
func (r *Rows) Len() int {
	return len(r.Orders) + len(r.Customers) + len(r.Visits) +
		len(r.Subscriptions) + len(r.RevenueItems)
}

// Append merges another row set into this one. Used when a category is fed
// by more than one upstream source in the same run.
func (r *Rows) Append(other Rows) {
	r.Orders = append(r.Orders, other.Orders...)
	r.Customers = append(r.Customers, other.Customers...)
	r.Visits = append(r.Visits, other.Visits...)
	r.Subscriptions = append(r.Subscriptions, other.Subscriptions...)
	r.RevenueItems = append(r.RevenueItems, other.RevenueItems...)
}

// Result is the outcome of parsing one report.
type Result struct {
	Category domain.Category
	Rows     Rows
	// MaxDate is the latest business-event date observed in the rows; the
	// orchestrator advances the category watermark to it after persistence.
	MaxDate  time.Time
	Warnings []string
}

// Count returns the number of successfully parsed rows.
func (r *Result) Count() int {
	return r.Rows.Len()
}

type schema struct {
	header []string
	// mapRow converts one record into typed rows, returning the row's
	// business date. A non-nil error is a soft, row-level warning.
	mapRow func(rec []string, rows *Rows) (time.Time, error)
}

var schemas = map[domain.Category]schema{
	domain.CategoryOrders: {
		header: []string{"code", "customer_id", "customer_name", "email", "total", "items", "placed_at"},
		mapRow: mapOrder,
	},
	domain.CategoryNewCustomers: {
		header: []string{"customer_id", "name", "email", "joined_at"},
		mapRow: mapCustomer,
	},
	domain.CategoryFirstVisits: {
		header: []string{"customer_id", "visited_at", "location"},
		mapRow: mapFirstVisit,
	},
	domain.CategoryActiveAutoRenews: {
		header: []string{"subscription_id", "customer_id", "customer_name", "plan", "price", "period_start", "period_end"},
		mapRow: mapActiveSubscription,
	},
	domain.CategoryCanceledAutoRenews: {
		header: []string{"subscription_id", "customer_id", "customer_name", "plan", "price", "period_start", "period_end", "canceled_at"},
		mapRow: mapCanceledSubscription,
	},
	domain.CategoryRevenueCategories: {
		header: []string{"category", "date", "amount", "orders"},
		mapRow: mapRevenueItem,
	},
}

// Parse converts raw CSV bytes into typed rows for the given category.
// Parameters:
//   - category: report category selecting the expected schema.
//   - raw: CSV bytes including the header line.
// Returns:
//   - *Result: typed rows, observed max business date, and row warnings.
//   - error: ErrBadHeader (wrapped) on a structurally invalid file, or a
//     read error; soft row issues never produce an error.
func Parse(category domain.Category, raw []byte) (*Result, error) {
	sc, ok := schemas[category]
	if !ok {
		return nil, fmt.Errorf("no schema for category %q", category)
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrBadHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := checkHeader(header, sc.header); err != nil {
		return nil, err
	}

	result := &Result{Category: category}
	line := 1
	for {
		line++
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if isBlankRecord(rec) {
			continue
		}
		if len(rec) != len(sc.header) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("line %d: expected %d fields, got %d", line, len(sc.header), len(rec)))
			continue
		}

		date, err := sc.mapRow(rec, &result.Rows)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if date.After(result.MaxDate) {
			result.MaxDate = date
		}
	}

	return result, nil
}

func checkHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrBadHeader, len(want), len(got))
	}
	for i := range want {
		if normalizeHeader(got[i]) != want[i] {
			return fmt.Errorf("%w: column %d is %q, expected %q", ErrBadHeader, i, got[i], want[i])
		}
	}
	return nil
}

// normalizeHeader tolerates casing, BOMs, and space/underscore variations
// between report exports.
func normalizeHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.ReplaceAll(s, " ", "_")
}

func isBlankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func mapOrder(rec []string, rows *Rows) (time.Time, error) {
	code := strings.TrimSpace(rec[0])
	if code == "" {
		return time.Time{}, errors.New("missing order code")
	}
	total, err := parseCents(rec[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("order %s: %v", code, err)
	}
	placedAt, err := parseDate(rec[6])
	if err != nil {
		return time.Time{}, fmt.Errorf("order %s: %v", code, err)
	}
	items, err := strconv.Atoi(strings.TrimSpace(rec[5]))
	if err != nil {
		// item count is display-only, keep the row
		items = 0
	}
	rows.Orders = append(rows.Orders, domain.Order{
		Code:         code,
		CustomerID:   strings.TrimSpace(rec[1]),
		CustomerName: strings.TrimSpace(rec[2]),
		Email:        strings.TrimSpace(rec[3]),
		TotalCents:   total,
		ItemCount:    items,
		PlacedAt:     placedAt,
	})
	return placedAt, nil
}

func mapCustomer(rec []string, rows *Rows) (time.Time, error) {
	id := strings.TrimSpace(rec[0])
	if id == "" {
		return time.Time{}, errors.New("missing customer id")
	}
	joinedAt, err := parseDate(rec[3])
	if err != nil {
		return time.Time{}, fmt.Errorf("customer %s: %v", id, err)
	}
	rows.Customers = append(rows.Customers, domain.Customer{
		CustomerID: id,
		Name:       strings.TrimSpace(rec[1]),
		Email:      strings.TrimSpace(rec[2]),
		JoinedAt:   joinedAt,
	})
	return joinedAt, nil
}

func mapFirstVisit(rec []string, rows *Rows) (time.Time, error) {
	id := strings.TrimSpace(rec[0])
	if id == "" {
		return time.Time{}, errors.New("missing customer id")
	}
	visitedAt, err := parseDate(rec[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("visit for %s: %v", id, err)
	}
	rows.Visits = append(rows.Visits, domain.Visit{
		CustomerID: id,
		VisitedAt:  visitedAt,
		Kind:       domain.VisitKindFirst,
		Location:   strings.TrimSpace(rec[2]),
	})
	return visitedAt, nil
}

func mapActiveSubscription(rec []string, rows *Rows) (time.Time, error) {
	return mapSubscription(rec, rows, domain.SubscriptionStatusActive, "")
}

func mapCanceledSubscription(rec []string, rows *Rows) (time.Time, error) {
	return mapSubscription(rec, rows, domain.SubscriptionStatusCanceled, rec[7])
}

func mapSubscription(rec []string, rows *Rows, status, canceledRaw string) (time.Time, error) {
	id := strings.TrimSpace(rec[0])
	if id == "" {
		return time.Time{}, errors.New("missing subscription id")
	}
	price, err := parseCents(rec[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("subscription %s: %v", id, err)
	}
	periodStart, err := parseDate(rec[5])
	if err != nil {
		return time.Time{}, fmt.Errorf("subscription %s: %v", id, err)
	}
	periodEnd, err := parseDate(rec[6])
	if err != nil {
		return time.Time{}, fmt.Errorf("subscription %s: %v", id, err)
	}

	sub := domain.Subscription{
		SubscriptionID: id,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		CustomerID:     strings.TrimSpace(rec[1]),
		CustomerName:   strings.TrimSpace(rec[2]),
		Plan:           strings.TrimSpace(rec[3]),
		Status:         status,
		PriceCents:     price,
	}

	date := periodStart
	if status == domain.SubscriptionStatusCanceled {
		canceledAt, err := parseDate(canceledRaw)
		if err != nil {
			return time.Time{}, fmt.Errorf("subscription %s: %v", id, err)
		}
		sub.CanceledAt = &canceledAt
		date = canceledAt
	}

	rows.Subscriptions = append(rows.Subscriptions, sub)
	return date, nil
}

func mapRevenueItem(rec []string, rows *Rows) (time.Time, error) {
	label := strings.TrimSpace(rec[0])
	if label == "" {
		return time.Time{}, errors.New("missing revenue category label")
	}
	date, err := parseDate(rec[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("revenue %s: %v", label, err)
	}
	amount, err := parseCents(rec[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("revenue %s: %v", label, err)
	}
	orders, err := strconv.Atoi(strings.TrimSpace(rec[3]))
	if err != nil {
		orders = 0
	}
	rows.RevenueItems = append(rows.RevenueItems, domain.RevenueItem{
		Label:        label,
		BusinessDate: date,
		AmountCents:  amount,
		OrderCount:   orders,
	})
	return date, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// parseDate tries the date layouts seen across the upstream report exports.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// parseCents converts a currency string like "$1,234.56" into cents.
func parseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, errors.New("empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		// accounting-style negatives: (12.00)
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	} else if strings.HasPrefix(s, "-") {
		// refunds export as -$5.00 or -5.00
		neg = true
		s = strings.TrimPrefix(s, "-")
	}
	s = strings.TrimPrefix(s, "$")
	amount, err := strconv.ParseFloat(s, 64)
	if err != nil || amount < 0 {
		return 0, fmt.Errorf("unparseable amount %q", s)
	}
	cents := int64(math.Round(amount * 100))
	if neg {
		cents = -cents
	}
	return cents, nil
}
