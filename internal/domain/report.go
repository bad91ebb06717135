package domain

import "time"

// Order represents one studio or merch order, keyed by its order code.
// Email is an enrichment field: a later re-fetch may only fill it in when
// empty, never overwrite a populated value with a blank.
type Order struct {
	Code         string    `gorm:"type:text;primaryKey" json:"code"`
	CustomerID   string    `gorm:"type:text;index:idx_orders_customer" json:"customer_id"`
	CustomerName string    `gorm:"type:text" json:"customer_name"`
	Email        string    `gorm:"type:text" json:"email,omitempty"`
	TotalCents   int64     `json:"total_cents"`
	ItemCount    int       `json:"item_count"`
	Source       string    `gorm:"type:text" json:"source"`
	PlacedAt     time.Time `gorm:"index:idx_orders_placed_at" json:"placed_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string {
	return "orders"
}

// Subscription represents one auto-renew membership period. Re-ingesting an
// overlapping window updates the same (subscription id, period start) row.
type Subscription struct {
	SubscriptionID string     `gorm:"type:text;not null;index:idx_subscriptions_period,unique" json:"subscription_id"`
	PeriodStart    time.Time  `gorm:"not null;index:idx_subscriptions_period,unique" json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	CustomerID     string     `gorm:"type:text;index:idx_subscriptions_customer" json:"customer_id"`
	CustomerName   string     `gorm:"type:text" json:"customer_name"`
	Plan           string     `gorm:"type:text" json:"plan"`
	Status         string     `gorm:"type:text;index:idx_subscriptions_status" json:"status"`
	PriceCents     int64      `json:"price_cents"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string {
	return "subscriptions"
}

// Subscription statuses as reported by the upstream source.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusCanceled = "canceled"
)

// Visit represents one customer visit, keyed by customer, time, and kind.
type Visit struct {
	CustomerID string    `gorm:"type:text;not null;index:idx_visits_natural,unique" json:"customer_id"`
	VisitedAt  time.Time `gorm:"not null;index:idx_visits_natural,unique" json:"visited_at"`
	Kind       string    `gorm:"type:text;not null;index:idx_visits_natural,unique" json:"kind"`
	Location   string    `gorm:"type:text" json:"location,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name for Visit.
func (Visit) TableName() string {
	return "visits"
}

// Visit kinds.
const (
	VisitKindFirst   = "first"
	VisitKindRegular = "regular"
)

// Customer represents one studio customer, keyed by the upstream customer id.
// Like Order.Email, the email field is merge-only on re-ingest.
type Customer struct {
	CustomerID string    `gorm:"type:text;primaryKey" json:"customer_id"`
	Name       string    `gorm:"type:text" json:"name"`
	Email      string    `gorm:"type:text" json:"email,omitempty"`
	JoinedAt   time.Time `gorm:"index:idx_customers_joined_at" json:"joined_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Customer.
func (Customer) TableName() string {
	return "customers"
}

// RevenueItem represents one revenue-category aggregate for a business date.
type RevenueItem struct {
	Label        string    `gorm:"type:text;not null;index:idx_revenue_items_natural,unique" json:"label"`
	BusinessDate time.Time `gorm:"not null;index:idx_revenue_items_natural,unique" json:"business_date"`
	AmountCents  int64     `json:"amount_cents"`
	OrderCount   int       `json:"order_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for RevenueItem.
func (RevenueItem) TableName() string {
	return "revenue_items"
}
