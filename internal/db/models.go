package db

import (
	"time"

	"gorm.io/datatypes"
)

// MetricType is the closed set of dashboard metrics this node derives.
type MetricType string

const (
	MetricUserCount      MetricType = "user_count"
	MetricProductCount   MetricType = "product_count"
	MetricOrderCount     MetricType = "order_count"
	MetricRevenue        MetricType = "revenue"
	MetricExpenses       MetricType = "expenses"
	MetricNetIncome      MetricType = "net_income"
	MetricInventoryValue MetricType = "inventory_value"
	MetricLowStockCount  MetricType = "low_stock_count"
	MetricOrdersToday    MetricType = "orders_today"
	MetricCustomerCount  MetricType = "customer_count"
)

// Metric is an append-only timestamped scalar. Rows are never updated;
// the dashboard reads the most recent row per type.
type Metric struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `gorm:"index" json:"timestamp"`

	Type  MetricType `gorm:"index;not null" json:"type"`
	Value float64    `gorm:"not null" json:"value"`

	// SourceEventID ties the row to the ingested event that produced it,
	// e.g. an order id, so duplicates are attributable during debugging.
	SourceEventID string `gorm:"index" json:"sourceEventId,omitempty"`

	Metadata datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
}

// KPIStatus is derived from how far CurrentValue is from TargetValue.
type KPIStatus string

const (
	KPIOnTrack        KPIStatus = "on_track"
	KPINeedsAttention KPIStatus = "needs_attention"
	KPICritical       KPIStatus = "critical"
)

// KPI is a target-tracking entity mutated in place on each relevant event.
type KPI struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`

	Name string `gorm:"uniqueIndex;not null" json:"name"`

	CurrentValue  float64 `json:"currentValue"`
	TargetValue   float64 `json:"targetValue"`
	PreviousValue float64 `json:"previousValue"`
	// PercentageChange is (current-previous)/previous*100, defined as 0
	// when previous is 0.
	PercentageChange float64   `json:"percentageChange"`
	Status           KPIStatus `json:"status"`

	// LowerIsBetter inverts the status derivation for KPIs like expenses,
	// where exceeding the target is the bad direction.
	LowerIsBetter bool `json:"lowerIsBetter"`
}

// ChartData is a named series regenerated wholesale on each recompute.
// Points are stored as a JSON array, never patched incrementally.
type ChartData struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`

	Name   string         `gorm:"uniqueIndex;not null" json:"name"`
	Points datatypes.JSON `gorm:"type:json" json:"points"`
}

// ChartPoint is one entry of a chart series.
type ChartPoint struct {
	Label     string     `json:"label"`
	Value     float64    `json:"value"`
	Category  string     `json:"category,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AlertSeverity levels, ordered from least to most severe.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is created by ingestion handlers and never deleted, only marked read.
type Alert struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	Severity AlertSeverity `gorm:"index;not null" json:"severity"`
	Title    string        `gorm:"not null" json:"title"`
	Message  string        `json:"message"`
	Read     bool          `gorm:"index;not null" json:"read"`

	Metadata datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
}

// QueryExecution is an immutable audit record of one ad-hoc query run
// against a downstream collection.
type QueryExecution struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	Subject    string `gorm:"index" json:"subject"`
	Service    string `gorm:"index" json:"service"`
	Collection string `json:"collection"`
	Operation  string `json:"operation"`

	Status     string `gorm:"not null" json:"status"`
	Error      string `json:"error,omitempty"`
	RowCount   int64  `json:"rowCount"`
	DurationMs int64  `json:"durationMs"`
}

// DatabaseAlert flags a health or capacity condition on one downstream
// service collection. ResolvedAt is set exactly once.
type DatabaseAlert struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`

	Service    string `gorm:"index;not null" json:"service"`
	Database   string `json:"database"`
	Collection string `json:"collection"`

	Kind    string `gorm:"not null" json:"kind"`
	Message string `json:"message"`

	ResolvedAt *time.Time `gorm:"index" json:"resolvedAt,omitempty"`
}

// ProcessedEvent is the idempotency ledger for delta-carrying events.
// A row exists iff the (eventType, businessID) pair has been applied.
type ProcessedEvent struct {
	EventType  string    `gorm:"primaryKey" json:"eventType"`
	BusinessID string    `gorm:"primaryKey" json:"businessId"`
	CreatedAt  time.Time `json:"createdAt"`
}
