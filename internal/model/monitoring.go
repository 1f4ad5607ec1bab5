package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pattern names the built-in evaluator a monitoring rule dispatches to.
type Pattern string

const (
	PatternRapid                  Pattern = "rapid"
	PatternEscalating             Pattern = "escalating"
	PatternUnusualHours           Pattern = "unusual-hours"
	PatternMultipleCounterparties Pattern = "multiple-counterparties"
	PatternHighValue              Pattern = "high-value"
)

// Severity of a rule and of the alerts it raises.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Escalates reports whether alerts of this severity are broadcast to admins.
func (s Severity) Escalates() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Thresholds parameterise a rule. TimeWindow is in minutes.
type Thresholds struct {
	TimeWindow      int             `json:"time_window"`
	MaxTransactions int             `json:"max_transactions,omitempty"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MaxAmount       decimal.Decimal `json:"max_amount"`
}

// Window returns the lookback window as a duration.
func (t Thresholds) Window() time.Duration {
	return time.Duration(t.TimeWindow) * time.Minute
}

// MonitoringRule is a named, versioned detection policy. Rules are data; the
// only code is the evaluator registered for Pattern.
type MonitoringRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Pattern     Pattern    `json:"pattern"`
	Thresholds  Thresholds `json:"thresholds"`
	Severity    Severity   `json:"severity"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
}

// AlertStatus is the review state of a transaction alert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertUnderReview   AlertStatus = "under-review"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false-positive"
)

// Open reports whether further violations append to an alert in this status.
func (s AlertStatus) Open() bool {
	return s == AlertNew || s == AlertUnderReview
}

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	return s.Open() || s == AlertResolved || s == AlertFalsePositive
}

// TransactionAlert is raised when a monitoring rule's condition holds.
// At most one open alert exists per (UserID, RuleID).
type TransactionAlert struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	RuleID       string      `json:"rule_id"`
	RuleName     string      `json:"rule_name"`
	Severity     Severity    `json:"severity"`
	Transactions []string    `json:"transactions"`
	DetectedAt   time.Time   `json:"detected_at"`
	Status       AlertStatus `json:"status"`
	Resolution   string      `json:"resolution,omitempty"`
	ReviewedBy   string      `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time  `json:"reviewed_at,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Version      int64       `json:"version"`
}

// Clone returns a deep copy of the alert.
func (a *TransactionAlert) Clone() *TransactionAlert {
	c := *a
	c.Transactions = append([]string(nil), a.Transactions...)
	if a.ReviewedAt != nil {
		v := *a.ReviewedAt
		c.ReviewedAt = &v
	}
	return &c
}

// AddTransaction appends id unless already recorded. It reports whether the
// list changed.
func (a *TransactionAlert) AddTransaction(id string) bool {
	for _, existing := range a.Transactions {
		if existing == id {
			return false
		}
	}
	a.Transactions = append(a.Transactions, id)
	return true
}

// AlertFilter narrows alert queries. Zero values match everything.
type AlertFilter struct {
	UserID   string
	Status   AlertStatus
	Severity Severity
	Limit    int
}
