package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateLimitRecord is the admission-control counter for one
// (client identity, operation) pair. FlaggedCount survives window resets.
type RateLimitRecord struct {
	Key          string          `json:"key"`
	Count        int             `json:"count"`
	Amount       decimal.Decimal `json:"amount"`
	FirstAttempt time.Time       `json:"first_attempt"`
	LastAttempt  time.Time       `json:"last_attempt"`
	FlaggedCount int             `json:"flagged_count"`
	Version      int64           `json:"version"`
}

// PaymentEventType is the normalized gateway event kind.
type PaymentEventType string

const (
	PaymentInitiate     PaymentEventType = "initiate"
	PaymentSuccess      PaymentEventType = "success"
	PaymentFailure      PaymentEventType = "failure"
	PaymentVerification PaymentEventType = "verification"
)

// PaymentEvent is an analytics record of a payment-gateway webhook.
type PaymentEvent struct {
	ID         string           `json:"id"`
	EventType  PaymentEventType `json:"event_type"`
	RawEvent   string           `json:"raw_event"`
	Reference  string           `json:"reference"`
	Amount     decimal.Decimal  `json:"amount"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}
