// Package ratelimit is admission control for ticket-mutating requests. Each
// (client, operation) pair has a fixed window with a request-count ceiling
// and a cumulative-amount ceiling. Decisions are computed by one pure
// function; backends only differ in where the counter record lives.
package ratelimit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Limit is the per-operation ceiling within one window. A zero MaxAmount
// disables the amount check.
type Limit struct {
	MaxCount  int
	MaxAmount decimal.Decimal
}

// Policy is the full limiter configuration.
type Policy struct {
	Window time.Duration
	// HardFlagAt is the flagged count from which a client is reported as a
	// persistent abuser.
	HardFlagAt int
	Limits     map[string]Limit
}

// Operations guarded by default.
const (
	OpCreate  = "create"
	OpMatch   = "match"
	OpConfirm = "confirm"
	OpCancel  = "cancel"
	OpDispute = "dispute"
)

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		Window:     time.Hour,
		HardFlagAt: 5,
		Limits: map[string]Limit{
			OpCreate:  {MaxCount: 10, MaxAmount: decimal.NewFromInt(1_000_000)},
			OpMatch:   {MaxCount: 20},
			OpConfirm: {MaxCount: 20},
			OpCancel:  {MaxCount: 20},
			OpDispute: {MaxCount: 5},
		},
	}
}

// Decide applies one request to rec and returns the updated record and
// whether the request is admitted. rec may be nil for a first request.
// Counters restart when more than window has passed since the first attempt;
// FlaggedCount never resets and grows by one per denial.
func Decide(rec *model.RateLimitRecord, key string, now time.Time, amount decimal.Decimal, limit Limit, window time.Duration) (model.RateLimitRecord, bool) {
	var next model.RateLimitRecord
	switch {
	case rec == nil:
		next = model.RateLimitRecord{Key: key, Count: 1, Amount: amount, FirstAttempt: now}
	case now.Sub(rec.FirstAttempt) > window:
		next = *rec
		next.Count, next.Amount, next.FirstAttempt = 1, amount, now
	default:
		next = *rec
		next.Count++
		next.Amount = next.Amount.Add(amount)
	}
	next.LastAttempt = now

	allowed := next.Count <= limit.MaxCount
	if limit.MaxAmount.IsPositive() && next.Amount.GreaterThan(limit.MaxAmount) {
		allowed = false
	}
	if !allowed {
		next.FlaggedCount++
	}
	return next, allowed
}

// RetryAfter is the time until rec's window ends.
func RetryAfter(rec model.RateLimitRecord, now time.Time, window time.Duration) time.Duration {
	d := rec.FirstAttempt.Add(window).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
