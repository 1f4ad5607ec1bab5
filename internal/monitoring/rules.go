// Package monitoring watches ticket writes for suspicious trading patterns.
// Rules are stored data; the code side is a small set of pattern evaluators
// looked up by name, so a new pattern needs only a new Evaluator.
package monitoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
)

// Evaluator decides whether a ticket violates a rule. history holds the
// owner's tickets inside the rule window, oldest first, including t.
type Evaluator interface {
	Evaluate(t model.TradeTicket, history []model.TradeTicket, th model.Thresholds) bool
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(t model.TradeTicket, history []model.TradeTicket, th model.Thresholds) bool

func (f EvaluatorFunc) Evaluate(t model.TradeTicket, history []model.TradeTicket, th model.Thresholds) bool {
	return f(t, history, th)
}

// Registry maps rule patterns to their evaluators.
type Registry map[model.Pattern]Evaluator

// DefaultRegistry returns the built-in evaluators. Local hours are judged in loc.
func DefaultRegistry(loc *time.Location) Registry {
	if loc == nil {
		loc = time.UTC
	}
	return Registry{
		model.PatternRapid:                  EvaluatorFunc(rapid),
		model.PatternEscalating:             EvaluatorFunc(escalating),
		model.PatternUnusualHours:           unusualHours{loc: loc},
		model.PatternMultipleCounterparties: EvaluatorFunc(multipleCounterparties),
		model.PatternHighValue:              EvaluatorFunc(highValue),
	}
}

// minTransactions is used when a rule leaves MaxTransactions unset.
const minTransactions = 3

func maxTx(th model.Thresholds) int {
	if th.MaxTransactions > 0 {
		return th.MaxTransactions
	}
	return minTransactions
}

func rapid(_ model.TradeTicket, history []model.TradeTicket, th model.Thresholds) bool {
	return len(history) >= maxTx(th)
}

var escalationFactor = decimal.NewFromFloat(1.5)

// escalating holds when the whole window is a strictly increasing run of at
// least three amounts whose last is 1.5x the first or more.
func escalating(_ model.TradeTicket, history []model.TradeTicket, _ model.Thresholds) bool {
	if len(history) < minTransactions {
		return false
	}
	for i := 1; i < len(history); i++ {
		if !history[i].Amount.GreaterThan(history[i-1].Amount) {
			return false
		}
	}
	first, last := history[0].Amount, history[len(history)-1].Amount
	return last.GreaterThanOrEqual(first.Mul(escalationFactor))
}

type unusualHours struct {
	loc *time.Location
}

// Business hours are 08:00 to 18:59 local time.
func (u unusualHours) Evaluate(t model.TradeTicket, _ []model.TradeTicket, _ model.Thresholds) bool {
	h := t.CreatedAt.In(u.loc).Hour()
	return h < 8 || h > 18
}

func multipleCounterparties(_ model.TradeTicket, history []model.TradeTicket, th model.Thresholds) bool {
	seen := make(map[string]struct{})
	for _, h := range history {
		if h.MatchedTicketID != "" {
			seen[h.MatchedTicketID] = struct{}{}
		}
	}
	return len(seen) >= maxTx(th)
}

func highValue(t model.TradeTicket, _ []model.TradeTicket, th model.Thresholds) bool {
	return t.Amount.GreaterThan(th.MinAmount)
}

// needsHistory reports whether a pattern looks beyond the ticket itself.
func needsHistory(p model.Pattern) bool {
	return p != model.PatternHighValue && p != model.PatternUnusualHours
}

// DefaultRules is the rule set seeded into an empty rule store.
func DefaultRules() []model.MonitoringRule {
	return []model.MonitoringRule{
		{
			ID:          "rapid-transactions",
			Name:        "Rapid Transactions",
			Description: "Three or more tickets within ten minutes",
			Pattern:     model.PatternRapid,
			Thresholds:  model.Thresholds{TimeWindow: 10, MaxTransactions: 3},
			Severity:    model.SeverityMedium,
			Enabled:     true,
		},
		{
			ID:          "escalating-amounts",
			Name:        "Escalating Amounts",
			Description: "Strictly increasing ticket amounts within a day, ending at 1.5x the first or more",
			Pattern:     model.PatternEscalating,
			Thresholds:  model.Thresholds{TimeWindow: 24 * 60},
			Severity:    model.SeverityHigh,
			Enabled:     true,
		},
		{
			ID:          "unusual-hours",
			Name:        "Unusual Hours",
			Description: "Ticket created outside business hours",
			Pattern:     model.PatternUnusualHours,
			Thresholds:  model.Thresholds{TimeWindow: 60},
			Severity:    model.SeverityLow,
			Enabled:     true,
		},
		{
			ID:          "multiple-counterparties",
			Name:        "Multiple Counterparties",
			Description: "Three or more distinct counterparties within an hour",
			Pattern:     model.PatternMultipleCounterparties,
			Thresholds:  model.Thresholds{TimeWindow: 60, MaxTransactions: 3},
			Severity:    model.SeverityHigh,
			Enabled:     true,
		},
		{
			ID:          "high-value",
			Name:        "High Value Transaction",
			Description: "Single ticket above the high-value amount",
			Pattern:     model.PatternHighValue,
			Thresholds:  model.Thresholds{MinAmount: decimal.NewFromInt(100000)},
			Severity:    model.SeverityHigh,
			Enabled:     true,
		},
	}
}

func validSeverity(s model.Severity) bool {
	switch s {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
		return true
	}
	return false
}
