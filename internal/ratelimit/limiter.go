package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/model"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Record     model.RateLimitRecord
	RetryAfter time.Duration
	Backend    string
}

// Limiter admits or denies requests per (client, operation). The primary
// backend is tried first; on error the fallback decides. If both fail the
// request is admitted and the failure logged.
type Limiter struct {
	policy   Policy
	primary  Backend
	fallback Backend
	trusted  []netip.Prefix
	now      func() time.Time
}

// NewLimiter creates a Limiter. primary may be nil, in which case every
// decision goes to fallback.
func NewLimiter(policy Policy, primary, fallback Backend) *Limiter {
	return &Limiter{
		policy:   policy,
		primary:  primary,
		fallback: fallback,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the limiter clock. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// WithTrustedProxies sets the peers whose X-Forwarded-For and X-Real-IP
// headers are believed. Requests from any other peer are keyed on the peer
// address.
func (l *Limiter) WithTrustedProxies(prefixes []netip.Prefix) *Limiter {
	l.trusted = prefixes
	return l
}

// Key is the record key for a client and operation.
func Key(clientID, op string) string {
	return op + ":" + clientID
}

// Check applies one request. Operations without a configured limit are
// always admitted.
func (l *Limiter) Check(ctx context.Context, clientID, op string, amount decimal.Decimal) Decision {
	limit, ok := l.policy.Limits[op]
	if !ok {
		return Decision{Allowed: true}
	}
	req := Request{
		Key:    Key(clientID, op),
		Now:    l.now(),
		Amount: amount,
		Limit:  limit,
		Window: l.policy.Window,
	}

	rec, allowed, backend, err := l.apply(ctx, req)
	if err != nil {
		slog.Error("rate limit backends unavailable, admitting request", "op", op, "client", clientID, "err", err)
		metrics.RateLimitDecisions.WithLabelValues(op, "error").Inc()
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: allowed, Record: rec, Backend: backend}
	if allowed {
		metrics.RateLimitDecisions.WithLabelValues(op, "allow").Inc()
		return d
	}

	metrics.RateLimitDecisions.WithLabelValues(op, "deny").Inc()
	d.RetryAfter = RetryAfter(rec, req.Now, req.Window)
	if l.policy.HardFlagAt > 0 && rec.FlaggedCount >= l.policy.HardFlagAt {
		slog.Warn("client hard-flagged for repeated rate limit violations",
			"op", op, "client", clientID, "flagged_count", rec.FlaggedCount)
	} else {
		slog.Info("rate limit exceeded", "op", op, "client", clientID, "count", rec.Count, "amount", rec.Amount.String())
	}
	return d
}

// Allow reports whether the request is admitted.
func (l *Limiter) Allow(ctx context.Context, clientID, op string, amount decimal.Decimal) bool {
	return l.Check(ctx, clientID, op, amount).Allowed
}

func (l *Limiter) apply(ctx context.Context, req Request) (model.RateLimitRecord, bool, string, error) {
	if l.primary != nil {
		rec, allowed, err := l.primary.Apply(ctx, req)
		if err == nil {
			return rec, allowed, l.primary.Name(), nil
		}
		slog.Warn("rate limit primary backend failed, using fallback",
			"backend", l.primary.Name(), "key", req.Key, "err", err)
		metrics.RateLimitFallbacks.Inc()
	}
	rec, allowed, err := l.fallback.Apply(ctx, req)
	return rec, allowed, l.fallback.Name(), err
}

// maxPeek bounds how much of a request body is buffered to read its amount.
const maxPeek = 1 << 20

// Middleware guards a route as operation op. The request amount is read from
// the JSON body's "amount" field when present; the body is restored for the
// next handler.
func (l *Limiter) Middleware(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			amount := peekAmount(r)
			d := l.Check(r.Context(), l.clientIP(r), op, amount)
			if !d.Allowed {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peekAmount(r *http.Request) decimal.Decimal {
	if r.Body == nil || r.Body == http.NoBody {
		return decimal.Zero
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeek))
	// Whatever was not peeked still follows, so the handler sees the full body.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), r.Body), r.Body}
	if err != nil || len(body) == 0 || len(body) == maxPeek {
		return decimal.Zero
	}
	var payload struct {
		Amount decimal.NullDecimal `json:"amount"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || !payload.Amount.Valid {
		return decimal.Zero
	}
	return payload.Amount.Decimal
}

// clientIP is the peer address unless the peer is a trusted proxy. Behind
// trusted proxies X-Forwarded-For is walked from the right and the first
// untrusted hop wins, so a client cannot pick its own key by prepending
// entries.
func (l *Limiter) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !l.isTrusted(host) {
		return host
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !l.isTrusted(hop) {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return host
}

func (l *Limiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
