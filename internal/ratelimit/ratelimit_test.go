package ratelimit_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/ratelimit"
	"github.com/peerlend/escrow-engine/internal/store"
)

var t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var createLimit = ratelimit.Limit{MaxCount: 10, MaxAmount: d(5000)}

func TestDecide_CountCeiling(t *testing.T) {
	var rec *model.RateLimitRecord
	for i := 1; i <= 11; i++ {
		next, ok := ratelimit.Decide(rec, "k", t0.Add(time.Duration(i)*time.Second), d(1), createLimit, time.Hour)
		rec = &next
		if i <= 10 && !ok {
			t.Fatalf("call %d should be admitted", i)
		}
		if i == 11 && ok {
			t.Fatal("11th call should be denied")
		}
	}
	if rec.Count != 11 || rec.FlaggedCount != 1 {
		t.Errorf("expected count 11 flagged 1, got count %d flagged %d", rec.Count, rec.FlaggedCount)
	}
}

func TestDecide_AmountCeiling(t *testing.T) {
	rec, ok := ratelimit.Decide(nil, "k", t0, d(4000), createLimit, time.Hour)
	if !ok {
		t.Fatal("first request under the amount ceiling should pass")
	}
	rec, ok = ratelimit.Decide(&rec, "k", t0.Add(time.Minute), d(1000), createLimit, time.Hour)
	if !ok {
		t.Fatal("cumulative amount equal to the ceiling should pass")
	}
	rec, ok = ratelimit.Decide(&rec, "k", t0.Add(2*time.Minute), d(0.01), createLimit, time.Hour)
	if ok || rec.FlaggedCount != 1 {
		t.Fatalf("amount over the ceiling should be denied and flagged, ok=%v flagged=%d", ok, rec.FlaggedCount)
	}
}

func TestDecide_WindowResetKeepsFlags(t *testing.T) {
	rec := model.RateLimitRecord{Key: "k", Count: 11, Amount: d(11), FirstAttempt: t0, FlaggedCount: 3}

	// Exactly one window later is still the same window.
	same, ok := ratelimit.Decide(&rec, "k", t0.Add(time.Hour), d(1), createLimit, time.Hour)
	if ok || same.Count != 12 {
		t.Errorf("at the window edge counters continue: ok=%v count=%d", ok, same.Count)
	}

	next, ok := ratelimit.Decide(&rec, "k", t0.Add(time.Hour+time.Second), d(7), createLimit, time.Hour)
	if !ok {
		t.Fatal("request after the window should be admitted")
	}
	if next.Count != 1 || !next.Amount.Equal(d(7)) || !next.FirstAttempt.Equal(t0.Add(time.Hour+time.Second)) {
		t.Errorf("counters not reset: %+v", next)
	}
	if next.FlaggedCount != 3 {
		t.Errorf("flagged count must survive the reset, got %d", next.FlaggedCount)
	}
}

func TestDecide_FlaggedCountMonotonic(t *testing.T) {
	limit := ratelimit.Limit{MaxCount: 1}
	var rec *model.RateLimitRecord
	prev := 0
	for i := 0; i < 50; i++ {
		// Steps of 25 minutes cross several windows.
		next, _ := ratelimit.Decide(rec, "k", t0.Add(time.Duration(i)*25*time.Minute), d(0), limit, time.Hour)
		if next.FlaggedCount < prev {
			t.Fatalf("flagged count decreased from %d to %d at step %d", prev, next.FlaggedCount, i)
		}
		prev = next.FlaggedCount
		rec = &next
	}
	if prev == 0 {
		t.Error("expected some denials")
	}
}

type seqClock struct{ at time.Time }

func (c *seqClock) Now() time.Time {
	c.at = c.at.Add(7 * time.Minute)
	return c.at
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

// The same request sequence must produce the same decisions and records on
// both backends.
func TestBackends_Equivalent(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	backends := []ratelimit.Backend{
		ratelimit.NewRedisBackend(rdb, 24*time.Hour),
		ratelimit.NewStoreBackend(store.NewMemoryStore(nil)),
	}

	amounts := []float64{100, 900, 2000, 1500, 700, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 3000, 10, 10}
	limit := ratelimit.Limit{MaxCount: 6, MaxAmount: d(5000)}
	results := make([][]model.RateLimitRecord, len(backends))
	decisions := make([][]bool, len(backends))

	for bi, b := range backends {
		clock := &seqClock{at: t0}
		for _, a := range amounts {
			rec, ok, err := b.Apply(ctx, ratelimit.Request{Key: "create:10.0.0.1", Now: clock.Now(), Amount: d(a), Limit: limit, Window: time.Hour})
			if err != nil {
				t.Fatalf("%s: apply: %v", b.Name(), err)
			}
			results[bi] = append(results[bi], rec)
			decisions[bi] = append(decisions[bi], ok)
		}
	}

	for i := range amounts {
		r, s := results[0][i], results[1][i]
		if decisions[0][i] != decisions[1][i] {
			t.Errorf("step %d: redis allowed=%v store allowed=%v", i, decisions[0][i], decisions[1][i])
		}
		if r.Count != s.Count || !r.Amount.Equal(s.Amount) || r.FlaggedCount != s.FlaggedCount ||
			!r.FirstAttempt.Equal(s.FirstAttempt) || r.Version != s.Version {
			t.Errorf("step %d: records differ\nredis: %+v\nstore: %+v", i, r, s)
		}
	}
}

func TestRedisBackend_RecordExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	b := ratelimit.NewRedisBackend(rdb, 2*time.Hour)
	req := ratelimit.Request{Key: "k", Now: t0, Amount: d(1), Limit: ratelimit.Limit{MaxCount: 1}, Window: time.Hour}

	b.Apply(ctx, req)
	if _, ok, _ := b.Apply(ctx, req); ok {
		t.Fatal("second request should be denied")
	}
	mr.FastForward(3 * time.Hour)
	rec, ok, err := b.Apply(ctx, req)
	if err != nil || !ok || rec.FlaggedCount != 0 {
		t.Fatalf("expired record should start fresh: ok=%v rec=%+v err=%v", ok, rec, err)
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "down" }

func (failingBackend) Apply(context.Context, ratelimit.Request) (model.RateLimitRecord, bool, error) {
	return model.RateLimitRecord{}, false, errors.New("connection refused")
}

func TestLimiter_FallsBackWithSameDecisions(t *testing.T) {
	ctx := context.Background()
	policy := ratelimit.Policy{Window: time.Hour, HardFlagAt: 2, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 2}}}
	ms := store.NewMemoryStore(nil)
	l := ratelimit.NewLimiter(policy, failingBackend{}, ratelimit.NewStoreBackend(ms)).WithClock(func() time.Time { return t0 })

	for i := 0; i < 2; i++ {
		if dec := l.Check(ctx, "1.2.3.4", "create", d(1)); !dec.Allowed || dec.Backend != "store" {
			t.Fatalf("call %d: expected allow from store, got %+v", i+1, dec)
		}
	}
	dec := l.Check(ctx, "1.2.3.4", "create", d(1))
	if dec.Allowed {
		t.Fatal("third call should be denied by the fallback")
	}
	if dec.RetryAfter != time.Hour {
		t.Errorf("expected retry after the full window, got %s", dec.RetryAfter)
	}
	rec, err := ms.GetRateLimit(ctx, ratelimit.Key("1.2.3.4", "create"))
	if err != nil || rec.FlaggedCount != 1 {
		t.Errorf("fallback record not persisted: %+v %v", rec, err)
	}
}

func TestLimiter_FailsOpen(t *testing.T) {
	policy := ratelimit.Policy{Window: time.Hour, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 0}}}
	l := ratelimit.NewLimiter(policy, failingBackend{}, failingBackend{})
	if !l.Allow(context.Background(), "c", "create", d(1)) {
		t.Fatal("limiter must admit when every backend fails")
	}
}

func TestLimiter_UnknownOperationAdmitted(t *testing.T) {
	l := ratelimit.NewLimiter(ratelimit.DefaultPolicy(), nil, failingBackend{})
	if !l.Allow(context.Background(), "c", "withdraw", d(1)) {
		t.Fatal("unguarded operation should be admitted")
	}
}

func TestMiddleware(t *testing.T) {
	policy := ratelimit.Policy{Window: time.Hour, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 5, MaxAmount: d(1000)}}}
	// httptest requests arrive from 192.0.2.1.
	l := ratelimit.NewLimiter(policy, nil, ratelimit.NewStoreBackend(store.NewMemoryStore(nil))).
		WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("192.0.2.0/24"), netip.MustParsePrefix("10.0.0.0/8")})

	var seen string
	h := l.Middleware("create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(body, ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets", strings.NewReader(body))
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(`{"type":"borrow","amount":"600"}`, "1.1.1.1"); code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", code)
	}
	if seen != `{"type":"borrow","amount":"600"}` {
		t.Errorf("body not restored for the handler: %q", seen)
	}
	if code := send(`{"type":"borrow","amount":500}`, "1.1.1.1"); code != http.StatusTooManyRequests {
		t.Errorf("cumulative 1100 should be limited, got %d", code)
	}
	if code := send(`{"type":"borrow","amount":500}`, "2.2.2.2"); code != http.StatusCreated {
		t.Errorf("other client should be unaffected, got %d", code)
	}
}

func TestMiddleware_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	policy := ratelimit.Policy{Window: time.Hour, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 2}}}
	l := ratelimit.NewLimiter(policy, nil, ratelimit.NewStoreBackend(store.NewMemoryStore(nil)))
	h := l.Middleware("create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	codes := make([]int, 0, 3)
	for _, spoofed := range []string{"5.5.5.5", "6.6.6.6", "7.7.7.7"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-IP", spoofed)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("rotating forwarding headers must not reset the ceiling, got %v", codes)
	}
}

func TestMiddleware_ForwardedForPrependedHopIgnored(t *testing.T) {
	policy := ratelimit.Policy{Window: time.Hour, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 1}}}
	l := ratelimit.NewLimiter(policy, nil, ratelimit.NewStoreBackend(store.NewMemoryStore(nil))).
		WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")})
	h := l.Middleware("create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("1.1.1.1"); code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", code)
	}
	// The proxy appends the real client; anything before it is client-supplied.
	if code := send("9.9.9.9, 1.1.1.1"); code != http.StatusTooManyRequests {
		t.Errorf("client-supplied hop must not change the key, got %d", code)
	}
}

func TestMiddleware_LargeBodyPassedThroughWhole(t *testing.T) {
	policy := ratelimit.Policy{Window: time.Hour, Limits: map[string]ratelimit.Limit{"create": {MaxCount: 5}}}
	l := ratelimit.NewLimiter(policy, nil, ratelimit.NewStoreBackend(store.NewMemoryStore(nil)))

	var got int
	h := l.Middleware("create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = len(b)
		w.WriteHeader(http.StatusCreated)
	}))

	body := `{"description":"` + strings.Repeat("x", 2<<20) + `","amount":"10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if got != len(body) {
		t.Errorf("handler read %d bytes, want %d", got, len(body))
	}
}
