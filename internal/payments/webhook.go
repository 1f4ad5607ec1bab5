// Package payments receives payment-gateway webhooks and records them for
// analytics. It does not move funds.
package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/metrics"
	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw body.
const SignatureHeader = "X-Paystack-Signature"

const maxBody = 1 << 20

// exact event names that do not follow the suffix convention.
var exactTypes = map[string]model.PaymentEventType{
	"customeridentification.success": model.PaymentVerification,
	"customeridentification.failed":  model.PaymentVerification,
	"charge.dispute.create":          model.PaymentVerification,
	"paymentrequest.pending":         model.PaymentInitiate,
}

// Normalize maps a gateway event name to an event type. ok is false for
// events that are not recorded.
func Normalize(event string) (model.PaymentEventType, bool) {
	if t, ok := exactTypes[event]; ok {
		return t, true
	}
	switch {
	case strings.HasSuffix(event, ".success"):
		return model.PaymentSuccess, true
	case strings.HasSuffix(event, ".failed"), strings.HasSuffix(event, ".reversed"):
		return model.PaymentFailure, true
	case strings.HasSuffix(event, ".pending"), strings.HasSuffix(event, ".initiated"), strings.HasSuffix(event, ".create"):
		return model.PaymentInitiate, true
	}
	return "", false
}

// Sign returns the signature the gateway sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Reference string          `json:"reference"`
		Amount    decimal.Decimal `json:"amount"` // minor units
		Metadata  map[string]any  `json:"metadata"`
	} `json:"data"`
}

// Webhook handles POST /api/v1/webhooks/payments.
type Webhook struct {
	store  store.PaymentStore
	secret []byte
	now    func() time.Time
}

// NewWebhook creates the webhook handler. Requests are rejected while
// secret is empty.
func NewWebhook(st store.PaymentStore, secret string) *Webhook {
	return &Webhook{
		store:  st,
		secret: []byte(secret),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(SignatureHeader)
	if len(h.secret) == 0 || sig == "" || !hmac.Equal([]byte(sig), []byte(Sign(h.secret, body))) {
		slog.Warn("payment webhook signature rejected", "remote", r.RemoteAddr)
		httpx.WriteError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		httpx.WriteError(w, "invalid payload", http.StatusBadRequest)
		return
	}

	typ, ok := Normalize(p.Event)
	if !ok {
		slog.Debug("payment webhook ignored", "event", p.Event)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ev := &model.PaymentEvent{
		ID:         uuid.New().String(),
		EventType:  typ,
		RawEvent:   p.Event,
		Reference:  p.Data.Reference,
		Amount:     p.Data.Amount.Shift(-2),
		Metadata:   p.Data.Metadata,
		ReceivedAt: h.now(),
	}
	if err := h.store.InsertPaymentEvent(r.Context(), ev); err != nil {
		httpx.WriteErr(w, r, err)
		return
	}

	metrics.PaymentEvents.WithLabelValues(string(typ)).Inc()
	slog.Info("payment event recorded", "type", typ, "event", p.Event, "reference", ev.Reference, "amount", ev.Amount.String())
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
