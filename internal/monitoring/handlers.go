package monitoring

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/model"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ListAlerts handles GET /api/v1/alerts?user_id=&status=&severity=&limit=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := h.svc.GetAlerts(r.Context(), httpx.UserID(r), model.AlertFilter{
		UserID:   q.Get("user_id"),
		Status:   model.AlertStatus(q.Get("status")),
		Severity: model.Severity(q.Get("severity")),
		Limit:    httpx.QueryInt(r, "limit", 100),
	})
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, alerts)
}

type reviewRequest struct {
	Status     model.AlertStatus `json:"status"`
	Resolution string            `json:"resolution"`
}

// ReviewAlert handles PATCH /api/v1/alerts/{alertID}
func (h *Handler) ReviewAlert(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.svc.UpdateAlertStatus(r.Context(), chi.URLParam(r, "alertID"), req.Status, req.Resolution, httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

// ListRules handles GET /api/v1/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListRules(r.Context(), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rules)
}

// PutRule handles PUT /api/v1/rules/{ruleID}
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	var rule model.MonitoringRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "ruleID")
	saved, err := h.svc.PutRule(r.Context(), httpx.UserID(r), rule)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, saved)
}
