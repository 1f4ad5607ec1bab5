package trading

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/model"
)

// Handler exposes the trading service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP adapter for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// CreateTicket handles POST /api/v1/tickets
func (h *Handler) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req CreateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := h.svc.CreateTicket(r.Context(), httpx.UserID(r), req)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

// ListTickets handles GET /api/v1/tickets?user_id=&status=&type=&limit=
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tickets, err := h.svc.ListTickets(r.Context(), model.TicketFilter{
		UserID: q.Get("user_id"),
		Status: model.TicketStatus(q.Get("status")),
		Type:   model.TicketType(q.Get("type")),
		Limit:  httpx.QueryInt(r, "limit", 100),
	})
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []model.TradeTicket{}
	}
	httpx.WriteJSON(w, http.StatusOK, tickets)
}

// GetTicket handles GET /api/v1/tickets/{ticketID}
func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// Match handles POST /api/v1/tickets/{ticketID}/match
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.MatchTicket(r.Context(), chi.URLParam(r, "ticketID"), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// Confirm handles POST /api/v1/tickets/{ticketID}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.ConfirmTrade(r.Context(), chi.URLParam(r, "ticketID"), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// Cancel handles POST /api/v1/tickets/{ticketID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.CancelTicket(r.Context(), chi.URLParam(r, "ticketID"), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.svc.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, wallet)
}
