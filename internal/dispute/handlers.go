package dispute

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/peerlend/escrow-engine/internal/httpx"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

type commentRequest struct {
	Message string `json:"message"`
	Private bool   `json:"private"`
}

// Create handles POST /api/v1/tickets/{ticketID}/disputes
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := h.svc.CreateDispute(r.Context(), chi.URLParam(r, "ticketID"), httpx.UserID(r), req.Reason, req.Description)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, d)
}

// ListByTicket handles GET /api/v1/tickets/{ticketID}/disputes
func (h *Handler) ListByTicket(w http.ResponseWriter, r *http.Request) {
	ds, err := h.svc.ListDisputes(r.Context(), chi.URLParam(r, "ticketID"), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ds)
}

// Get handles GET /api/v1/disputes/{disputeID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDispute(r.Context(), chi.URLParam(r, "disputeID"), httpx.UserID(r))
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

// SubmitEvidence handles POST /api/v1/disputes/{disputeID}/evidence
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req EvidenceInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := h.svc.SubmitEvidence(r.Context(), chi.URLParam(r, "disputeID"), httpx.UserID(r), req)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, ev)
}

// AddComment handles POST /api/v1/disputes/{disputeID}/comments
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := h.svc.AddComment(r.Context(), chi.URLParam(r, "disputeID"), httpx.UserID(r), req.Message, req.Private)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, c)
}

// UpdateStatus handles POST /api/v1/disputes/{disputeID}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "disputeID"), httpx.UserID(r), req)
	if err != nil {
		httpx.WriteErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}
