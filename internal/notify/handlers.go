package notify

import (
	"context"
	"net/http"

	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/model"
)

// InboxReader lists a user's notifications, newest first.
type InboxReader interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

// ListHandler handles GET /api/v1/notifications?limit= for the calling user.
func ListHandler(inbox InboxReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := httpx.UserID(r)
		if userID == "" {
			httpx.WriteError(w, "user id is required", http.StatusBadRequest)
			return
		}
		ns, err := inbox.ListNotifications(r.Context(), userID, httpx.QueryInt(r, "limit", 50))
		if err != nil {
			httpx.WriteErr(w, r, err)
			return
		}
		if ns == nil {
			ns = []model.Notification{}
		}
		httpx.WriteJSON(w, http.StatusOK, ns)
	}
}
