package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/peerlend/escrow-engine/internal/httpx"
	"github.com/peerlend/escrow-engine/internal/model"
)

type inbox struct {
	gotUser  string
	gotLimit int
	items    []model.Notification
}

func (i *inbox) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	i.gotUser, i.gotLimit = userID, limit
	return i.items, nil
}

func TestListHandler(t *testing.T) {
	in := &inbox{items: []model.Notification{{ID: "n2", UserID: "u1"}, {ID: "n1", UserID: "u1"}}}
	h := ListHandler(in)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?limit=5", nil)
	req.Header.Set(httpx.UserHeader, "u1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if in.gotUser != "u1" || in.gotLimit != 5 {
		t.Errorf("inbox queried with user=%q limit=%d", in.gotUser, in.gotLimit)
	}
	var got []model.Notification
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" {
		t.Errorf("unexpected body: %+v", got)
	}
}

func TestListHandler_EmptyInboxIsArray(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	req.Header.Set(httpx.UserHeader, "u9")
	w := httptest.NewRecorder()
	in := &inbox{}
	ListHandler(in).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if in.gotLimit != 50 {
		t.Errorf("default limit: got %d", in.gotLimit)
	}
	if body := w.Body.String(); body != "[]\n" && body != "[]" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestListHandler_RequiresUser(t *testing.T) {
	w := httptest.NewRecorder()
	ListHandler(&inbox{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
