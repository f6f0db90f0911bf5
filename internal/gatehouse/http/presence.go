package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frostvale/gatehouse/internal/gatehouse/service"
	"github.com/frostvale/gatehouse/pkg/httpx"
	"github.com/frostvale/gatehouse/pkg/slogx"
)

var presenceUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type PresenceHandler struct {
	Identity *service.IdentityCache
	Presence *service.PresenceAggregator
}

// HandleSnapshot returns the current active/online sets. Admin only; a
// non-admin caller gets an explicit forbidden response rather than an empty
// view.
func (h *PresenceHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	subjectID, ok := h.subject(w, r)
	if !ok {
		return
	}

	view, err := h.Presence.View(ctx, subjectID)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			httpx.WriteError(w, http.StatusForbidden, "access_denied", "admin only")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "presence unavailable")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, view)
}

// HandleStream upgrades to WebSocket and pushes the view after every
// recompute, so the dashboard does not need to poll.
func (h *PresenceHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	subjectID, ok := h.subject(w, r)
	if !ok {
		return
	}

	// Authorize before the upgrade; afterwards we can only close the socket.
	initial, err := h.Presence.View(ctx, subjectID)
	if err != nil {
		if errors.Is(err, service.ErrForbidden) {
			httpx.WriteError(w, http.StatusForbidden, "access_denied", "admin only")
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "presence unavailable")
		return
	}

	conn, err := presenceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("presence stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	views, unsubscribe := h.Presence.Watch(4)
	defer unsubscribe()

	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	// Keep-alive ticker
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case view, ok := <-views:
			if !ok {
				return
			}
			if err := conn.WriteJSON(view); err != nil {
				log.Debug("presence stream write failed", "err", err)
				return
			}
		}
	}
}

func (h *PresenceHandler) subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	resolved, err := h.Identity.Resolve(r.Context(), httpx.AssertionFromContext(r.Context()))
	if err != nil {
		writeIdentityError(w, err)
		return "", false
	}
	return resolved.Principal.SubjectID, true
}
