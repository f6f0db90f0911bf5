package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/frostvale/gatehouse/internal/gatehouse/domain"
	"github.com/frostvale/gatehouse/internal/gatehouse/service"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/pkg/httpx"
	"github.com/frostvale/gatehouse/pkg/slogx"
)

type SessionsHandler struct {
	Identity *service.IdentityCache
	Tracker  *service.SessionTracker
	Store    store.Store
}

type openSessionRequest struct {
	PagePath string `json:"page_path"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

type visibilityRequest struct {
	State string `json:"state"` // "visible" or "hidden"
}

// HandleOpen starts tracking a page visit for the authenticated caller.
func (h *SessionsHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	resolved, err := h.Identity.Resolve(ctx, httpx.AssertionFromContext(ctx))
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	if !resolved.Snapshot.HasAccess {
		httpx.WriteError(w, http.StatusForbidden, "access_denied", "membership inactive")
		return
	}

	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PagePath == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "page_path required")
		return
	}

	id, err := h.Tracker.Open(ctx, resolved.Principal.SubjectID, req.PagePath)
	if err != nil {
		log.Warn("session open failed", "subject", resolved.Principal.SubjectID, "page", req.PagePath, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "could not open session")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, openSessionResponse{SessionID: id})
}

// HandleHeartbeat refreshes the session's recency. The server-side ticker is
// the primary heartbeat; this endpoint backs up clients whose background
// timers are throttled.
func (h *SessionsHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	h.Tracker.Heartbeat(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleVisibility suspends or resumes a session on page visibility changes.
func (h *SessionsHandler) HandleVisibility(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "state required")
		return
	}

	switch req.State {
	case "hidden":
		h.Tracker.Hide(session.ID)
	case "visible":
		h.Tracker.Show(session.ID)
	default:
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "state must be visible or hidden")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleClose finalizes a session. Primary close-out path, sent keepalive
// during page unload.
func (h *SessionsHandler) HandleClose(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	h.Tracker.Close(session.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleClosePixel is the fire-and-forget fallback close-out for unload paths
// that can only issue a bare GET. It always answers 200 so the client never
// retries.
func (h *SessionsHandler) HandleClosePixel(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	h.Tracker.Close(session.ID)

	httpx.NoCache(w)
	w.WriteHeader(http.StatusOK)
}

// ownedSession loads the path's session and verifies the caller owns it.
func (h *SessionsHandler) ownedSession(w http.ResponseWriter, r *http.Request) (domain.Session, bool) {
	ctx := r.Context()

	resolved, err := h.Identity.Resolve(ctx, httpx.AssertionFromContext(ctx))
	if err != nil {
		writeIdentityError(w, err)
		return domain.Session{}, false
	}

	session, err := h.Store.Sessions().GetSessionByID(ctx, r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "unknown session")
		return domain.Session{}, false
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "session lookup failed")
		return domain.Session{}, false
	}

	if session.SubjectID != resolved.Principal.SubjectID {
		httpx.WriteError(w, http.StatusForbidden, "access_denied", "session belongs to another subject")
		return domain.Session{}, false
	}
	return session, true
}
