package http

import (
	"errors"
	"net/http"

	"github.com/frostvale/gatehouse/internal/gatehouse/identity"
	"github.com/frostvale/gatehouse/internal/gatehouse/service"
	"github.com/frostvale/gatehouse/pkg/httpx"
	"github.com/frostvale/gatehouse/pkg/slogx"
)

type IdentityHandler struct {
	Identity *service.IdentityCache
	Tracker  *service.SessionTracker
}

// HandleResolve returns the caller's principal and authorization snapshot,
// serving from cache when fresh.
func (h *IdentityHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resolved, err := h.Identity.Resolve(ctx, httpx.AssertionFromContext(ctx))
	if err != nil {
		writeIdentityError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resolved)
}

// HandleRefresh forces a full recompute of the caller's snapshot, bypassing
// the freshness window.
func (h *IdentityHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resolved, err := h.Identity.Refresh(ctx, httpx.AssertionFromContext(ctx), true)
	if err != nil {
		writeIdentityError(w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resolved)
}

// HandleSignOut drops the caller's cached identity and closes their open
// page sessions. Always succeeds for a well-formed assertion.
func (h *IdentityHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	parsed, err := identity.ParseAssertion(httpx.AssertionFromContext(ctx))
	if err != nil {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "malformed assertion")
		return
	}

	h.Tracker.CloseAllForSubject(parsed.SubjectID)
	h.Identity.SignOut(parsed.SubjectID)
	log.Info("subject signed out", "subject", parsed.SubjectID)

	w.WriteHeader(http.StatusNoContent)
}

func writeIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "assertion rejected or authorization unavailable")
	default:
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "identity resolution failed")
	}
}
