package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/service"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/pkg/httpx"
	"github.com/frostvale/gatehouse/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store    store.Store
	Identity *service.IdentityCache
	Tracker  *service.SessionTracker
	Presence *service.PresenceAggregator
}

func NewRouter(buildVersion string, st store.Store, logger *slog.Logger) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerIdentity()
	r.registerSessions()
	r.registerPresence()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerIdentity() {
	handler := &IdentityHandler{
		Identity: r.Identity,
		Tracker:  r.Tracker,
	}

	r.Mux.Handle("GET /v1/identity",
		httpx.Chain(http.HandlerFunc(handler.HandleResolve),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))

	r.Mux.Handle("POST /v1/identity/refresh",
		httpx.Chain(http.HandlerFunc(handler.HandleRefresh),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))

	r.Mux.Handle("POST /v1/identity/signout",
		httpx.Chain(http.HandlerFunc(handler.HandleSignOut),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))
}

func (r *Router) registerSessions() {
	handler := &SessionsHandler{
		Identity: r.Identity,
		Tracker:  r.Tracker,
		Store:    r.store,
	}

	// Strict limit: duplicate-tab storms hammer the open endpoint.
	r.Mux.Handle("POST /v1/sessions",
		httpx.Chain(http.HandlerFunc(handler.HandleOpen),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))

	r.Mux.Handle("POST /v1/sessions/{id}/heartbeat",
		httpx.Chain(http.HandlerFunc(handler.HandleHeartbeat),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))

	r.Mux.Handle("POST /v1/sessions/{id}/visibility",
		httpx.Chain(http.HandlerFunc(handler.HandleVisibility),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		))

	// Keepalive close-out, plus a GET pixel fallback for unload paths that
	// cannot send a body or headers.
	r.Mux.Handle("POST /v1/sessions/{id}/close",
		httpx.Chain(http.HandlerFunc(handler.HandleClose),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))

	r.Mux.Handle("GET /v1/sessions/{id}/close",
		httpx.Chain(http.HandlerFunc(handler.HandleClosePixel),
			httpx.BearerMiddleware(httpx.AllowQueryToken()),
			httpx.RateLimitByIP(httpx.StrictLimit),
		))
}

func (r *Router) registerPresence() {
	handler := &PresenceHandler{
		Identity: r.Identity,
		Presence: r.Presence,
	}

	r.Mux.Handle("GET /v1/presence",
		httpx.Chain(http.HandlerFunc(handler.HandleSnapshot),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))

	r.Mux.Handle("GET /v1/presence/ws",
		httpx.Chain(http.HandlerFunc(handler.HandleStream),
			httpx.BearerMiddleware(),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))

	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		))
}
