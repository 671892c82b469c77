package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/courseshop/api/internal/platform/httpx"
)

// RouteRegistrar adds routes to a mounted group.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// group is one of the API sub-trees under /api/v1. A group without routes answers 501 so that a
// partially configured deployment fails loudly instead of returning 404.
type group struct {
	path        string
	routes      RouteRegistrar
	middlewares []middlewareFunc
}

type groupName int

const (
	ordersGroup groupName = iota
	webhooksGroup
	internalGroup
)

type routerConfig struct {
	global []middlewareFunc
	health *HealthHandlers
	groups [3]group
}

type Option func(*routerConfig)

// NewRouter builds the HTTP surface: probes at the root and the orders, webhooks and internal
// groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		global: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups: [3]group{
			ordersGroup:   {path: "/orders"},
			webhooksGroup: {path: "/webhooks"},
			internalGroup: {path: "/internal"},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, g := range cfg.groups {
			api.Route(g.path, func(sub chi.Router) {
				useAll(sub, g.middlewares)
				if g.routes == nil {
					notImplemented(sub, g.path)
					return
				}
				g.routes(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(r chi.Router, path string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", path+" is not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
}

func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func withGroupRoutes(name groupName, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[name].routes = reg }
}

func withGroupMiddlewares(name groupName, mw []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name].middlewares = append(cfg.groups[name].middlewares, mw...)
	}
}

func WithOrderRoutes(reg RouteRegistrar) Option { return withGroupRoutes(ordersGroup, reg) }

func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(ordersGroup, mw)
}

// WithWebhookRoutes mounts the payment provider callbacks. Their middlewares verify signatures.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroupRoutes(webhooksGroup, reg) }

func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(webhooksGroup, mw)
}

// WithInternalRoutes mounts the CRM and scheduler endpoints. Their middlewares verify OIDC tokens.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroupRoutes(internalGroup, reg) }

func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(internalGroup, mw)
}
