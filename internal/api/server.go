package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/keypick-gateway/internal/auth"
	"github.com/JakeFAU/keypick-gateway/internal/config"
	"github.com/JakeFAU/keypick-gateway/internal/dispatcher"
	"github.com/JakeFAU/keypick-gateway/internal/gateway"
	"github.com/JakeFAU/keypick-gateway/internal/httpx"
	"github.com/JakeFAU/keypick-gateway/internal/metrics"
	"github.com/JakeFAU/keypick-gateway/internal/respcache"
)

// APIPrefix is the path prefix under which every authenticated route lives.
const APIPrefix = "/api"

// Deps are the collaborators the router dispatches to. Archive is optional.
type Deps struct {
	Guard      *auth.Guard
	Cache      *respcache.Cache
	Dispatcher *dispatcher.Dispatcher
	Tasks      gateway.TaskRepository
	Archive    gateway.TaskArchive
	Proxy      http.Handler
	Clock      gateway.Clock
}

// Server wires HTTP routes to the gateway components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(corsMiddleware(cfg.Server.CORSOrigin))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/", s.health)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get(APIPrefix+"/version", s.version)

	r.Group(func(r chi.Router) {
		r.Use(deps.Guard.Middleware)
		r.Get(APIPrefix+"/crawl/platforms", deps.Cache.Handler("platforms", APIPrefix+"/crawl/platforms"))
		create := deps.Dispatcher.Handler()
		r.Post(APIPrefix+"/crawl", create)
		r.Post(APIPrefix+"/crawl/", create)
		r.Get(APIPrefix+"/crawl/status/{task_id}", s.taskStatus)
	})

	fallback := s.fallback()
	r.NotFound(fallback)
	r.MethodNotAllowed(fallback)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// fallback proxies unmatched /api requests and rejects everything else.
func (s *Server) fallback() http.HandlerFunc {
	proxied := s.deps.Guard.Middleware(s.deps.Proxy)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == APIPrefix || strings.HasPrefix(r.URL.Path, APIPrefix+"/") {
			proxied.ServeHTTP(w, r)
			return
		}
		httpx.WriteError(w, s.logger, gateway.ErrResourceNotFound("route not found: "+r.Method+" "+r.URL.Path))
	}
}
