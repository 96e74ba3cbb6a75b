package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/config"
	"github.com/derhornspieler/memberof/internal/handler"
	"github.com/derhornspieler/memberof/internal/middleware"
)

// NewRouter builds the complete HTTP handler with all routes and middleware.
func NewRouter(cfg *config.Config, h *handler.Handler, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	// --- Unauthenticated routes ---
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/config", h.GetPublicConfig)

	// --- Resolution routes ---
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/resolve", h.ResolvePost)
	apiMux.HandleFunc("GET /api/v1/resolve/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/export") {
			h.Export(w, r)
			return
		}
		h.ResolveGet(w, r)
	})

	// Auth is optional: without an issuer the resolve API is open, which is
	// the usual deployment behind a trusted gateway.
	var api http.Handler = apiMux
	if cfg.OIDCIssuerURL != "" {
		if len(cfg.ResolverGroups) > 0 {
			api = middleware.RequireGroups(logger, cfg.ResolverGroups...)(api)
		}
		api = middleware.OIDCAuth(logger, cfg.OIDCIssuerURL, cfg.OIDCClientID)(api)
	}
	mux.Handle("/api/v1/resolve", api)
	mux.Handle("/api/v1/resolve/", api)

	// --- Apply global middleware (outermost first) ---
	var root http.Handler = mux
	if cfg.CORSOrigin != "" {
		root = cors(cfg.CORSOrigin)(root)
	}
	if cfg.RateLimitRPS > 0 {
		root = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Limit(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.Recovery(logger)(root)
	root = middleware.RequestID(root)

	return root
}

// cors adds CORS headers for browser clients.
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
