package admin

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP handler shared with gRPC on the server port:
// /healthz, /metrics and the read-only /admin tree.
func NewRouter(opts Options) http.Handler {
	h := NewAdminHandlers(opts)
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Secret))

		r.Route("/placement", func(r chi.Router) {
			r.Use(h.requirePlacement)
			r.Get("/shards", h.handleShards)
			r.Get("/databases", h.handleDatabases)
			r.Get("/collections", h.handleCollections)
			r.Get("/collections/{ns}/chunks", h.handleChunks)
			r.Get("/collections/{ns}/zones", h.handleZones)
		})

		r.Get("/coordinators", h.handleCoordinators)
		r.Get("/coordinators/{lsid}/{txnNumber}", h.handleCoordinator)

		r.Get("/sessions/{lsid}", h.handleSession)
	})

	log.Info().Bool("placement", opts.Placement != nil).Bool("shards", opts.Shards != nil).Msg("Admin endpoints enabled at /admin/*")
	return r
}

func (h *AdminHandlers) requirePlacement(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.placement == nil {
			writeErrorResponse(w, http.StatusNotFound, "placement is not served by this process")
			return
		}
		next.ServeHTTP(w, r)
	})
}
