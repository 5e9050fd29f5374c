package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cedadev/nlds/internal/logger"
)

// NewRouter builds the chi router for the ingress API.
//
// Routes:
//   - PUT  /files            - accept an archive transaction
//   - POST /files/getlist    - accept a retrieval transaction
//   - GET  /catalog/holdings - list the caller's holdings
//   - GET  /catalog/files    - find catalogued files
//   - POST /catalog/meta     - change holding labels and tags
//   - GET  /status           - transaction monitoring records
//   - GET  /system/status    - per-worker liveness
//   - GET  /health           - liveness probe
func NewRouter(h *Handler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/files", func(r chi.Router) {
		r.Put("/", h.PutFiles)
		// retrieval carries a body, so it rides on POST rather than GET
		r.Post("/getlist", h.GetFiles)
	})

	r.Route("/catalog", func(r chi.Router) {
		r.Get("/holdings", h.ListHoldings)
		r.Get("/files", h.FindFiles)
		r.Post("/meta", h.UpdateMeta)
	})

	r.Get("/status", h.Stat)
	r.Get("/system/status", h.SystemStatus)
	r.Get("/health", h.Health)

	return r
}

// requestLogger logs each request with the internal logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.DurationMs(float64(time.Since(start).Microseconds())/1000.0),
		)
	})
}
