package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/foundryci/buildctl/pkg/blobstore"
	"github.com/foundryci/buildctl/pkg/dispatcher"
	"github.com/foundryci/buildctl/pkg/lifecycle"
	"github.com/foundryci/buildctl/pkg/log"
	"github.com/foundryci/buildctl/pkg/metrics"
	"github.com/foundryci/buildctl/pkg/storage"
)

// Config holds the HTTP surface's own knobs, separate from the
// Lifecycle Engine's upload/TTL limits in lifecycle.Config.
type Config struct {
	AdminKey          string
	SubmitRatePerSec  float64
	SubmitRateBurst   int
	RequestTimeout    time.Duration
	MaxMultipartBytes int64
}

// Server puts the Metadata Store, Blob Store, Dispatcher and Lifecycle
// Engine behind the wire contract's 19 endpoints. It holds no business logic of its own:
// every handler is a thin translation into a Lifecycle/Dispatcher/
// Metadata Store/Blob Store call.
type Server struct {
	store         storage.Store
	blobs         *blobstore.Store
	lifecycle     *lifecycle.Engine
	dispatcher    *dispatcher.Dispatcher
	cfg           Config
	submitLimiter *rateLimiter
	logger        zerolog.Logger
	router        chi.Router
}

// NewServer constructs the HTTP surface and its routing table.
func NewServer(store storage.Store, blobs *blobstore.Store, eng *lifecycle.Engine, disp *dispatcher.Dispatcher, cfg Config) *Server {
	if cfg.SubmitRatePerSec <= 0 {
		cfg.SubmitRatePerSec = 2
	}
	if cfg.SubmitRateBurst <= 0 {
		cfg.SubmitRateBurst = 5
	}
	if cfg.MaxMultipartBytes <= 0 {
		cfg.MaxMultipartBytes = 32 << 20
	}

	s := &Server{
		store:         store,
		blobs:         blobs,
		lifecycle:     eng,
		dispatcher:    disp,
		cfg:           cfg,
		submitLimiter: newRateLimiter(cfg.SubmitRatePerSec, cfg.SubmitRateBurst),
		logger:        log.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the server's http.Handler for embedding in an
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestMetrics)
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handlePublicStats)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/builds", func(r chi.Router) {
		r.With(s.submitRateLimit).Post("/", s.handleSubmit)
		r.Get("/", requireAdmin(s.handleListBuilds))

		r.Get("/{buildID}", requireBuildAccess("buildID", s.handleGetStatus))
		r.Get("/{buildID}/logs", requireBuildAccess("buildID", s.handleGetLogs))
		r.Get("/{buildID}/download", requireBuildAccess("buildID", s.handleDownloadArtifact))
		r.Post("/{buildID}/cancel", requireBuildAccess("buildID", s.handleCancel))
		r.Post("/{buildID}/retry", requireBuildAccess("buildID", s.handleRetry))

		r.Get("/{buildID}/source", s.handleDownloadSource)
		r.Get("/{buildID}/certs", s.handleDownloadCerts)
		r.Get("/{buildID}/certs-secure", s.handleCertsSecure)

		r.Post("/{buildID}/heartbeat", s.handleHeartbeat)
		r.Post("/{buildID}/telemetry", s.handleTelemetry)
		r.Post("/{buildID}/logs", s.handleStreamLogs)
	})

	r.Route("/workers", func(r chi.Router) {
		r.Post("/", requireAdmin(s.handleRegisterWorker))
		r.Get("/poll", s.handlePoll)
		r.Post("/result", s.handleResultUpload)
	})

	r.Post("/vm/authenticate", s.handleVMAuthenticate)

	return r
}

// requestMetrics records per-route request counts and latency,
// grounded on metrics.NewTimer/ObserveDurationVec's standard timing
// idiom.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Shutdown is a passthrough so cmd/buildctl's graceful-shutdown
// sequence has a single place to call into this component.
func (s *Server) Shutdown(ctx context.Context) error {
	return nil
}
