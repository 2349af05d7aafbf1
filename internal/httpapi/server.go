// Package httpapi exposes the pipeline over HTTP: batch submission, polling,
// an SSE status stream, cancellation and review.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/governance"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/pipeline"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/telemetry"
)

// FeatureSubmit is the admission feature charged once per batch submission.
const FeatureSubmit = "submit"

const defaultMaxBodyBytes = 64 << 20

// Config holds the server's collaborators.
type Config struct {
	Registry *pipeline.Registry
	Identity domain.IdentityProvider
	Limiter  *governance.AdmissionLimiter
	// Objects serves stored uploads under /objects/. Optional.
	Objects http.Handler
	// Metrics records per-route request metrics. Optional.
	Metrics      *telemetry.Collectors
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// Server routes API requests.
type Server struct {
	registry     *pipeline.Registry
	identity     domain.IdentityProvider
	limiter      *governance.AdmissionLimiter
	metrics      *telemetry.Collectors
	logger       *slog.Logger
	maxBodyBytes int64
	mux          *http.ServeMux
}

// New validates cfg and registers the routes.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("httpapi: registry is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("httpapi: identity provider is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("httpapi: limiter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	s := &Server{
		registry:     cfg.Registry,
		identity:     cfg.Identity,
		limiter:      cfg.Limiter,
		metrics:      cfg.Metrics,
		logger:       logger,
		maxBodyBytes: maxBody,
		mux:          http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("POST /v1/batches", s.authenticated(s.handleSubmit))
	s.mux.Handle("GET /v1/batches/{id}", s.authenticated(s.handleGet))
	s.mux.Handle("GET /v1/batches/{id}/events", s.authenticated(s.handleEvents))
	s.mux.Handle("POST /v1/batches/{id}/cancel", s.authenticated(s.handleCancel))
	s.mux.Handle("POST /v1/batches/{id}/items/{item}/review", s.authenticated(s.handleReview))
	if cfg.Objects != nil {
		s.mux.Handle("GET /objects/", http.StripPrefix("/objects/", cfg.Objects))
	}

	return s, nil
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.metrics != nil {
		// Route labels come from the pattern the mux stores on the request,
		// so this must wrap the mux directly.
		h = s.metrics.Middleware(h)
	}
	return otelhttp.NewHandler(h, "lumina.api")
}

// authenticated resolves the bearer token and rejects anonymous callers.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identity.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.logger.ErrorContext(r.Context(), "identity provider failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, domain.ErrorResponse{
				Code:    "IdentityUnavailable",
				Message: "identity provider unavailable",
				TraceID: traceID(r.Context()),
			})
			return
		}
		if !id.IsAuthenticated {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lumina"`)
			s.writeError(w, r, domain.ErrUnauthorized)
			return
		}
		next(w, r.WithContext(domain.WithIdentity(r.Context(), id)))
	})
}

// ownedBatch loads a batch and hides batches that belong to someone else.
func (s *Server) ownedBatch(r *http.Request) (*pipeline.Batch, error) {
	b, err := s.registry.Get(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		return nil, err
	}
	caller := domain.IdentityFromContext(r.Context())
	if b.Owner.SubjectID != caller.SubjectID {
		return nil, domain.ErrNotFound
	}
	return b, nil
}
