package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/jobs"
	"github.com/dunamismax/mediaflow/internal/output"
	"github.com/dunamismax/mediaflow/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 512 << 20

type Options struct {
	Jobs                  *jobs.Service
	Logger                zerolog.Logger
	Registry              *prometheus.Registry
	RateLimiter           ratelimit.Limiter
	RateLimitUserIDHeader string
	MaxUploadBytes        int64

	// RateLimitCosts prices job submissions by workload; nil uses
	// ratelimit.DefaultCosts. Uploads always cost one token.
	RateLimitCosts ratelimit.Costs
}

type Server struct {
	jobs                  *jobs.Service
	logger                zerolog.Logger
	metrics               *metrics
	tracer                trace.Tracer
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	rateLimitCosts        ratelimit.Costs
	maxUploadBytes        int64
	router                chi.Router
}

func NewServer(opts Options) (*Server, error) {
	if opts.Jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}
	if opts.RateLimitCosts == nil {
		opts.RateLimitCosts = ratelimit.DefaultCosts
	}

	s := &Server{
		jobs:                  opts.Jobs,
		logger:                opts.Logger,
		metrics:               newMetrics(opts.Registry),
		tracer:                otel.Tracer("mediaflow/api"),
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		rateLimitCosts:        opts.RateLimitCosts,
		maxUploadBytes:        opts.MaxUploadBytes,
		router:                chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.withAccessLog,
		s.metrics.withHTTPMetrics,
		s.withTracing,
		middleware.Recoverer,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.withRateLimit).Post("/uploads", s.handleUpload)
		r.Get("/providers", s.handleProviders)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/files/{name}", s.handleGetFile)
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !s.allow(w, r, s.rateLimitCosts.For(s.jobs.Workload(req))) {
		return
	}

	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.metrics.jobsSubmitted.WithLabelValues(outcomeLabel(err)).Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.jobsSubmitted.WithLabelValues("accepted").Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = parsed
	}

	list, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetFile serves a published artifact. With ?presign=1 the caller is
// redirected to the object storage mirror instead.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	if presign, _ := strconv.ParseBool(r.URL.Query().Get("presign")); presign {
		url, err := s.jobs.PresignArtifact(r.Context(), jobID, name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	path, err := s.jobs.ArtifactPath(r.Context(), jobID, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	infos, err := s.jobs.Providers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"default":   s.jobs.DefaultProvider(),
		"providers": infos,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected multipart form with a file field"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file field is required"})
		return
	}
	defer file.Close()

	ref, err := s.jobs.Upload(header.Filename, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": ref})
}

// writeError maps core errors onto status codes. Unknown errors are logged
// and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var policyErr *domain.PolicyError
	switch {
	case errors.As(err, &policyErr):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "policy denied", "reason": policyErr.Reason})
	case errors.Is(err, domain.ErrProviderNotFound),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, jobs.ErrArtifactNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrUnsupportedTask), errors.Is(err, output.ErrUnsafePath):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidParameters):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, jobs.ErrPresignDisabled):
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
	case errors.Is(err, jobs.ErrDispatch):
		s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("dispatch failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job could not be scheduled"})
	default:
		s.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrPolicyDenied):
		return "policy_denied"
	case errors.Is(err, domain.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, domain.ErrUnsupportedTask):
		return "unsupported_task"
	case errors.Is(err, domain.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, jobs.ErrDispatch):
		return "dispatch_failed"
	default:
		return "error"
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
