package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
	iduuid "github.com/JakeFAU/modernjs-estimator/internal/id/uuid"
	"github.com/JakeFAU/modernjs-estimator/internal/metrics"
)

const (
	defaultRequestTimeout = 90 * time.Second
	defaultCacheMaxAge    = 2 * time.Hour
	maxRequestBody        = 64 << 10
)

// Orchestrator is the request logic behind the estimator routes.
type Orchestrator interface {
	Check(ctx context.Context, pageURL string) (estimator.CheckResult, error)
	Script(ctx context.Context, scriptURL string) (estimator.ModernizationRecord, string, error)
	Compiled(scriptURL, token string) (string, error)
}

// Config controls server behavior.
type Config struct {
	RequestTimeout time.Duration
	CacheMaxAge    time.Duration
	// Ready reports whether downstream dependencies can take traffic.
	Ready func() error
	// Detail adds dependency state to the readiness body.
	Detail func() map[string]any
	// RequestID mints ids for requests that arrive without X-Request-ID.
	RequestID func() string
}

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	svc    Orchestrator
	hasher estimator.Hasher
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Orchestrator, hasher estimator.Hasher, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = defaultCacheMaxAge
	}
	if cfg.RequestID == nil {
		cfg.RequestID = iduuid.New().NewRequestID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, hasher: hasher, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(cfg.RequestID))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		r.Route("/api", s.estimatorRoutes)
		r.Get("/_script/compiled", s.compiled)
		s.estimatorRoutes(r)
		r.Get("/compiled", s.compiled)
	})

	s.router = r
	return s
}

func (s *Server) estimatorRoutes(r chi.Router) {
	r.Get("/check", s.check)
	r.Post("/check", s.check)
	r.Get("/script", s.script)
	r.Post("/script", s.script)
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	body := map[string]any{}
	if s.cfg.Detail != nil {
		for k, v := range s.cfg.Detail() {
			body[k] = v
		}
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

type urlRequest struct {
	URL  string `json:"url"`
	Info *bool  `json:"info"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	req, err := decodeURLRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Check(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) script(w http.ResponseWriter, r *http.Request) {
	req, err := decodeURLRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, code, err := s.svc.Script(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setCacheControl(w)
	if wantsInfo(r, req) {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		s.fail(w, r, fmt.Errorf("encode meta: %w", err))
		return
	}
	s.writeText(w, r, "//#meta="+string(meta)+"\n"+code)
}

func (s *Server) compiled(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, err := s.svc.Compiled(q.Get("url"), q.Get("token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setCacheControl(w)
	s.writeText(w, r, code)
}

func (s *Server) setCacheControl(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cfg.CacheMaxAge.Seconds())))
}

// writeText sends body with an ETag and honors If-None-Match.
func (s *Server) writeText(w http.ResponseWriter, r *http.Request, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.hasher != nil {
		if sum, err := s.hasher.Hash([]byte(body)); err == nil {
			etag := `"` + sum + `"`
			w.Header().Set("ETag", etag)
			if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, body); err != nil {
		s.logger.Warn("write body failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, estimator.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, estimator.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, estimator.ErrFetch), errors.Is(err, estimator.ErrNavigation):
		return http.StatusBadGateway
	case errors.Is(err, estimator.ErrQueueFull), errors.Is(err, estimator.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeURLRequest reads {url, info} from a JSON body or the query string.
func decodeURLRequest(r *http.Request) (urlRequest, error) {
	var req urlRequest
	if r.Method == http.MethodPost && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return req, fmt.Errorf("read body: %w", err)
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return req, errors.New("invalid JSON")
			}
		}
	}
	if req.URL == "" {
		req.URL = r.URL.Query().Get("url")
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return req, errors.New("url is required")
	}
	return req, nil
}

func wantsInfo(r *http.Request, req urlRequest) bool {
	if req.Info != nil {
		return *req.Info
	}
	q := r.URL.Query()
	if !q.Has("info") {
		return false
	}
	v := strings.ToLower(q.Get("info"))
	return v != "0" && v != "false"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
