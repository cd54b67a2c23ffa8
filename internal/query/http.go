package query

import (
	"LendLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxHistoryLimit = 500

// HTTPServer serves the query API as HTTP/JSON next to the health endpoints.
type HTTPServer struct {
	qs            *QueryService
	addr          string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
	httpServer    *http.Server
}

func NewHTTPServer(addr string, qs *QueryService, healthChecker *observability.HealthChecker, metrics *observability.Metrics) *HTTPServer {
	return &HTTPServer{
		qs:            qs,
		addr:          addr,
		healthChecker: healthChecker,
		metrics:       metrics,
		logger:        observability.NewLogger("query-http"),
	}
}

// Handler returns the routed API.
//
//	GET /v1/positions/{id}
//	GET /v1/positions/{id}/health
//	GET /v1/positions/{id}/history?limit=&after=
//	GET /v1/owners/{owner}/positions
//	GET /v1/stats
func (s *HTTPServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern  string
		endpoint string
		handle   func(r *http.Request, params map[string]string) (any, error)
	}{
		{"/v1/positions/{id}", "position", s.getPosition},
		{"/v1/positions/{id}/health", "health", s.getHealth},
		{"/v1/positions/{id}/history", "history", s.getHistory},
		{"/v1/owners/{owner}/positions", "owner_positions", s.getOwnerPositions},
		{"/v1/stats", "stats", s.getStats},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.pattern, s.wrap(rt.endpoint, rt.handle)); err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("query HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("query HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) wrap(endpoint string, handle func(*http.Request, map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := handle(r, params)

		code := http.StatusOK
		if err != nil {
			code, body = s.errorBody(endpoint, err)
		}
		writeJSON(w, code, body)

		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func (s *HTTPServer) errorBody(endpoint string, err error) (int, any) {
	var br badRequest
	code, errType := http.StatusInternalServerError, "internal"
	switch {
	case errors.As(err, &br):
		code, errType = http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrNotFound):
		code, errType = http.StatusNotFound, "not_found"
	default:
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	}
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, errType).Inc()
	}
	return code, map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func positionParam(params map[string]string) (uint64, error) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest{fmt.Sprintf("invalid position id %q", params["id"])}
	}
	return id, nil
}

func (s *HTTPServer) getPosition(r *http.Request, params map[string]string) (any, error) {
	id, err := positionParam(params)
	if err != nil {
		return nil, err
	}
	return s.qs.GetPosition(r.Context(), id)
}

func (s *HTTPServer) getHealth(r *http.Request, params map[string]string) (any, error) {
	id, err := positionParam(params)
	if err != nil {
		return nil, err
	}
	return s.qs.GetHealth(r.Context(), id)
}

func (s *HTTPServer) getHistory(r *http.Request, params map[string]string) (any, error) {
	id, err := positionParam(params)
	if err != nil {
		return nil, err
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, badRequest{fmt.Sprintf("invalid limit %q", v)}
		}
		limit = min(n, maxHistoryLimit)
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, badRequest{fmt.Sprintf("invalid after %q", v)}
		}
		after = n
	}

	history, err := s.qs.GetHistory(r.Context(), id, limit, after)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []HistoryEntry{}
	}
	return history, nil
}

func (s *HTTPServer) getOwnerPositions(r *http.Request, params map[string]string) (any, error) {
	owner := params["owner"]
	if owner == "" {
		return nil, badRequest{"owner is required"}
	}
	return s.qs.GetPositionsByOwner(r.Context(), owner)
}

func (s *HTTPServer) getStats(r *http.Request, _ map[string]string) (any, error) {
	return s.qs.GetStats(r.Context())
}
