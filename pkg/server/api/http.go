// Package api provides HTTP and WebSocket API endpoints for the oracle.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/StrathCole/oracle-guard/pkg/guard"
	"github.com/StrathCole/oracle-guard/pkg/logging"
	"github.com/StrathCole/oracle-guard/pkg/metrics"
	"github.com/StrathCole/oracle-guard/pkg/oracle"
	"github.com/StrathCole/oracle-guard/pkg/server/query"
)

// QueryService is the part of the query facade the API exposes.
type QueryService interface {
	Query(ctx context.Context, feedID string, opts query.Options) (*query.Response, error)
	Fallback(feedID string) (*query.Response, error)
	Health() map[string]guard.HealthReport
	Reset(ctx context.Context, key string)
	Feeds() []query.FeedInfo
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error *oracle.Error `json:"error"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status   guard.Health `json:"status"`
	Keys     int          `json:"keys"`
	Open     []string     `json:"open,omitempty"`
	Degraded []string     `json:"degraded,omitempty"`
}

// Server represents the HTTP API server.
type Server struct {
	addr           string
	svc            QueryService
	requestTimeout time.Duration
	server         *http.Server
	wsServer       *WebSocketServer // Optional WebSocket server for streaming
	certFile       string
	keyFile        string
	logger         *logging.Logger
}

// NewServer creates a new HTTP API server. requestTimeout bounds queries that
// do not set their own timeout.
func NewServer(addr string, svc QueryService, requestTimeout time.Duration, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		addr:           addr,
		svc:            svc,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// SetWebSocketServer mounts the WebSocket stream on /ws.
func (s *Server) SetWebSocketServer(ws *WebSocketServer) {
	s.wsServer = ws
}

// SetTLS serves HTTPS with the given certificate and key files.
func (s *Server) SetTLS(certFile, keyFile string) {
	s.certFile = certFile
	s.keyFile = keyFile
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/feeds", s.handleFeeds).Methods(http.MethodGet)
	r.HandleFunc("/v1/prices/{feed}", s.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/v1/prices/{feed}/fallback", s.handleFallback).Methods(http.MethodGet)
	r.HandleFunc("/v1/guard", s.handleGuard).Methods(http.MethodGet)
	r.HandleFunc("/v1/guard/{key:.+}/reset", s.handleReset).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.wsServer != nil {
		r.Handle("/ws", s.wsServer)
	}
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.addr, "tls", s.certFile != "")
	var err error
	if s.certFile != "" {
		err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports the worst guard health across all keys.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	reports := s.svc.Health()
	resp := HealthResponse{Status: guard.HealthHealthy, Keys: len(reports)}
	for key, report := range reports {
		switch report.Health {
		case guard.HealthCritical:
			resp.Status = guard.HealthCritical
			resp.Open = append(resp.Open, key)
		case guard.HealthDegraded:
			if resp.Status == guard.HealthHealthy {
				resp.Status = guard.HealthDegraded
			}
			resp.Degraded = append(resp.Degraded, key)
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.svc.Feeds())
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	opts, err := parseOptions(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if opts.Timeout <= 0 {
		opts.Timeout = s.requestTimeout
	}

	resp, err := s.svc.Query(r.Context(), mux.Vars(r)["feed"], opts)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Fallback(mux.Vars(r)["feed"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGuard(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.svc.Reset(r.Context(), key)
	s.sendJSON(w, http.StatusOK, map[string]string{"reset": key})
}

// parseOptions reads query overrides from the URL.
func parseOptions(r *http.Request) (query.Options, error) {
	var opts query.Options
	q := r.URL.Query()

	var err error
	if v := q.Get("allow_cached"); v != "" {
		if opts.AllowCached, err = strconv.ParseBool(v); err != nil {
			return opts, badParam("allow_cached", v, err)
		}
	}
	if v := q.Get("require_consensus"); v != "" {
		if opts.RequireConsensus, err = strconv.ParseBool(v); err != nil {
			return opts, badParam("require_consensus", v, err)
		}
	}
	if v := q.Get("timeout"); v != "" {
		if opts.Timeout, err = time.ParseDuration(v); err != nil || opts.Timeout < 0 {
			return opts, badParam("timeout", v, err)
		}
	}
	if v := q.Get("max_staleness"); v != "" {
		if opts.MaxStaleness, err = time.ParseDuration(v); err != nil || opts.MaxStaleness < 0 {
			return opts, badParam("max_staleness", v, err)
		}
	}
	if v := q.Get("min_confidence"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil || n > oracle.MaxConfidence {
			return opts, badParam("min_confidence", v, err)
		}
		opts.MinConfidence = uint8(n)
	}
	return opts, nil
}

func badParam(name, value string, cause error) error {
	return oracle.NewConfigurationError(fmt.Sprintf("invalid %s %q", name, value)).
		With("param", name).
		WithCause(cause)
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	oe, ok := oracle.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch oe.Kind {
	case oracle.KindCircuitBreaker:
		return http.StatusServiceUnavailable
	case oracle.KindRateLimit:
		return http.StatusTooManyRequests
	case oracle.KindNetwork, oracle.KindAuthentication:
		return http.StatusBadGateway
	case oracle.KindConfiguration:
		if errors.Is(err, query.ErrUnknownFeed) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

// retryAfter derives a Retry-After value in seconds from the error context.
func retryAfter(oe *oracle.Error, now time.Time) string {
	if v, ok := oe.Context["retry_after"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return strconv.Itoa(int(d.Round(time.Second).Seconds()))
		}
	}
	if v, ok := oe.Context["next_attempt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil && t.After(now) {
			return strconv.Itoa(int(t.Sub(now).Round(time.Second).Seconds()))
		}
	}
	return ""
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	oe, ok := oracle.As(err)
	if !ok {
		oe = oracle.NewConfigurationError("internal error").WithCause(err)
	}
	if v := retryAfter(oe, time.Now()); v != "" {
		w.Header().Set("Retry-After", v)
	}
	s.sendJSON(w, status, ErrorResponse{Error: oe})
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// metricsMiddleware records request counts and latency per route template.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.RecordHTTPRequest(path, strconv.Itoa(rec.status), time.Since(start))
	})
}
