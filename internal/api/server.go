// Package api implements the HTTP surface of the relay: the call-flow
// document, the relay websocket endpoint, the post-call analysis
// webhook, and health and report introspection endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/vanguard/internal/buildinfo"
	"github.com/nugget/vanguard/internal/config"
	"github.com/nugget/vanguard/internal/connwatch"
	"github.com/nugget/vanguard/internal/reports"
	"github.com/nugget/vanguard/internal/usage"
	"golang.org/x/net/netutil"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// CallCounter reports the number of open call sessions.
type CallCounter interface {
	Len() int
}

// ReportLister reads filed lost-item reports.
type ReportLister interface {
	Get(ctx context.Context, reference string) (*reports.Report, error)
	Recent(ctx context.Context, limit int) ([]reports.Report, error)
	Count(ctx context.Context) (int, error)
}

// UsageSummarizer reads aggregated model usage.
type UsageSummarizer interface {
	Summary(ctx context.Context, f usage.Filter) (*usage.Summary, error)
	Breakdown(ctx context.Context, f usage.Filter, dim usage.Dimension) (map[string]*usage.Summary, error)
	CallRounds(ctx context.Context, callID string) ([]usage.Record, error)
}

// EventStats reports the health of the in-process event bus.
type EventStats interface {
	SubscriberCount() int
	Dropped() uint64
}

// Deps are the collaborators of the server. Relay and Calls are
// required; the rest enable optional endpoints.
type Deps struct {
	Relay    http.Handler
	Calls    CallCounter
	Provider string
	Watch    *connwatch.Manager
	Reports  ReportLister
	Usage    UsageSummarizer
	Events   EventStats
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	maxConns int
	relay    config.RelayConfig
	deps     Deps
	logger   *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates an API server.
func NewServer(listen config.ListenConfig, relay config.RelayConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  listen.Address,
		port:     listen.Port,
		maxConns: listen.MaxConnections,
		relay:    relay,
		deps:     deps,
		logger:   logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Voice platform endpoints
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.Handle("GET /ws", s.deps.Relay)
	mux.HandleFunc("POST /webhook/intelligence", s.handleIntelligence)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Introspection
	mux.HandleFunc("GET /v1/reports", s.handleReportList)
	mux.HandleFunc("GET /v1/reports/{reference}", s.handleReportGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/usage/calls/{call_id}", s.handleCallUsage)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown. When max_connections
// is set, upgraded relay sockets hold their slot until the call hangs
// up.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.logger.Info("starting API server", "address", ln.Addr().String(), "max_connections", s.maxConns)
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server. Hijacked relay connections are
// not tracked by http.Server and must be drained separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for request logs. It
// keeps http.Hijacker reachable for the websocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string             `json:"status"`
	Timestamp     string             `json:"timestamp"`
	ActiveCalls   int                `json:"active_calls"`
	Provider      string             `json:"provider"`
	ProviderReady bool               `json:"provider_ready"`
	Services      []connwatch.Status `json:"services,omitempty"`
	Events        *EventHealth       `json:"events,omitempty"`
}

// EventHealth is the event bus section of [HealthResponse].
type EventHealth struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Provider:      s.deps.Provider,
		ProviderReady: true,
	}
	if s.deps.Calls != nil {
		resp.ActiveCalls = s.deps.Calls.Len()
	}
	if s.deps.Watch != nil {
		resp.Services = s.deps.Watch.Status()
		resp.ProviderReady = s.deps.Watch.Ready(s.deps.Provider)
		if !resp.ProviderReady {
			resp.Status = "degraded"
		}
	}
	if s.deps.Events != nil {
		resp.Events = &EventHealth{
			Subscribers: s.deps.Events.SubscriberCount(),
			Dropped:     s.deps.Events.Dropped(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleReportList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}

	limit := parseIntParam(r, "limit", 20)
	list, err := s.deps.Reports.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list reports failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if list == nil {
		list = []reports.Report{}
	}

	w.Header().Set("Content-Type", "application/json")
	total, err := s.deps.Reports.Count(r.Context())
	if err != nil {
		s.logger.Warn("count reports failed", "error", err)
		total = len(list)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"reports": list, "count": len(list), "total": total}, s.logger)
}

func (s *Server) handleReportGet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "report store not configured")
		return
	}

	ref := r.PathValue("reference")
	rep, err := s.deps.Reports.Get(r.Context(), ref)
	if errors.Is(err, reports.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("get report failed", "reference", ref, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to get report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, rep, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	filter := usage.Filter{
		Start:  end.Add(-time.Duration(hours) * time.Hour),
		End:    end,
		CallID: r.URL.Query().Get("call_id"),
	}

	var (
		body any
		err  error
	)
	if by := r.URL.Query().Get("by"); by != "" {
		dim, perr := usage.ParseDimension(by)
		if perr != nil {
			s.errorResponse(w, http.StatusBadRequest, perr.Error())
			return
		}
		body, err = s.deps.Usage.Breakdown(r.Context(), filter, dim)
	} else {
		body, err = s.deps.Usage.Summary(r.Context(), filter)
	}
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

// callRound is one usage record as served by the per-call endpoint.
type callRound struct {
	Timestamp    time.Time `json:"timestamp"`
	TurnID       string    `json:"turn_id"`
	Round        int       `json:"round"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	StopReason   string    `json:"stop_reason"`
}

func (s *Server) handleCallUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	callID := r.PathValue("call_id")
	recs, err := s.deps.Usage.CallRounds(r.Context(), callID)
	if err != nil {
		s.logger.Error("call usage query failed", "call_id", callID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load call usage")
		return
	}
	if len(recs) == 0 {
		s.errorResponse(w, http.StatusNotFound, "no usage recorded for call")
		return
	}

	rounds := make([]callRound, 0, len(recs))
	var total usage.Summary
	for _, rec := range recs {
		rounds = append(rounds, callRound{
			Timestamp:    rec.Timestamp,
			TurnID:       rec.TurnID,
			Round:        rec.Round,
			Model:        rec.Model,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			CostUSD:      rec.CostUSD,
			StopReason:   rec.StopReason,
		})
		total.TotalRecords++
		total.TotalInputTokens += int64(rec.InputTokens)
		total.TotalOutputTokens += int64(rec.OutputTokens)
		total.TotalCostUSD += rec.CostUSD
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"call_id": callID, "rounds": rounds, "summary": total}, s.logger)
}

// parseIntParam reads a positive integer query parameter.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
