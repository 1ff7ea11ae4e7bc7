// Package web serves the measurement dashboard and its JSON API. Board
// changes are pushed to browsers over a websocket; runs are started through
// the API and execute in the background.
package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netprobe/pkg/config"
	"netprobe/pkg/display"
	"netprobe/pkg/geo"
	"netprobe/pkg/metrics"
	"netprobe/pkg/runner"
)

//go:embed templates/index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Runner is satisfied by *runner.Orchestrator.
type Runner interface {
	Start(ctx context.Context) (string, error)
	Last() (*runner.RunResult, bool)
	State() runner.State
}

// Locator is satisfied by *geo.Fetcher.
type Locator interface {
	Render(ctx context.Context, sink geo.Sink) *geo.Record
}

// Server provides the dashboard page and the API around one board.
type Server struct {
	config           *config.Config
	board            *display.Board
	runner           Runner
	locator          Locator
	metricsCollector *metrics.Collector
	logger           *slog.Logger

	// accessLog receives Apache style access lines when set
	accessLog io.Writer

	// runCtx bounds runs started through the API; they outlive the request
	runCtx context.Context
	server *http.Server
}

// StateResponse is returned by /api/v1/state.
type StateResponse struct {
	State     runner.State     `json:"state"`
	Board     display.Snapshot `json:"board"`
	Timestamp time.Time        `json:"timestamp"`
}

// RunAccepted is returned when a run has been started.
type RunAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(cfg *config.Config, board *display.Board, r Runner, locator Locator, collector *metrics.Collector, logger *slog.Logger) *Server {
	return &Server{
		config:           cfg,
		board:            board,
		runner:           r,
		locator:          locator,
		metricsCollector: collector,
		logger:           logger,
		runCtx:           context.Background(),
	}
}

// WithAccessLog enables access logging to w
func (s *Server) WithAccessLog(w io.Writer) *Server {
	s.accessLog = w
	return s
}

// Handler builds the route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats.json", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/ipinfo", s.handleIPInfo)
	mux.HandleFunc("/api/v1/run", s.handleRun)

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleIndex)

	var handler http.Handler = s.withMetrics(s.withLogging(mux))
	handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)(handler)
	if s.accessLog != nil {
		handler = handlers.LoggingHandler(s.accessLog, handler)
	}
	return handler
}

// Start serves on the configured address until ctx is cancelled. Runs
// started through the API are cancelled together with ctx.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	s.server = &http.Server{
		Addr:              s.config.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting web server", "listen", s.config.API.Listen)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start web server: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
}

// handleStats returns the collector stats; DELETE clears them.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.metricsCollector.GetStats())
	case http.MethodDelete:
		s.metricsCollector.Reset()
		s.logger.Info("Collector stats reset")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		State:     s.runner.State(),
		Board:     s.board.Snapshot(),
		Timestamp: time.Now(),
	})
}

// handleIPInfo renders the geolocation slots again and returns the record.
// When the lookup fails the slots hold the fallback texts and 502 is
// returned.
func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	record := s.locator.Render(r.Context(), s.board)
	if record == nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: geo.FallbackAddress})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		id, err := s.runner.Start(s.runCtx)
		if errors.Is(err, runner.ErrBusy) {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
			return
		}
		if err != nil {
			s.logger.Error("Failed to start speed test", "error", err)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to start speed test"})
			return
		}

		s.logger.Info("Speed test requested", "run_id", id)
		writeJSON(w, http.StatusAccepted, RunAccepted{ID: id, Status: "started"})

	case http.MethodGet:
		result, ok := s.runner.Last()
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no completed run"})
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebSocket sends the current snapshot, then every change, until the
// client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	updates, unsubscribe := s.board.Subscribe()
	defer unsubscribe()

	// the reader only exists to notice close frames and dead peers
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("WebSocket client disconnected")
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.board.Snapshot()); err != nil {
		s.logger.Error("Failed to execute template", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

// withMetrics counts every request by path
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metricsCollector.RecordIncomingCall(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// withLogging logs method, path and duration of every request at debug level.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from panic in HTTP handler", "error", fmt.Sprint(v...))
}
