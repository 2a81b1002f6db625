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

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/format"
	"daly-bms-bridge/metrics"
	"daly-bms-bridge/store"
)

// Config for the read API
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	StreamInterval  time.Duration `mapstructure:"stream_interval"` // cache file poll period for /bms/stream
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns the default listen address and timings
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            5000,
		StreamInterval:  time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Addr is the listen address
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server serves the cache and status files read-only
type Server struct {
	config     Config
	store      *store.Store
	thresholds metrics.Thresholds
	formatter  *format.Formatter
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	now        func() time.Time
	logger     zerolog.Logger
}

// New wires the routes
func New(config Config, st *store.Store, th metrics.Thresholds) *Server {
	if config.StreamInterval <= 0 {
		config.StreamInterval = DefaultConfig().StreamInterval
	}
	f := format.New(false, false)
	f.Thresholds = th

	s := &Server{
		config:     config,
		store:      st,
		thresholds: th,
		formatter:  f,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux:    http.NewServeMux(),
		now:    time.Now,
		logger: log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /bms", s.handleBMS)
	s.mux.HandleFunc("GET /bms/raw", s.handleRaw)
	s.mux.HandleFunc("GET /bms/summary", s.handleSummary)
	s.mux.HandleFunc("GET /bms/formatted", s.handleFormatted)
	s.mux.HandleFunc("GET /bms/cells", s.handleCells)
	s.mux.HandleFunc("GET /bms/temps", s.handleTemps)
	s.mux.HandleFunc("GET /bms/stream", s.handleStream)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the router, wrapped with request logging
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// ListenAndServe serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", srv.Addr).
			Str("data_file", s.store.Config().DataFile).
			Str("status_file", s.store.Config().StatusFile).
			Msg("starting read API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("read API: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("stopping read API")
	return srv.Shutdown(shutdownCtx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("encode response")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (s *Server) nowMs() int64 {
	return s.now().UnixMilli()
}
