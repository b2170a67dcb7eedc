// Package httpapi exposes the streaming, HLS, playlist, and guide
// endpoints over HTTP and maps relay errors to response statuses.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/zaplinktv/zaplink/internal/channels"
	"github.com/zaplinktv/zaplink/internal/config"
	"github.com/zaplinktv/zaplink/internal/guide"
	"github.com/zaplinktv/zaplink/internal/relay"
	"github.com/zaplinktv/zaplink/internal/tuner"
)

// Server is the HTTP adapter over the relay, HLS, and guide components.
type Server struct {
	cfg      config.ServerConfig
	catalog  *channels.Catalog
	pool     *tuner.Pool
	runner   *relay.Runner
	hls      *relay.HLSManager
	renderer *guide.Renderer
	logger   *slog.Logger

	httpServer *http.Server
	started    time.Time
}

// NewServer wires the routes and middleware.
func NewServer(cfg config.ServerConfig, catalog *channels.Catalog, pool *tuner.Pool, runner *relay.Runner, hls *relay.HLSManager, renderer *guide.Renderer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		catalog:  catalog,
		pool:     pool,
		runner:   runner,
		hls:      hls,
		renderer: renderer,
		logger:   logger,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/playlist.m3u", s.handlePlainPlaylist)
	r.Get("/playlist/*", s.handleVariantPlaylist)
	r.Get("/stream/{channel}", s.handleStream)
	r.Get("/transcode/*", s.handleTranscode)
	r.Get("/hls/*", s.handleHLS)
	r.Get("/xmltv.xml", s.handleXMLTV)
	r.Get("/xmltv.json", s.handleGuideJSON)
	r.Get("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     r,
		ReadTimeout: cfg.ReadTimeout,
		// Streaming responses are open-ended; no write timeout.
	}
	return s
}

// Handler returns the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}
