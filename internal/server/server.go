// Package server exposes the render engine over HTTP: timeline renders run
// as background jobs, single clips render synchronously for auditioning.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/engine"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/render"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// Renderer is the part of the engine the server drives.
type Renderer interface {
	RenderTimeline(ctx context.Context, req engine.Request) (*engine.Result, error)
	RenderClip(ctx context.Context, c timeline.ClipDescriptor, bpm float64, out string) (*render.RenderedBuffer, error)
	CacheSize() (int64, int, error)
	ClearCache() error
}

// Config holds server configuration
type Config struct {
	Port     int
	Format   string        // default export format for timeline jobs
	BitDepth int           // audition WAV bit depth
	JobTTL   time.Duration // how long finished jobs stay queryable
}

// Server is the HTTP server
type Server struct {
	config Config
	router *chi.Mux
	engine Renderer
	jobs   *JobManager
	log    *logrus.Entry

	// ctx parents every background job; Run cancels it on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server
func New(cfg Config, eng Renderer) *Server {
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = DefaultJobTTL
	}
	if cfg.Format == "" {
		cfg.Format = "wav"
	}
	if cfg.BitDepth == 0 {
		cfg.BitDepth = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		engine: eng,
		jobs:   NewJobManager(eng, cfg.JobTTL),
		log:    logrus.WithField("component", "server"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	r.Get("/health", s.handleHealth)

	r.Post("/render", s.handleRender)
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/result/{id}", s.handleResult)
	r.Post("/clip", s.handleClip)

	r.Get("/cache", s.handleCacheSize)
	r.Delete("/cache", s.handleCacheClear)
}

// Run serves until SIGINT/SIGTERM, then drains requests and cancels
// running jobs.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long for SSE and audition renders
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		s.log.Info("shutting down server...")
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.log.WithError(err).Error("shutdown error")
		}
		close(done)
	}()

	s.log.WithField("port", s.config.Port).Info("server starting")
	fmt.Printf("\n  Render service listening on: http://localhost:%d\n\n", s.config.Port)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	<-done
	return nil
}

// Close cancels running jobs.
func (s *Server) Close() {
	s.cancel()
}
