package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ha1tch/xmigrate/pkg/graph"
	"github.com/ha1tch/xmigrate/pkg/migrate"
	"github.com/ha1tch/xmigrate/pkg/models"
	"github.com/rs/zerolog"
)

// Progress is the live view of a run
type Progress interface {
	Snapshot() migrate.Progress
	Model(name string) (migrate.ModelProgress, bool)
}

// ErrorLog reads the per-entity-type error files
type ErrorLog interface {
	LoadErrors(model string) ([]models.ErrorEntry, error)
}

// Options are the optional parts of the status server
type Options struct {
	Errors  ErrorLog
	Graph   *graph.IndexedGraph
	Metrics http.Handler
}

// Server exposes run progress over HTTP while a migration runs
type Server struct {
	progress Progress
	opts     Options
	logger   zerolog.Logger
	router   *chi.Mux
}

// New creates a status server
func New(progress Progress, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		progress: progress,
		opts:     opts,
		logger:   logger.With().Str("component", "server").Logger(),
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/{model}", s.handleModelProgress)
		if s.opts.Errors != nil {
			r.Get("/errors/{model}", s.handleErrors)
		}
		if s.opts.Graph != nil {
			r.Get("/graph/stats", s.handleGraphStats)
			r.Get("/graph/path", s.handleGraphPath)
			r.Get("/graph/{model}", s.handleGraphModel)
		}
	})
}

// Start serves on addr until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Starting status server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}
