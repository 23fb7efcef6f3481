package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/pdfrag/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/pdfrag/internal/api/middlewares"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

const requestTimeout = 60 * time.Second

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	app        *App
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(a *App) *Server {
	return &Server{
		app: a,
		httpServer: &http.Server{
			Addr:              ":" + a.Config.Port,
			Handler:           NewRouter(a),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func NewRouter(a *App) http.Handler {
	authHandler := handlers.NewAuthHandler(a.Users, a.Log)
	docHandler := handlers.NewDocumentHandler(a.Documents, a.Config.MaxUploadBytes, a.Log)
	queryHandler := handlers.NewQueryHandler(a.Engine, a.Log)
	health := handlers.NewHealthHandler(a.healthChecks())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(a.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", health.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(requestTimeout))

		// public endpoints
		api.Post("/signup", authHandler.Signup)
		api.Post("/login", authHandler.Login)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWT(a.Config.JWTSecret))
			protected.Post("/documents", docHandler.UploadDocument)
			protected.Get("/documents", docHandler.ListDocuments)
			protected.Get("/documents/{id}", docHandler.GetDocument)
			protected.Delete("/documents/{id}", docHandler.DeleteDocument)
			protected.Post("/query", queryHandler.Query)
		})
	})
	return r
}

func (a *App) healthChecks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if p, ok := a.DB.(handlers.Pinger); ok {
		checks["database"] = p
	}
	if a.Redis != nil {
		checks["redis"] = redisPinger{a.Redis}
	}
	return checks
}

type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// Run serves HTTP and in-process ingestion until ctx is cancelled, then stops
// accepting requests and gives running documents the shutdown deadline to
// finish. Documents still running after that are interrupted and recorded as
// FAILED.
func (s *Server) Run(ctx context.Context) error {
	a := s.app
	log := a.Log.Named("server")

	ingestCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()
	a.Ingestor.Start(ingestCtx)
	a.Recover(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", logger.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server")
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownDeadline)
		defer cancel()
		return s.httpServer.Shutdown(shutCtx)
	})
	err := g.Wait()

	drained := make(chan struct{})
	go func() {
		a.Ingestor.Wait()
		a.Documents.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(a.Config.ShutdownDeadline):
		log.Warn("ingestion still running at deadline, interrupting")
		interrupt()
		<-drained
	}
	log.Info("server stopped")
	return err
}
