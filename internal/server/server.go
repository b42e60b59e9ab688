// Package server assembles the illustrative HTTP surface: a handful of
// routes demonstrating how the session kernel, exec service, and SFTP
// service are reached over HTTP/WebSocket. The real route table is an
// outer-layer concern this gateway does not define.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/websoft9/sshgateway/internal/config"
	"github.com/websoft9/sshgateway/internal/execsvc"
	"github.com/websoft9/sshgateway/internal/gateway"
	"github.com/websoft9/sshgateway/internal/server/handlers"
	"github.com/websoft9/sshgateway/internal/server/middleware"
	"github.com/websoft9/sshgateway/internal/sftpsvc"
	"github.com/websoft9/sshgateway/internal/store"
)

// Server wraps the HTTP listener around the gateway kernel and its
// collaborating services.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	httpServer *http.Server
}

// New builds a Server exposing gw, execs, and sftp over chi routes.
func New(cfg *config.Config, st store.Store, gw *gateway.Gateway, execs *execsvc.Service, sftp *sftpsvc.Service) *Server {
	s := &Server{cfg: cfg}
	s.setupRouter(st, gw, execs, sftp)
	return s
}

func (s *Server) setupRouter(st store.Store, gw *gateway.Gateway, execs *execsvc.Service, sftp *sftpsvc.Service) {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handlers.Health)
	r.Get("/readyz", handlers.Ready(st))

	r.Route("/sessions", func(r chi.Router) {
		r.Use(middleware.Identify)

		r.Post("/", handlers.CreateSession(gw))
		r.Delete("/{id}", handlers.CloseSession(gw))
		r.Get("/{id}/ws", handlers.SessionBus(gw))

		r.Post("/{id}/exec", handlers.ExecCommand(gw, execs))
		r.Get("/{id}/exec/ws", handlers.AttachExec(gw, execs))

		r.Get("/{id}/sftp/ls", handlers.ListDirectory(gw, sftp))
		r.Get("/{id}/sftp/download", handlers.Download(gw, sftp))
		r.Put("/{id}/sftp/upload", handlers.Upload(gw, sftp))
	})

	s.router = r
}

// Start begins serving HTTP on addr. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
