// Пакет server — HTTP-сервер Upload Module с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/artstore/upload-module/internal/api/handlers"
	"github.com/arturkryukov/artstore/upload-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/upload-module/internal/config"
)

// Server — HTTP-сервер Upload Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// NewRouter собирает маршруты. auth — JWT middleware для /api и /ws;
// health и /metrics доступны без аутентификации.
func NewRouter(
	logger *slog.Logger,
	api *handlers.APIHandler,
	health *handlers.HealthHandler,
	auth func(http.Handler) http.Handler,
) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Group(func(r chi.Router) {
		r.Use(auth)

		r.Route("/api/v1/uploads", func(r chi.Router) {
			r.Get("/", api.ListUploads)
			r.Put("/", api.CreateUpload)
			r.Post("/", api.CreateWholeUpload)

			r.Get("/{id}", api.GetUpload)
			r.Put("/{id}", api.AppendChunk)
			r.Post("/{id}", api.FinalizeUpload)
			r.Post("/{id}/cancel", api.CancelUpload)
			r.Post("/{id}/archive", api.ArchiveUpload)
		})
		r.Get("/api/v1/tasks/{id}", api.GetTask)
		r.Get("/ws/uploads", api.StreamUploads)
	})

	return router
}

// New создаёт HTTP-сервер.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и блокируется до отмены ctx,
// после чего выполняет graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		tlsEnabled := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", tlsEnabled),
		)

		var err error
		if tlsEnabled {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
