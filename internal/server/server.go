// Package server implements the HTTP Router (C8): a fixed route table,
// local API-key authentication, and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccrelay/ccrelay/internal/auth"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/credential"
	"github.com/ccrelay/ccrelay/internal/relay"
)

// Server is the process's single HTTP listener.
type Server struct {
	cfg        *config.Config
	relay      *relay.Relay
	authMw     *auth.Middleware
	httpServer *http.Server
	startTime  time.Time
}

func New(cfg *config.Config, store *credential.Store, rl *relay.Relay) *Server {
	srv := &Server{
		cfg:       cfg,
		relay:     rl,
		authMw:    auth.NewMiddleware(store),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.UpstreamTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authd := s.authMw.Authenticate

	// Health check — always open, per spec.md §6.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /v1/models", authd(http.HandlerFunc(s.relay.HandleModels)))
	mux.Handle("POST /v1/chat/completions", authd(http.HandlerFunc(s.relay.HandleChatCompletions)))
	mux.Handle("POST /v1/responses", authd(http.HandlerFunc(s.relay.HandleResponses)))
	mux.Handle("POST /v1/messages", authd(http.HandlerFunc(s.relay.HandleMessages)))
}

// Run starts the server and blocks until it receives SIGINT/SIGTERM or
// the listener fails, draining in-flight requests before returning.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
