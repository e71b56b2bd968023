package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"salesiq/internal/api"
)

type AdminServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewAdminServer serves operator endpoints. It must listen on a loopback or
// otherwise private address: its routes are not authenticated.
func NewAdminServer(issuer api.TokenIssuer, addr string, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	adminHandler := api.NewAdminHandler(issuer, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *AdminServer) Start() error {
	s.log.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
