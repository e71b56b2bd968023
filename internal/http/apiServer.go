package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"salesiq/internal/api"
	"salesiq/internal/ws"
)

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

// NewAPIServer serves the REST API and the realtime channel. Requests and
// websocket sessions run under ctx and end when it is cancelled.
func NewAPIServer(ctx context.Context, handlers *api.API, realtime *ws.Server, addr string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	Routes(mux, handlers, realtime)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		log: logger,
	}
}

// Routes registers the API and realtime endpoints on mux.
func Routes(mux *http.ServeMux, a *api.API, realtime *ws.Server) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/logoff", a.LogoffHandler)

	mux.HandleFunc("GET /api/chats", a.RequireAuth(a.ChatsHandler))
	mux.HandleFunc("GET /api/chats/history/{visitorId}", a.RequireAuth(a.HistoryHandler))
	mux.HandleFunc("POST /api/chats/{visitorId}/message", a.RequireAuth(a.SendHandler))
	mux.HandleFunc("PUT /api/chats/{chatId}/status", a.RequireAuth(a.ChatStatusHandler))
	mux.HandleFunc("POST /api/chats/{chatId}/read", a.RequireAuth(a.ReadHandler))

	mux.HandleFunc("GET /api/visitors", a.RequireAuth(a.VisitorsHandler))
	mux.HandleFunc("GET /api/visitors/online", a.RequireAuth(a.OnlineHandler))
	mux.HandleFunc("GET /api/visitors/{id}", a.RequireAuth(a.VisitorHandler))
	mux.HandleFunc("PUT /api/visitors/{id}", a.RequireAuth(a.UpdateVisitorHandler))

	mux.HandleFunc("GET /api/leads", a.RequireAuth(a.LeadsHandler))
	mux.HandleFunc("POST /api/leads", a.RequireAuth(a.CreateLeadHandler))
	mux.HandleFunc("PUT /api/leads/{id}", a.RequireAuth(a.UpdateLeadHandler))

	mux.HandleFunc("GET /api/push/key", a.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscriptions", a.RequireAuth(a.SubscribeHandler))
	mux.HandleFunc("DELETE /api/push/subscriptions", a.RequireAuth(a.UnsubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/ws", realtime.HandleConnections)
}

func (s *APIServer) Start() error {
	s.log.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
