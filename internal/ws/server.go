package ws

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"salesiq/internal/auth"
	"salesiq/internal/ids"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Agent, error)
}

type Server struct {
	auth     Authenticator
	hub      eventHub
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

// NewServer serves the realtime channel. An empty allowedOrigins list accepts
// every origin.
func NewServer(authenticator Authenticator, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth: authenticator,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		log: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a browser.
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// HandleConnections upgrades the request and runs the connection until it
// closes. Visitors connect without credentials. A request that authenticates
// as an agent may additionally join its company room.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	client := Client{
		ConnID:    ids.ConnectionID(),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if agent, err := s.auth.Authenticate(r); err == nil {
		client.Agent = &agent
	} else if auth.TokenFromRequest(r) != "" {
		// A presented token that fails is an error, not a visitor.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	s.log.Debug("connection opened", "connection_id", client.ConnID, "agent", client.Agent != nil)
	if err := NewConnection(s.hub, conn, client).Handle(r.Context()); err != nil && !isClosure(err) {
		s.log.Warn("connection ended with error", "connection_id", client.ConnID, "error", err)
	}
	s.log.Debug("connection closed", "connection_id", client.ConnID)
}

func isClosure(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
