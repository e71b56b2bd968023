package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"salesiq/internal/auth"
	"salesiq/internal/chat"
	"salesiq/internal/models"
	"salesiq/internal/visitors"
)

const maxBodySize = 1 << 20

type Auth interface {
	Authenticate(r *http.Request) (auth.Agent, error)
	Logoff(token string) error
}

type Chats interface {
	Chats(ctx context.Context, companyID string, status models.ChatStatus) ([]models.Chat, error)
	History(ctx context.Context, companyID, visitorID string) ([]models.Message, error)
	AgentSend(ctx context.Context, in chat.Outgoing) (models.Message, error)
	SetStatus(ctx context.Context, companyID, chatID string, status models.ChatStatus, reason, agentID string) (models.Chat, error)
	MarkRead(ctx context.Context, companyID, chatID string) (models.Chat, error)
}

type Visitors interface {
	Visitor(ctx context.Context, id string) (models.Visitor, error)
	Visitors(ctx context.Context, companyID string) ([]models.Visitor, error)
	UpdateVisitor(ctx context.Context, companyID, id string, patch visitors.VisitorPatch) (models.Visitor, error)
	Leads(ctx context.Context, companyID string, status models.LeadStatus) ([]models.Lead, error)
	CreateLead(ctx context.Context, companyID string, in visitors.LeadInput) (models.Lead, error)
	UpdateLead(ctx context.Context, companyID, id string, patch visitors.LeadPatch) (models.Lead, error)
}

// Online is the live side of the visitor list.
type Online interface {
	ListOnline(companyID string) []models.OnlineVisitor
	UpdateVisitor(visitor models.Visitor)
}

type Push interface {
	PublicKey() string
	Subscribe(ctx context.Context, sub models.PushSubscription) error
	Unsubscribe(ctx context.Context, companyID, endpoint string) error
}

type Publisher interface {
	BroadcastToCompany(companyID, event string, payload any) int
}

type Config struct {
	Auth     Auth
	Chats    Chats
	Visitors Visitors
	Online   Online
	Push     Push
	Events   Publisher

	// SendTimeout bounds a message send, including the wait for the chat lock.
	SendTimeout time.Duration
	Logger      *slog.Logger
}

const DefaultSendTimeout = 5 * time.Second

type API struct {
	auth     Auth
	chats    Chats
	visitors Visitors
	online   Online
	push     Push
	events   Publisher
	log      *slog.Logger

	sendTimeout time.Duration
}

func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &API{
		auth:     cfg.Auth,
		chats:    cfg.Chats,
		visitors: cfg.Visitors,
		online:   cfg.Online,
		push:     cfg.Push,
		events:   cfg.Events,
		log:      cfg.Logger,

		sendTimeout: cfg.SendTimeout,
	}
}

type agentKey struct{}

// RequireAuth rejects requests without a valid agent token and makes the
// agent available to the handler.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := a.auth.Authenticate(r)
		if err != nil {
			a.writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), agentKey{}, agent)))
	}
}

func agentFrom(r *http.Request) auth.Agent {
	agent, _ := r.Context().Value(agentKey{}).(auth.Agent)
	return agent
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to encode response", "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrChatClosed), errors.Is(err, models.ErrChatOpen):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidID), errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", "error", err)
		message = "Internal server error"
	}
	a.writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: "Invalid request body"})
		return false
	}
	return true
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		if err := a.auth.Logoff(token); err != nil {
			a.log.Debug("logoff with unusable token", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}
