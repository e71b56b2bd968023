package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"salesiq/internal/chat"
	"salesiq/internal/ids"
	"salesiq/internal/models"
	"salesiq/internal/registry"
)

const DefaultSendTimeout = 5 * time.Second

type Sessions interface {
	RegisterVisitor(ctx context.Context, join models.VisitorJoin) (models.VisitorSession, models.Visitor, error)
	RegisterAgent(connID, companyID, agentID string) (models.AgentSession, []models.OnlineVisitor, error)
	Lookup(connID string) (registry.Conn, bool)
	Online(connID string) (models.OnlineVisitor, bool)
	UpdateVisitor(visitor models.Visitor)
}

type Presence interface {
	Heartbeat(connID, sessionID string) bool
	PageView(connID, pageURL string) bool
	Disconnect(ctx context.Context, connID string) registry.Removal
}

type Router interface {
	VisitorSend(ctx context.Context, in chat.Outgoing) (models.Message, error)
	AgentSend(ctx context.Context, in chat.Outgoing) (models.Message, error)
	Close(ctx context.Context, companyID, chatID, reason, agentID string) (models.Chat, error)
	MarkRead(ctx context.Context, companyID, chatID string) (models.Chat, error)
}

type Leads interface {
	CaptureLead(ctx context.Context, req models.LeadCapture) (models.Lead, models.Visitor, bool, error)
}

type Outboxes interface {
	Attach(connID string) <-chan models.ServerEvent
	Detach(connID string)
	SendToConnection(connID, event string, payload any) bool
	BroadcastToCompany(companyID, event string, payload any) int
}

type HubConfig struct {
	Sessions Sessions
	Presence Presence
	Router   Router
	Leads    Leads
	Events   Outboxes
	// SendTimeout bounds how long a message send may wait for its chat.
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Hub dispatches realtime events to the registry, presence tracker, chat
// router and lead service. It keeps no state of its own.
type Hub struct {
	sessions    Sessions
	presence    Presence
	router      Router
	leads       Leads
	events      Outboxes
	sendTimeout time.Duration
	log         *slog.Logger
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		sessions:    cfg.Sessions,
		presence:    cfg.Presence,
		router:      cfg.Router,
		leads:       cfg.Leads,
		events:      cfg.Events,
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Logger,
	}
}

func (h *Hub) Join(connID string) <-chan models.ServerEvent {
	return h.events.Attach(connID)
}

// Leave removes a closed connection. A visitor's last session going away marks
// the visitor offline.
func (h *Hub) Leave(ctx context.Context, connID string) {
	if _, ok := h.sessions.Lookup(connID); ok {
		h.presence.Disconnect(ctx, connID)
	}
	h.events.Detach(connID)
}

func (h *Hub) Dispatch(ctx context.Context, client Client, msg models.ClientEvent) {
	var err error
	switch msg.Event {
	case models.EventVisitorJoin:
		err = h.visitorJoin(ctx, client, msg.Data)
	case models.EventVisitorHeartbeat:
		err = h.heartbeat(client, msg.Data)
	case models.EventVisitorPageView:
		err = h.pageView(client, msg.Data)
	case models.EventVisitorMessage:
		h.visitorMessage(ctx, client, msg.Data)
	case models.EventLeadCapture:
		err = h.leadCapture(ctx, client, msg.Data)
	case models.EventAgentJoin:
		err = h.agentJoin(client, msg.Data)
	case models.EventAgentMessage:
		h.agentMessage(ctx, client, msg.Data)
	case models.EventChatClose:
		err = h.chatClose(ctx, client, msg.Data)
	case models.EventChatRead:
		err = h.chatRead(ctx, client, msg.Data)
	default:
		err = fmt.Errorf("unknown event %q: %w", msg.Event, models.ErrInvalidInput)
	}

	if err != nil {
		h.fail(client.ConnID, msg.Event, err)
	}
}

func (h *Hub) fail(connID, event string, err error) {
	text := errorText(err)
	if text == internalError {
		h.log.Error("event failed", "connection_id", connID, "event", event, "error", err)
	} else {
		h.log.Debug("event rejected", "connection_id", connID, "event", event, "error", err)
	}
	h.events.SendToConnection(connID, models.EventError, models.ErrorPayload{Event: event, Message: text})
}

const internalError = "internal error"

// errorText is the client-facing text of err. Errors outside the domain
// sentinels are not exposed.
func errorText(err error) string {
	for _, known := range []error{
		models.ErrNotFound,
		models.ErrUnknownConnection,
		models.ErrInvalidID,
		models.ErrChatClosed,
		models.ErrChatOpen,
		models.ErrEmptyMessage,
		models.ErrForbidden,
		models.ErrInvalidInput,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return internalError
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload: %w", models.ErrInvalidInput)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", models.ErrInvalidInput)
	}
	return nil
}

// visitorConn returns the registration of a connection that joined as a visitor.
func (h *Hub) visitorConn(connID string) (registry.Conn, error) {
	conn, ok := h.sessions.Lookup(connID)
	if !ok {
		return registry.Conn{}, fmt.Errorf("join first: %w", models.ErrUnknownConnection)
	}
	if conn.Role != registry.RoleVisitor {
		return registry.Conn{}, fmt.Errorf("not a visitor connection: %w", models.ErrForbidden)
	}
	return conn, nil
}

func (h *Hub) agentConn(connID string) (registry.Conn, error) {
	conn, ok := h.sessions.Lookup(connID)
	if !ok {
		return registry.Conn{}, fmt.Errorf("join first: %w", models.ErrUnknownConnection)
	}
	if conn.Role != registry.RoleAgent {
		return registry.Conn{}, fmt.Errorf("not an agent connection: %w", models.ErrForbidden)
	}
	return conn, nil
}

func (h *Hub) visitorJoin(ctx context.Context, client Client, data json.RawMessage) error {
	var join models.VisitorJoin
	if err := decode(data, &join); err != nil {
		return err
	}
	join.ConnectionID = client.ConnID
	join.IP = client.IP
	if join.UserAgent == "" {
		join.UserAgent = client.UserAgent
	}

	session, visitor, err := h.sessions.RegisterVisitor(ctx, join)
	if err != nil {
		return err
	}
	h.log.Debug("visitor joined", "connection_id", client.ConnID, "visitor_id", visitor.ID, "session_id", session.SessionID)

	h.events.SendToConnection(client.ConnID, models.EventVisitorRegistered, visitor)
	if online, ok := h.sessions.Online(client.ConnID); ok {
		h.events.BroadcastToCompany(session.CompanyID, models.EventVisitorUpdated, online)
	}
	return nil
}

func (h *Hub) heartbeat(client Client, data json.RawMessage) error {
	var hb models.Heartbeat
	if len(data) > 0 {
		if err := decode(data, &hb); err != nil {
			return err
		}
	}
	// Unknown connections are a normal race with disconnect.
	h.presence.Heartbeat(client.ConnID, hb.SessionID)
	return nil
}

func (h *Hub) pageView(client Client, data json.RawMessage) error {
	var pv models.PageView
	if err := decode(data, &pv); err != nil {
		return err
	}
	h.presence.PageView(client.ConnID, pv.PageURL)
	return nil
}

// visitorMessage reports failures as message-failed so the widget can mark
// the optimistic message identified by tempId.
func (h *Hub) visitorMessage(ctx context.Context, client Client, data json.RawMessage) {
	var req models.ChatMessageRequest
	err := decode(data, &req)
	if err == nil {
		var conn registry.Conn
		if conn, err = h.visitorConn(client.ConnID); err == nil {
			ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()
			// The sender is always the registered visitor, whatever the payload says.
			_, err = h.router.VisitorSend(ctx, chat.Outgoing{
				CompanyID: conn.CompanyID,
				VisitorID: conn.VisitorID,
				Text:      req.Text,
				TempID:    req.TempID,
			})
		}
	}
	if err != nil {
		h.messageFailed(client.ConnID, models.EventVisitorMessage, req.TempID, err)
	}
}

func (h *Hub) agentMessage(ctx context.Context, client Client, data json.RawMessage) {
	var req models.ChatMessageRequest
	err := decode(data, &req)
	if err == nil {
		var conn registry.Conn
		if conn, err = h.agentConn(client.ConnID); err == nil {
			ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()
			_, err = h.router.AgentSend(ctx, chat.Outgoing{
				CompanyID: conn.CompanyID,
				VisitorID: req.VisitorID,
				AgentID:   conn.AgentID,
				Text:      req.Text,
				TempID:    req.TempID,
			})
		}
	}
	if err != nil {
		h.messageFailed(client.ConnID, models.EventAgentMessage, req.TempID, err)
	}
}

func (h *Hub) messageFailed(connID, event, tempID string, err error) {
	text := errorText(err)
	if text == internalError {
		h.log.Error("message send failed", "connection_id", connID, "event", event, "error", err)
	}
	h.events.SendToConnection(connID, models.EventMessageFailed, models.MessageFailed{TempID: tempID, Error: text})
}

func (h *Hub) leadCapture(ctx context.Context, client Client, data json.RawMessage) error {
	var req models.LeadCapture
	if err := decode(data, &req); err != nil {
		return err
	}
	conn, err := h.visitorConn(client.ConnID)
	if err != nil {
		return err
	}
	req.VisitorID = conn.VisitorID
	req.CompanyID = conn.CompanyID

	lead, visitor, _, err := h.leads.CaptureLead(ctx, req)
	if err != nil {
		return err
	}
	h.sessions.UpdateVisitor(visitor)

	h.events.SendToConnection(client.ConnID, models.EventLeadCaptured, lead)
	h.events.BroadcastToCompany(conn.CompanyID, models.EventLeadCaptured, lead)
	if online, ok := h.sessions.Online(client.ConnID); ok {
		h.events.BroadcastToCompany(conn.CompanyID, models.EventVisitorUpdated, online)
	}
	return nil
}

func (h *Hub) agentJoin(client Client, data json.RawMessage) error {
	if client.Agent == nil {
		return fmt.Errorf("agent credentials required: %w", models.ErrForbidden)
	}
	var join models.AgentJoin
	if len(data) > 0 {
		if err := decode(data, &join); err != nil {
			return err
		}
	}
	companyID := client.Agent.CompanyID
	if strings.TrimSpace(join.CompanyID) != "" {
		requested, ok := ids.Normalize(join.CompanyID)
		if !ok {
			return fmt.Errorf("company id %q: %w", join.CompanyID, models.ErrInvalidID)
		}
		if requested != companyID {
			return fmt.Errorf("agent is not a member of company %s: %w", requested, models.ErrForbidden)
		}
	}

	agent, snapshot, err := h.sessions.RegisterAgent(client.ConnID, companyID, client.Agent.ID)
	if err != nil {
		return err
	}
	h.log.Debug("agent joined", "connection_id", client.ConnID, "company_id", agent.CompanyID, "online", len(snapshot))
	return nil
}

func (h *Hub) chatClose(ctx context.Context, client Client, data json.RawMessage) error {
	var action models.ChatAction
	if err := decode(data, &action); err != nil {
		return err
	}
	conn, err := h.agentConn(client.ConnID)
	if err != nil {
		return err
	}
	_, err = h.router.Close(ctx, conn.CompanyID, action.ChatID, action.Reason, conn.AgentID)
	return err
}

func (h *Hub) chatRead(ctx context.Context, client Client, data json.RawMessage) error {
	var action models.ChatAction
	if err := decode(data, &action); err != nil {
		return err
	}
	conn, err := h.agentConn(client.ConnID)
	if err != nil {
		return err
	}
	_, err = h.router.MarkRead(ctx, conn.CompanyID, action.ChatID)
	return err
}
