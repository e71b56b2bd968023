package models

import "encoding/json"

// Realtime event names. Visitor events use the "visitor:" prefix the
// widget already emits.
const (
	EventVisitorJoin      = "visitor:join"
	EventVisitorHeartbeat = "visitor:heartbeat"
	EventVisitorPageView  = "visitor:pageview"
	EventVisitorMessage   = "visitor-message"
	EventLeadCapture      = "lead:capture"
	EventAgentJoin        = "agent-join"
	EventAgentMessage     = "agent-message"
	EventChatClose        = "chat:close"
	EventChatRead         = "chat:read"

	EventVisitorRegistered = "visitor-registered"
	EventActiveVisitors    = "active-visitors"
	EventVisitorUpdated    = "visitor-updated"
	EventSessionUpdated    = "session-updated"
	EventNewMessage        = "new-message"
	EventMessageFailed     = "message-failed"
	EventChatUpdated       = "chat-updated"
	EventLeadCaptured      = "lead-captured"
	EventError             = "error"
)

// ClientEvent is a frame received from a visitor or agent connection.
type ClientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a frame sent to a connection.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func NewEvent(name string, data any) ServerEvent {
	return ServerEvent{Event: name, Data: data}
}

type VisitorJoin struct {
	ConnectionID      string `json:"-"`
	CompanyID         string `json:"companyId"`
	ExistingVisitorID string `json:"existingVisitorId,omitempty"`
	SessionID         string `json:"sessionId"`
	UserAgent         string `json:"userAgent"`
	PageURL           string `json:"pageUrl"`
	WebsiteID         string `json:"websiteId,omitempty"`
	IP                string `json:"-"`
}

type Heartbeat struct {
	SessionID string `json:"sessionId"`
}

type PageView struct {
	SessionID string `json:"sessionId"`
	PageURL   string `json:"pageUrl"`
}

type AgentJoin struct {
	CompanyID string `json:"companyId"`
}

// UnmarshalJSON also accepts the bare company id string the dashboard sends.
func (a *AgentJoin) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		a.CompanyID = id
		return nil
	}
	type alias AgentJoin
	return json.Unmarshal(data, (*alias)(a))
}

type ChatMessageRequest struct {
	VisitorID string `json:"visitorId"`
	CompanyID string `json:"companyId"`
	Text      string `json:"text"`
	TempID    string `json:"tempId,omitempty"`
}

type ChatAction struct {
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

type LeadCapture struct {
	VisitorID string `json:"visitorId"`
	CompanyID string `json:"companyId"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Role      string `json:"role,omitempty"`
	Source    string `json:"source,omitempty"`
}

type MessageFailed struct {
	TempID string `json:"tempId,omitempty"`
	Error  string `json:"error"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
