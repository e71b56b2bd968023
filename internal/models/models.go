package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidID         = errors.New("invalid id")
	ErrChatClosed        = errors.New("chat is closed")
	ErrChatOpen          = errors.New("visitor already has an open chat")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceOffline PresenceStatus = "offline"
)

// Location is filled by an external geo lookup. The core only carries it.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
	IP      string `json:"ip,omitempty"`
}

type Device struct {
	UserAgent string `json:"userAgent,omitempty"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Visitor is the persistent identity of a website visitor.
type Visitor struct {
	ID         string         `json:"_id"`
	CompanyID  string         `json:"companyId"`
	WebsiteID  string         `json:"websiteId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Location   Location       `json:"location"`
	Device     Device         `json:"device"`
	Status     PresenceStatus `json:"status"`
	Visits     int            `json:"visits"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastSeenAt time.Time      `json:"lastSeen"`

	// LastSessionID is the widget session that last counted as a visit.
	LastSessionID string `json:"-"`
}

// VisitorSession is the live state of one visitor connection (one browser tab).
type VisitorSession struct {
	ConnectionID      string         `json:"-"`
	VisitorID         string         `json:"visitorId"`
	CompanyID         string         `json:"companyId"`
	WebsiteID         string         `json:"websiteId,omitempty"`
	SessionID         string         `json:"sessionId"`
	CurrentPageURL    string         `json:"pageUrl"`
	UserAgent         string         `json:"userAgent"`
	JoinedAt          time.Time      `json:"sessionStart"`
	LastHeartbeatAt   time.Time      `json:"lastHeartbeatAt"`
	LastInteractionAt time.Time      `json:"lastActiveAt"`
	Status            PresenceStatus `json:"status"`
}

// Duration is how long the session has been live at now.
func (s VisitorSession) Duration(now time.Time) time.Duration {
	if now.Before(s.JoinedAt) {
		return 0
	}
	return now.Sub(s.JoinedAt)
}

type AgentSession struct {
	ConnectionID string    `json:"-"`
	CompanyID    string    `json:"companyId"`
	AgentID      string    `json:"agentId,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type Stage string

const (
	StageNew       Stage = "new"
	StageReturning Stage = "returning"
	StageContacted Stage = "contacted"
	StageChat      Stage = "chat"
)

// OnlineVisitor is one entry of the active-visitors snapshot.
type OnlineVisitor struct {
	VisitorSession
	DurationSeconds int64   `json:"durationSeconds"`
	Ring            int     `json:"ring"`
	Stage           Stage   `json:"stage"`
	HasActiveChat   bool    `json:"hasActiveChat"`
	Visitor         Visitor `json:"visitor"`
}

// SessionUpdate is the incremental session-updated payload.
type SessionUpdate struct {
	SessionID       string         `json:"sessionId"`
	VisitorID       string         `json:"visitorId"`
	PageURL         string         `json:"pageUrl"`
	LastActiveAt    time.Time      `json:"lastActiveAt"`
	DurationSeconds int64          `json:"durationSeconds"`
	Ring            int            `json:"ring"`
	Status          PresenceStatus `json:"status"`
}

type ChatStatus string

const (
	ChatStatusOpen   ChatStatus = "open"
	ChatStatusMissed ChatStatus = "missed"
	ChatStatusClosed ChatStatus = "closed"
)

// Chat is the conversation thread between a visitor and the company's agents.
type Chat struct {
	ID            string     `json:"_id"`
	ChatID        string     `json:"chatId"`
	VisitorID     string     `json:"visitorId"`
	CompanyID     string     `json:"companyId"`
	Status        ChatStatus `json:"status"`
	LastMessage   string     `json:"lastMessage"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	UnreadCount   int        `json:"unreadCount"`
	AgentReplied  bool       `json:"agentReplied"`
	ClosedReason  string     `json:"closedReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (c Chat) IsOpen() bool {
	return c.Status == ChatStatusOpen
}

type Sender string

const (
	SenderVisitor Sender = "visitor"
	SenderAgent   Sender = "agent"
	SenderSystem  Sender = "system"
)

// Message is immutable once stored. Seq is the insertion-order tiebreak.
type Message struct {
	ID        string    `json:"_id"`
	Seq       uint64    `json:"seq"`
	ChatID    string    `json:"chatId"`
	VisitorID string    `json:"visitorId"`
	CompanyID string    `json:"companyId"`
	Sender    Sender    `json:"sender"`
	AgentID   string    `json:"agentId,omitempty"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	TempID    string    `json:"tempId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusConverted LeadStatus = "converted"
	LeadStatusLost      LeadStatus = "lost"
)

func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusContacted, LeadStatusQualified, LeadStatusConverted, LeadStatusLost:
		return true
	}
	return false
}

type Lead struct {
	ID            string     `json:"_id"`
	VisitorID     string     `json:"visitor"`
	CompanyID     string     `json:"companyId"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone,omitempty"`
	Company       string     `json:"company,omitempty"`
	Role          string     `json:"role,omitempty"`
	Source        string     `json:"source,omitempty"`
	Status        LeadStatus `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastContacted *time.Time `json:"lastContacted,omitempty"`
}

// PushSubscription is a browser web-push endpoint registered by an agent.
type PushSubscription struct {
	CompanyID string `json:"companyId"`
	AgentID   string `json:"agentId,omitempty"`
	Endpoint  string `json:"endpoint"`
	Auth      string `json:"auth"`
	P256dh    string `json:"p256dh"`
}

// Notification is the web push payload shown to agents.
type Notification struct {
	CompanyID string `json:"-"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	URL       string `json:"url"`
	ChatID    string `json:"chatId"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
