package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"salesiq/internal/ids"
	"salesiq/internal/models"
)

// Resolver turns a join request into a persisted visitor. ExistingVisitorID is
// either empty or a well-formed id when it reaches the resolver.
type Resolver interface {
	ResolveVisitor(ctx context.Context, join models.VisitorJoin) (models.Visitor, error)
}

// Rooms is the broadcast group membership the registry maintains.
type Rooms interface {
	JoinCompany(companyID, connID string, initial ...models.ServerEvent)
	BindVisitor(visitorID, connID string)
	Leave(connID string)
}

type Role int

const (
	RoleNone Role = iota
	RoleVisitor
	RoleAgent
)

// Conn describes what a live connection is registered as.
type Conn struct {
	Role      Role
	CompanyID string
	VisitorID string
	SessionID string
	AgentID   string
}

// Removal reports what RemoveConnection took out of the registry.
type Removal struct {
	Visitor        *models.VisitorSession
	Agent          *models.AgentSession
	LastForVisitor bool
}

type Config struct {
	Resolver Resolver
	Rooms    Rooms
	Logger   *slog.Logger
	Now      func() time.Time
}

type visitorEntry struct {
	session models.VisitorSession
	visitor models.Visitor
}

type Registry struct {
	resolver Resolver
	rooms    Rooms
	log      *slog.Logger
	now      func() time.Time

	// connectionID -> visitor session
	visitors map[string]*visitorEntry
	// connectionID -> agent session
	agents map[string]models.AgentSession
	// visitorID -> connection IDs
	byVisitor map[string]map[string]struct{}
	// visitorIDs with an open chat
	activeChats map[string]bool

	mu sync.RWMutex
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		resolver:    cfg.Resolver,
		rooms:       cfg.Rooms,
		log:         cfg.Logger,
		now:         cfg.Now,
		visitors:    make(map[string]*visitorEntry),
		agents:      make(map[string]models.AgentSession),
		byVisitor:   make(map[string]map[string]struct{}),
		activeChats: make(map[string]bool),
	}
}

// RegisterVisitor resolves the visitor identity and registers the connection's
// session. A malformed existing id is discarded and a new visitor is minted.
func (r *Registry) RegisterVisitor(ctx context.Context, join models.VisitorJoin) (models.VisitorSession, models.Visitor, error) {
	companyID, ok := ids.Normalize(join.CompanyID)
	if !ok {
		return models.VisitorSession{}, models.Visitor{}, fmt.Errorf("company id %q: %w", join.CompanyID, models.ErrInvalidID)
	}
	join.CompanyID = companyID

	if join.ExistingVisitorID != "" {
		id, ok := ids.Normalize(join.ExistingVisitorID)
		if !ok {
			r.log.Info("discarding malformed visitor id", "connection_id", join.ConnectionID, "visitor_id", join.ExistingVisitorID)
		}
		join.ExistingVisitorID = id
	}

	visitor, err := r.resolver.ResolveVisitor(ctx, join)
	if err != nil {
		return models.VisitorSession{}, models.Visitor{}, fmt.Errorf("resolve visitor: %w", err)
	}

	now := r.now()
	session := models.VisitorSession{
		ConnectionID:      join.ConnectionID,
		VisitorID:         visitor.ID,
		CompanyID:         companyID,
		WebsiteID:         join.WebsiteID,
		SessionID:         join.SessionID,
		CurrentPageURL:    join.PageURL,
		UserAgent:         join.UserAgent,
		JoinedAt:          now,
		LastHeartbeatAt:   now,
		LastInteractionAt: now,
		Status:            models.PresenceOnline,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[join.ConnectionID]; ok {
		return models.VisitorSession{}, models.Visitor{}, fmt.Errorf("connection already joined as agent: %w", models.ErrForbidden)
	}
	if prev, ok := r.visitors[join.ConnectionID]; ok {
		r.unlinkVisitorLocked(prev.session.VisitorID, join.ConnectionID)
		if prev.session.VisitorID == visitor.ID && prev.session.SessionID == session.SessionID {
			session.JoinedAt = prev.session.JoinedAt
		}
	}

	r.visitors[join.ConnectionID] = &visitorEntry{session: session, visitor: visitor}
	if r.byVisitor[visitor.ID] == nil {
		r.byVisitor[visitor.ID] = make(map[string]struct{})
	}
	r.byVisitor[visitor.ID][join.ConnectionID] = struct{}{}
	r.rooms.BindVisitor(visitor.ID, join.ConnectionID)

	return session, visitor, nil
}

// RegisterAgent adds the agent connection to its company room. The snapshot of
// online visitors is enqueued to the agent before it can observe any room event.
func (r *Registry) RegisterAgent(connID, companyID, agentID string) (models.AgentSession, []models.OnlineVisitor, error) {
	normalized, ok := ids.Normalize(companyID)
	if !ok {
		return models.AgentSession{}, nil, fmt.Errorf("company id %q: %w", companyID, models.ErrInvalidID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.visitors[connID]; ok {
		return models.AgentSession{}, nil, fmt.Errorf("connection already joined as visitor: %w", models.ErrForbidden)
	}

	agent := models.AgentSession{
		ConnectionID: connID,
		CompanyID:    normalized,
		AgentID:      agentID,
		JoinedAt:     r.now(),
	}
	r.agents[connID] = agent

	snapshot := r.listOnlineLocked(normalized, r.now())
	r.rooms.JoinCompany(normalized, connID, models.NewEvent(models.EventActiveVisitors, snapshot))

	return agent, snapshot, nil
}

// Heartbeat refreshes the liveness of a visitor connection.
func (r *Registry) Heartbeat(connID, sessionID string) (models.VisitorSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.visitors[connID]
	if !ok {
		r.log.Warn("heartbeat for unknown connection", "connection_id", connID, "session_id", sessionID)
		return models.VisitorSession{}, false
	}
	if sessionID != "" && sessionID != entry.session.SessionID {
		r.log.Debug("heartbeat session mismatch", "connection_id", connID, "expected", entry.session.SessionID, "got", sessionID)
	}
	entry.session.LastHeartbeatAt = r.now()
	return entry.session, true
}

// Navigate records a page view, which counts as interaction.
func (r *Registry) Navigate(connID, pageURL string) (models.VisitorSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.visitors[connID]
	if !ok {
		r.log.Warn("page view for unknown connection", "connection_id", connID)
		return models.VisitorSession{}, false
	}
	now := r.now()
	if pageURL != "" {
		entry.session.CurrentPageURL = pageURL
	}
	entry.session.LastHeartbeatAt = now
	entry.session.LastInteractionAt = now
	entry.session.Status = models.PresenceOnline
	return entry.session, true
}

// SetStatus changes the presence status of a visitor connection.
func (r *Registry) SetStatus(connID string, status models.PresenceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.visitors[connID]
	if !ok {
		return false
	}
	entry.session.Status = status
	return true
}

// RemoveConnection drops the connection from the registry and its rooms.
// Unknown connections are logged and ignored.
func (r *Registry) RemoveConnection(connID string) Removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

// RemoveIfSilent removes a visitor connection only if its last heartbeat is
// still older than deadline. A heartbeat that raced the caller keeps it.
func (r *Registry) RemoveIfSilent(connID string, deadline time.Time) Removal {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.visitors[connID]
	if !ok || !entry.session.LastHeartbeatAt.Before(deadline) {
		return Removal{}
	}
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) Removal {
	var removal Removal
	if entry, ok := r.visitors[connID]; ok {
		session := entry.session
		delete(r.visitors, connID)
		removal.Visitor = &session
		removal.LastForVisitor = r.unlinkVisitorLocked(session.VisitorID, connID)
	} else if agent, ok := r.agents[connID]; ok {
		delete(r.agents, connID)
		removal.Agent = &agent
	} else {
		r.log.Warn("remove unknown connection", "connection_id", connID)
		return removal
	}

	r.rooms.Leave(connID)
	return removal
}

// unlinkVisitorLocked reports whether connID was the visitor's last connection.
func (r *Registry) unlinkVisitorLocked(visitorID, connID string) bool {
	conns := r.byVisitor[visitorID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byVisitor, visitorID)
		return true
	}
	return false
}

// ListOnline returns a snapshot of the company's online visitor sessions,
// longest-present first.
func (r *Registry) ListOnline(companyID string) []models.OnlineVisitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listOnlineLocked(companyID, r.now())
}

func (r *Registry) listOnlineLocked(companyID string, now time.Time) []models.OnlineVisitor {
	online := make([]models.OnlineVisitor, 0)
	for _, entry := range r.visitors {
		if entry.session.CompanyID != companyID {
			continue
		}
		online = append(online, r.annotateLocked(entry, now))
	}
	sort.Slice(online, func(i, j int) bool {
		if online[i].JoinedAt.Equal(online[j].JoinedAt) {
			return online[i].SessionID < online[j].SessionID
		}
		return online[i].JoinedAt.Before(online[j].JoinedAt)
	})
	return online
}

func (r *Registry) annotateLocked(entry *visitorEntry, now time.Time) models.OnlineVisitor {
	active := r.activeChats[entry.session.VisitorID]
	visitor := entry.visitor
	visitor.Status = entry.session.Status
	d := entry.session.Duration(now)
	return models.OnlineVisitor{
		VisitorSession:  entry.session,
		DurationSeconds: int64(d / time.Second),
		Ring:            models.RingFor(d),
		Stage:           models.StageFor(visitor, active),
		HasActiveChat:   active,
		Visitor:         visitor,
	}
}

// Online returns the annotated session of one connection.
func (r *Registry) Online(connID string) (models.OnlineVisitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.visitors[connID]
	if !ok {
		return models.OnlineVisitor{}, false
	}
	return r.annotateLocked(entry, r.now()), true
}

// Sessions returns a copy of every visitor session.
func (r *Registry) Sessions() []models.VisitorSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]models.VisitorSession, 0, len(r.visitors))
	for _, entry := range r.visitors {
		sessions = append(sessions, entry.session)
	}
	return sessions
}

// Lookup reports what the connection is registered as.
func (r *Registry) Lookup(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.visitors[connID]; ok {
		return Conn{
			Role:      RoleVisitor,
			CompanyID: entry.session.CompanyID,
			VisitorID: entry.session.VisitorID,
			SessionID: entry.session.SessionID,
		}, true
	}
	if agent, ok := r.agents[connID]; ok {
		return Conn{
			Role:      RoleAgent,
			CompanyID: agent.CompanyID,
			AgentID:   agent.AgentID,
		}, true
	}
	return Conn{}, false
}

func (r *Registry) VisitorOnline(visitorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byVisitor[visitorID]) > 0
}

// UpdateVisitor refreshes the visitor record carried by the visitor's sessions.
func (r *Registry) UpdateVisitor(visitor models.Visitor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID := range r.byVisitor[visitor.ID] {
		if entry, ok := r.visitors[connID]; ok {
			entry.visitor = visitor
		}
	}
}

// SetActiveChat marks whether the visitor currently has an open chat.
func (r *Registry) SetActiveChat(visitorID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active {
		r.activeChats[visitorID] = true
		return
	}
	delete(r.activeChats, visitorID)
}
