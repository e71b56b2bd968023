package broadcast

import (
	"log/slog"
	"sync"

	"salesiq/internal/models"
)

const DefaultOutboxSize = 256

type Config struct {
	OutboxSize int
	Logger     *slog.Logger
}

type Broadcaster struct {
	outboxSize int
	log        *slog.Logger

	// connectionID -> outbox
	outboxes map[string]chan models.ServerEvent
	// companyID -> agent connections
	rooms map[string]map[string]struct{}
	// visitorID -> visitor connections
	visitors map[string]map[string]struct{}
	// connectionID -> group keys, for Detach
	memberOf map[string]membership

	mu sync.RWMutex
}

type membership struct {
	companyID string
	visitorID string
}

func New(cfg Config) *Broadcaster {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broadcaster{
		outboxSize: cfg.OutboxSize,
		log:        cfg.Logger,
		outboxes:   make(map[string]chan models.ServerEvent),
		rooms:      make(map[string]map[string]struct{}),
		visitors:   make(map[string]map[string]struct{}),
		memberOf:   make(map[string]membership),
	}
}

// Attach creates the outbox of a connection. Attaching twice returns the existing outbox.
func (b *Broadcaster) Attach(connID string) <-chan models.ServerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.outboxes[connID]; ok {
		return ch
	}
	ch := make(chan models.ServerEvent, b.outboxSize)
	b.outboxes[connID] = ch
	return ch
}

// Detach removes the connection from every group and closes its outbox.
func (b *Broadcaster) Detach(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leaveLocked(connID)
	if ch, ok := b.outboxes[connID]; ok {
		close(ch)
		delete(b.outboxes, connID)
	}
}

// Leave removes the connection from its groups but keeps the outbox open.
func (b *Broadcaster) Leave(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(connID)
}

func (b *Broadcaster) leaveLocked(connID string) {
	m, ok := b.memberOf[connID]
	if !ok {
		return
	}
	if m.companyID != "" {
		removeMember(b.rooms, m.companyID, connID)
	}
	if m.visitorID != "" {
		removeMember(b.visitors, m.visitorID, connID)
	}
	delete(b.memberOf, connID)
}

func removeMember(groups map[string]map[string]struct{}, key, connID string) {
	members := groups[key]
	delete(members, connID)
	if len(members) == 0 {
		delete(groups, key)
	}
}

// JoinCompany adds an agent connection to the company room. The initial events
// are enqueued before the connection becomes visible to room broadcasts, so they
// always precede any later room event.
func (b *Broadcaster) JoinCompany(companyID, connID string, initial ...models.ServerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.outboxes[connID]
	if !ok {
		b.log.Warn("join company for unattached connection", "connection_id", connID, "company_id", companyID)
		return
	}
	for _, event := range initial {
		b.enqueue(connID, ch, event)
	}

	b.leaveLocked(connID)
	if b.rooms[companyID] == nil {
		b.rooms[companyID] = make(map[string]struct{})
	}
	b.rooms[companyID][connID] = struct{}{}
	b.memberOf[connID] = membership{companyID: companyID}
}

// BindVisitor adds a visitor connection to the visitor's group.
func (b *Broadcaster) BindVisitor(visitorID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.outboxes[connID]; !ok {
		b.log.Warn("bind visitor for unattached connection", "connection_id", connID, "visitor_id", visitorID)
		return
	}

	b.leaveLocked(connID)
	if b.visitors[visitorID] == nil {
		b.visitors[visitorID] = make(map[string]struct{})
	}
	b.visitors[visitorID][connID] = struct{}{}
	b.memberOf[connID] = membership{visitorID: visitorID}
}

// BroadcastToCompany delivers the event to every agent connection in the
// company room and returns the number of outboxes it was enqueued on.
func (b *Broadcaster) BroadcastToCompany(companyID, event string, payload any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deliver(b.rooms[companyID], models.NewEvent(event, payload))
}

// SendToVisitor delivers the event to every live connection of the visitor.
func (b *Broadcaster) SendToVisitor(visitorID, event string, payload any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deliver(b.visitors[visitorID], models.NewEvent(event, payload))
}

// SendToConnection delivers the event to a single connection.
func (b *Broadcaster) SendToConnection(connID, event string, payload any) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.outboxes[connID]
	if !ok {
		return false
	}
	return b.enqueue(connID, ch, models.NewEvent(event, payload))
}

// CompanyConnections returns the number of agent connections in the room.
func (b *Broadcaster) CompanyConnections(companyID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[companyID])
}

func (b *Broadcaster) deliver(members map[string]struct{}, event models.ServerEvent) int {
	delivered := 0
	for connID := range members {
		ch, ok := b.outboxes[connID]
		if !ok {
			continue
		}
		if b.enqueue(connID, ch, event) {
			delivered++
		}
	}
	return delivered
}

// enqueue must be called with b.mu held (read or write). Outboxes are only
// closed under the write lock, so the send cannot race with close.
func (b *Broadcaster) enqueue(connID string, ch chan models.ServerEvent, event models.ServerEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		b.log.Debug("outbox full, event dropped", "connection_id", connID, "event", event.Event)
		return false
	}
}
