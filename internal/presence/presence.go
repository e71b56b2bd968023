package presence

import (
	"context"
	"log/slog"
	"time"

	"salesiq/internal/models"
	"salesiq/internal/registry"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatMisses   = 5
	DefaultIdleAfter         = time.Minute
	DefaultSweepInterval     = 2 * time.Second
	minHeartbeatMisses       = 3
)

type Sessions interface {
	Heartbeat(connID, sessionID string) (models.VisitorSession, bool)
	Navigate(connID, pageURL string) (models.VisitorSession, bool)
	SetStatus(connID string, status models.PresenceStatus) bool
	RemoveConnection(connID string) registry.Removal
	RemoveIfSilent(connID string, deadline time.Time) registry.Removal
	Sessions() []models.VisitorSession
	Online(connID string) (models.OnlineVisitor, bool)
}

type Publisher interface {
	BroadcastToCompany(companyID, event string, payload any) int
	// Detach closes the connection's outbox, which ends its transport session.
	Detach(connID string)
}

// LastSeenRecorder persists the visitor's presence when the last session ends.
type LastSeenRecorder interface {
	Touch(ctx context.Context, visitorID string, status models.PresenceStatus, at time.Time) (models.Visitor, error)
}

type Config struct {
	Sessions Sessions
	Events   Publisher
	Visitors LastSeenRecorder

	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals may pass without a heartbeat
	// before the session is evicted. Values below 3 are raised to 3.
	HeartbeatMisses int
	// IdleAfter is the inactivity period after which a session is idle.
	// Zero disables the idle state.
	IdleAfter     time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Tracker struct {
	sessions Sessions
	events   Publisher
	visitors LastSeenRecorder
	log      *slog.Logger
	now      func() time.Time

	timeout       time.Duration
	idleAfter     time.Duration
	sweepInterval time.Duration
}

func New(cfg Config) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMisses == 0 {
		cfg.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if cfg.HeartbeatMisses < minHeartbeatMisses {
		cfg.HeartbeatMisses = minHeartbeatMisses
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		sessions:      cfg.Sessions,
		events:        cfg.Events,
		visitors:      cfg.Visitors,
		log:           cfg.Logger,
		now:           cfg.Now,
		timeout:       cfg.HeartbeatInterval * time.Duration(cfg.HeartbeatMisses),
		idleAfter:     cfg.IdleAfter,
		sweepInterval: cfg.SweepInterval,
	}
}

// Timeout is the heartbeat silence after which a session is evicted.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Classify returns the status the session should have at now.
func (t *Tracker) Classify(s models.VisitorSession, now time.Time) models.PresenceStatus {
	if now.Sub(s.LastHeartbeatAt) > t.timeout {
		return models.PresenceOffline
	}
	if t.idleAfter > 0 && now.Sub(s.LastInteractionAt) >= t.idleAfter {
		return models.PresenceIdle
	}
	return models.PresenceOnline
}

func sessionUpdate(s models.VisitorSession, now time.Time) models.SessionUpdate {
	d := s.Duration(now)
	return models.SessionUpdate{
		SessionID:       s.SessionID,
		VisitorID:       s.VisitorID,
		PageURL:         s.CurrentPageURL,
		LastActiveAt:    s.LastInteractionAt,
		DurationSeconds: int64(d / time.Second),
		Ring:            models.RingFor(d),
		Status:          s.Status,
	}
}

// Heartbeat refreshes a session and pushes its updated duration to the agents.
// Unknown connections are ignored.
func (t *Tracker) Heartbeat(connID, sessionID string) bool {
	s, ok := t.sessions.Heartbeat(connID, sessionID)
	if !ok {
		return false
	}
	t.events.BroadcastToCompany(s.CompanyID, models.EventSessionUpdated, sessionUpdate(s, t.now()))
	return true
}

// PageView records navigation, which also brings an idle session back online.
func (t *Tracker) PageView(connID, pageURL string) bool {
	before, _ := t.sessions.Online(connID)
	s, ok := t.sessions.Navigate(connID, pageURL)
	if !ok {
		return false
	}
	if before.Status != s.Status {
		t.publishVisitor(connID)
	}
	t.events.BroadcastToCompany(s.CompanyID, models.EventSessionUpdated, sessionUpdate(s, t.now()))
	return true
}

// Disconnect removes the connection. When it was the visitor's last session the
// visitor goes offline and its last-seen time is recorded.
func (t *Tracker) Disconnect(ctx context.Context, connID string) registry.Removal {
	return t.announce(ctx, t.sessions.RemoveConnection(connID), "disconnect")
}

func (t *Tracker) announce(ctx context.Context, removal registry.Removal, reason string) registry.Removal {
	if removal.Visitor == nil {
		return removal
	}

	now := t.now()
	s := *removal.Visitor
	s.Status = models.PresenceOffline
	t.events.BroadcastToCompany(s.CompanyID, models.EventSessionUpdated, sessionUpdate(s, now))

	if !removal.LastForVisitor {
		return removal
	}

	t.log.Debug("visitor offline", "visitor_id", s.VisitorID, "reason", reason)
	visitor, err := t.visitors.Touch(ctx, s.VisitorID, models.PresenceOffline, now)
	if err != nil {
		t.log.Error("failed to record last seen", "visitor_id", s.VisitorID, "error", err)
		visitor = models.Visitor{ID: s.VisitorID, CompanyID: s.CompanyID, LastSeenAt: now}
	}
	visitor.Status = models.PresenceOffline
	t.events.BroadcastToCompany(s.CompanyID, models.EventVisitorUpdated, visitor)
	return removal
}

func (t *Tracker) publishVisitor(connID string) {
	online, ok := t.sessions.Online(connID)
	if !ok {
		return
	}
	t.events.BroadcastToCompany(online.CompanyID, models.EventVisitorUpdated, online)
}

// Sweep evicts sessions whose heartbeats stopped and moves sessions between
// online and idle. Sessions removed concurrently are skipped.
func (t *Tracker) Sweep(ctx context.Context) {
	now := t.now()
	for _, s := range t.sessions.Sessions() {
		status := t.Classify(s, now)
		switch {
		case status == models.PresenceOffline:
			removal := t.sessions.RemoveIfSilent(s.ConnectionID, now.Add(-t.timeout))
			if removal.Visitor == nil {
				continue
			}
			t.log.Info("evicting silent session", "connection_id", s.ConnectionID, "visitor_id", s.VisitorID)
			t.announce(ctx, removal, "heartbeat timeout")
			// Closing the outbox ends the socket; the client rejoins on reconnect.
			t.events.Detach(s.ConnectionID)
		case status != s.Status:
			if t.sessions.SetStatus(s.ConnectionID, status) {
				t.publishVisitor(s.ConnectionID)
			}
		}
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
