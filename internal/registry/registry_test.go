package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"salesiq/internal/broadcast"
	"salesiq/internal/ids"
	"salesiq/internal/models"

	"github.com/stretchr/testify/require"
)

const (
	companyA = "65a1b2c3d4e5f60718293a00"
	companyB = "65a1b2c3d4e5f60718293b00"
)

// resolver mints a visitor per unknown id and remembers known ones.
type resolver struct {
	mu       sync.Mutex
	visitors map[string]models.Visitor
	calls    []models.VisitorJoin
	err      error
}

func (r *resolver) ResolveVisitor(ctx context.Context, join models.VisitorJoin) (models.Visitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, join)
	if r.err != nil {
		return models.Visitor{}, r.err
	}
	if v, ok := r.visitors[join.ExistingVisitorID]; ok && v.CompanyID == join.CompanyID {
		v.Visits++
		r.visitors[v.ID] = v
		return v, nil
	}
	v := models.Visitor{ID: ids.New(), CompanyID: join.CompanyID, Visits: 1}
	r.visitors[v.ID] = v
	return v, nil
}

type fixture struct {
	reg      *Registry
	events   *broadcast.Broadcaster
	resolver *resolver
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture() *fixture {
	f := &fixture{
		events:   broadcast.New(broadcast.Config{OutboxSize: 16}),
		resolver: &resolver{visitors: make(map[string]models.Visitor)},
		now:      time.Unix(1700000000, 0).UTC(),
	}
	f.reg = New(Config{Resolver: f.resolver, Rooms: f.events, Now: f.clock})
	return f
}

func (f *fixture) join(t *testing.T, connID, companyID, existing string) (models.VisitorSession, models.Visitor) {
	t.Helper()
	f.events.Attach(connID)
	s, v, err := f.reg.RegisterVisitor(context.Background(), models.VisitorJoin{
		ConnectionID:      connID,
		CompanyID:         companyID,
		ExistingVisitorID: existing,
		SessionID:         "session-" + connID,
		PageURL:           "https://shop.example.com/",
	})
	require.NoError(t, err)
	return s, v
}

func TestRegisterVisitor(t *testing.T) {
	t.Run("Mints and reuses identity", func(t *testing.T) {
		f := newFixture()
		s, v := f.join(t, "c1", companyA, "")
		require.Equal(t, v.ID, s.VisitorID)
		require.Equal(t, models.PresenceOnline, s.Status)
		require.Equal(t, f.clock(), s.JoinedAt)

		_, again := f.join(t, "c2", companyA, v.ID)
		require.Equal(t, v.ID, again.ID)
		require.True(t, f.reg.VisitorOnline(v.ID))
	})

	t.Run("Malformed id is discarded", func(t *testing.T) {
		f := newFixture()
		_, v := f.join(t, "c1", companyA, "not-a-visitor-id")
		require.Len(t, v.ID, 24)
		require.Empty(t, f.resolver.calls[0].ExistingVisitorID)
	})

	t.Run("Upper-case id is normalised", func(t *testing.T) {
		f := newFixture()
		_, v := f.join(t, "c1", companyA, "")
		_, again := f.join(t, "c2", companyA, toUpper(v.ID))
		require.Equal(t, v.ID, again.ID)
	})

	t.Run("Invalid company", func(t *testing.T) {
		f := newFixture()
		_, _, err := f.reg.RegisterVisitor(context.Background(), models.VisitorJoin{ConnectionID: "c1", CompanyID: "acme"})
		require.ErrorIs(t, err, models.ErrInvalidID)
		require.Empty(t, f.resolver.calls)
	})

	t.Run("Resolver failure", func(t *testing.T) {
		f := newFixture()
		f.resolver.err = errors.New("disk full")
		_, _, err := f.reg.RegisterVisitor(context.Background(), models.VisitorJoin{ConnectionID: "c1", CompanyID: companyA})
		require.Error(t, err)
		require.Empty(t, f.reg.Sessions())
	})

	t.Run("Rejoin replaces the session", func(t *testing.T) {
		f := newFixture()
		_, first := f.join(t, "c1", companyA, "")
		_, second := f.join(t, "c1", companyA, "")
		require.NotEqual(t, first.ID, second.ID)
		require.False(t, f.reg.VisitorOnline(first.ID))
		require.Len(t, f.reg.Sessions(), 1)
	})

	t.Run("Agent connection cannot join as visitor", func(t *testing.T) {
		f := newFixture()
		f.events.Attach("a1")
		_, _, err := f.reg.RegisterAgent("a1", companyA, "ann")
		require.NoError(t, err)
		_, _, err = f.reg.RegisterVisitor(context.Background(), models.VisitorJoin{ConnectionID: "a1", CompanyID: companyA})
		require.ErrorIs(t, err, models.ErrForbidden)
	})
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestRegisterAgentSnapshot(t *testing.T) {
	f := newFixture()
	for _, conn := range []string{"c1", "c2", "c3"} {
		f.join(t, conn, companyA, "")
		f.advance(time.Second)
	}
	f.join(t, "other", companyB, "")

	out := f.events.Attach("a1")
	agent, snapshot, err := f.reg.RegisterAgent("a1", companyA, "ann")
	require.NoError(t, err)
	require.Equal(t, companyA, agent.CompanyID)
	require.Len(t, snapshot, 3)
	require.Equal(t, "session-c1", snapshot[0].SessionID, "longest present first")
	require.Equal(t, int64(3), snapshot[0].DurationSeconds)

	f.events.BroadcastToCompany(companyA, models.EventVisitorUpdated, "later")

	first := <-out
	require.Equal(t, models.EventActiveVisitors, first.Event)
	require.Len(t, first.Data, 3)
	require.Equal(t, models.EventVisitorUpdated, (<-out).Event)

	_, _, err = f.reg.RegisterAgent("a2", "acme", "ann")
	require.ErrorIs(t, err, models.ErrInvalidID)
}

func TestHeartbeatAndNavigate(t *testing.T) {
	f := newFixture()
	f.join(t, "c1", companyA, "")

	f.advance(3 * time.Second)
	s, ok := f.reg.Heartbeat("c1", "session-c1")
	require.True(t, ok)
	require.Equal(t, f.clock(), s.LastHeartbeatAt)
	require.True(t, s.LastInteractionAt.Before(s.LastHeartbeatAt), "heartbeats are not interaction")

	_, ok = f.reg.Heartbeat("missing", "x")
	require.False(t, ok)

	require.True(t, f.reg.SetStatus("c1", models.PresenceIdle))
	f.advance(time.Second)
	s, ok = f.reg.Navigate("c1", "https://shop.example.com/pricing")
	require.True(t, ok)
	require.Equal(t, "https://shop.example.com/pricing", s.CurrentPageURL)
	require.Equal(t, f.clock(), s.LastInteractionAt)
	require.Equal(t, models.PresenceOnline, s.Status)

	_, ok = f.reg.Navigate("missing", "https://shop.example.com/")
	require.False(t, ok)
	require.False(t, f.reg.SetStatus("missing", models.PresenceIdle))
}

func TestRemoveConnection(t *testing.T) {
	f := newFixture()
	_, v := f.join(t, "c1", companyA, "")
	f.join(t, "c2", companyA, v.ID)

	removal := f.reg.RemoveConnection("c1")
	require.NotNil(t, removal.Visitor)
	require.False(t, removal.LastForVisitor)
	require.True(t, f.reg.VisitorOnline(v.ID))

	removal = f.reg.RemoveConnection("c2")
	require.True(t, removal.LastForVisitor)
	require.False(t, f.reg.VisitorOnline(v.ID))
	require.Empty(t, f.reg.ListOnline(companyA))

	removal = f.reg.RemoveConnection("c2")
	require.Nil(t, removal.Visitor)
	require.Nil(t, removal.Agent)

	f.events.Attach("a1")
	_, _, err := f.reg.RegisterAgent("a1", companyA, "ann")
	require.NoError(t, err)
	removal = f.reg.RemoveConnection("a1")
	require.NotNil(t, removal.Agent)
	require.Equal(t, 0, f.events.CompanyConnections(companyA))
}

func TestLookupAndAnnotations(t *testing.T) {
	f := newFixture()
	_, v := f.join(t, "c1", companyA, "")

	conn, ok := f.reg.Lookup("c1")
	require.True(t, ok)
	require.Equal(t, RoleVisitor, conn.Role)
	require.Equal(t, v.ID, conn.VisitorID)

	_, ok = f.reg.Lookup("nope")
	require.False(t, ok)

	online, ok := f.reg.Online("c1")
	require.True(t, ok)
	require.Equal(t, models.StageNew, online.Stage)
	require.Equal(t, 0, online.Ring)

	v.Email = "jane@example.com"
	f.reg.UpdateVisitor(v)
	online, _ = f.reg.Online("c1")
	require.Equal(t, models.StageContacted, online.Stage)

	f.reg.SetActiveChat(v.ID, true)
	f.advance(90 * time.Second)
	online, _ = f.reg.Online("c1")
	require.True(t, online.HasActiveChat)
	require.Equal(t, models.StageChat, online.Stage)
	require.Equal(t, 2, online.Ring)

	f.reg.SetActiveChat(v.ID, false)
	online, _ = f.reg.Online("c1")
	require.False(t, online.HasActiveChat)
}

func TestRemoveIfSilent(t *testing.T) {
	f := newFixture()
	_, v := f.join(t, "c1", companyA, "")
	joined := f.clock()

	f.advance(10 * time.Second)
	_, ok := f.reg.Heartbeat("c1", "session-c1")
	require.True(t, ok)

	removal := f.reg.RemoveIfSilent("c1", joined.Add(5*time.Second))
	require.Nil(t, removal.Visitor, "fresh heartbeat keeps the session")
	require.True(t, f.reg.VisitorOnline(v.ID))

	removal = f.reg.RemoveIfSilent("c1", f.clock().Add(time.Second))
	require.NotNil(t, removal.Visitor)
	require.True(t, removal.LastForVisitor)
	require.False(t, f.reg.VisitorOnline(v.ID))

	require.Nil(t, f.reg.RemoveIfSilent("c1", f.clock().Add(time.Hour)).Visitor)

	f.events.Attach("a1")
	_, _, err := f.reg.RegisterAgent("a1", companyA, "ann")
	require.NoError(t, err)
	require.Nil(t, f.reg.RemoveIfSilent("a1", f.clock().Add(time.Hour)).Agent, "agents have no heartbeat")
	_, ok = f.reg.Lookup("a1")
	require.True(t, ok)
}
