package broadcast

import (
	"testing"

	"salesiq/internal/models"

	"github.com/stretchr/testify/require"
)

func drain(ch <-chan models.ServerEvent) []models.ServerEvent {
	var events []models.ServerEvent
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestBroadcaster_CompanyRoom(t *testing.T) {
	b := New(Config{})

	a1 := b.Attach("a1")
	a2 := b.Attach("a2")
	other := b.Attach("a3")
	b.JoinCompany("c1", "a1")
	b.JoinCompany("c1", "a2")
	b.JoinCompany("c2", "a3")

	n := b.BroadcastToCompany("c1", models.EventVisitorUpdated, "v1")
	require.Equal(t, 2, n)
	require.Len(t, drain(a1), 1)
	require.Len(t, drain(a2), 1)
	require.Empty(t, drain(other))
	require.Equal(t, 2, b.CompanyConnections("c1"))
}

func TestBroadcaster_InitialEventsComeFirst(t *testing.T) {
	b := New(Config{})
	ch := b.Attach("a1")

	b.JoinCompany("c1", "a1", models.NewEvent(models.EventActiveVisitors, []string{"v1", "v2", "v3"}))
	b.BroadcastToCompany("c1", models.EventVisitorUpdated, "v4")

	events := drain(ch)
	require.Len(t, events, 2)
	require.Equal(t, models.EventActiveVisitors, events[0].Event)
	require.Equal(t, models.EventVisitorUpdated, events[1].Event)
}

func TestBroadcaster_VisitorTabs(t *testing.T) {
	b := New(Config{})
	tab1 := b.Attach("t1")
	tab2 := b.Attach("t2")
	b.BindVisitor("v1", "t1")
	b.BindVisitor("v1", "t2")

	require.Equal(t, 2, b.SendToVisitor("v1", models.EventNewMessage, "hi"))
	require.Len(t, drain(tab1), 1)
	require.Len(t, drain(tab2), 1)

	b.Detach("t1")
	_, ok := <-tab1
	require.False(t, ok, "outbox must be closed after detach")

	require.Equal(t, 1, b.SendToVisitor("v1", models.EventNewMessage, "again"))
	require.Equal(t, 0, b.SendToVisitor("unknown", models.EventNewMessage, "x"))
}

func TestBroadcaster_PerChatOrder(t *testing.T) {
	b := New(Config{})
	agent := b.Attach("a1")
	tab := b.Attach("t1")
	b.JoinCompany("c1", "a1")
	b.BindVisitor("v1", "t1")

	for i := 0; i < 10; i++ {
		b.BroadcastToCompany("c1", models.EventNewMessage, i)
		b.SendToVisitor("v1", models.EventNewMessage, i)
	}

	for _, ch := range []<-chan models.ServerEvent{agent, tab} {
		events := drain(ch)
		require.Len(t, events, 10)
		for i, e := range events {
			require.Equal(t, i, e.Data)
		}
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := New(Config{OutboxSize: 1})
	ch := b.Attach("a1")
	b.JoinCompany("c1", "a1")

	require.Equal(t, 1, b.BroadcastToCompany("c1", "e", 1))
	require.Equal(t, 0, b.BroadcastToCompany("c1", "e", 2))
	require.Len(t, drain(ch), 1)
}

func TestBroadcaster_UnknownConnection(t *testing.T) {
	b := New(Config{})
	require.False(t, b.SendToConnection("nope", "e", nil))
	b.JoinCompany("c1", "nope")
	require.Equal(t, 0, b.CompanyConnections("c1"))
	b.Detach("nope")
}
