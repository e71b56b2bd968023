package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"salesiq/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

const companyID = "65a1b2c3d4e5f60718293a00"

type memStore struct {
	mu   sync.Mutex
	subs map[string]models.PushSubscription
}

func newMemStore() *memStore {
	return &memStore{subs: make(map[string]models.PushSubscription)}
}

func (m *memStore) UpsertPushSubscription(sub models.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *memStore) ListPushSubscriptions(companyID string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []models.PushSubscription
	for _, s := range m.subs {
		if s.CompanyID == companyID {
			subs = append(subs, s)
		}
	}
	return subs, nil
}

func (m *memStore) DeletePushSubscription(companyID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// browserKeys returns the subscription keys a browser would report.
func browserKeys(t *testing.T) (auth, p256dh string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(secret), base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
}

func newTestNotifier(t *testing.T, store Store) *Notifier {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return New(Config{
		Store:      store,
		PublicKey:  public,
		PrivateKey: private,
		Subscriber: "ops@example.com",
		BaseURL:    "https://chat.example.com/",
		QueueSize:  1,
	})
}

func TestDeliver(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "vapid ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusGone)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := newMemStore()
	for _, path := range []string{"/ok", "/gone"} {
		auth, p256dh := browserKeys(t)
		require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{
			CompanyID: companyID,
			AgentID:   "agent" + path,
			Endpoint:  srv.URL + path,
			Auth:      auth,
			P256dh:    p256dh,
		}))
	}

	n := newTestNotifier(t, store)
	sent := n.deliver(context.Background(), models.Notification{
		CompanyID: companyID,
		Title:     "New chat CH-1",
		Body:      "Hello",
	})
	require.Equal(t, 1, sent)
	require.Equal(t, int32(1), delivered.Load())
	require.Equal(t, 1, store.len(), "gone subscription is removed")
}

func TestChatStarted(t *testing.T) {
	t.Run("Disabled without keys", func(t *testing.T) {
		n := New(Config{Store: newMemStore()})
		require.False(t, n.Enabled())
		n.ChatStarted(models.Chat{ID: "c1", CompanyID: companyID}, models.Message{Text: "hi"})
		require.Len(t, n.queue, 0)
	})

	t.Run("Queues preview and drops when full", func(t *testing.T) {
		n := newTestNotifier(t, newMemStore())
		long := strings.Repeat("a", previewLength+10)
		chat := models.Chat{ID: "c1", ChatID: "CH-1", CompanyID: companyID, VisitorID: "v1"}

		n.ChatStarted(chat, models.Message{Text: long})
		n.ChatStarted(chat, models.Message{Text: "second"})
		require.Len(t, n.queue, 1)

		got := <-n.queue
		require.Equal(t, "New chat CH-1", got.Title)
		require.Equal(t, "https://chat.example.com/admin/chats?visitor=v1", got.URL)
		require.Equal(t, previewLength+1, len([]rune(got.Body)))
	})
}

func TestSubscribe(t *testing.T) {
	n := newTestNotifier(t, newMemStore())
	ctx := context.Background()

	err := n.Subscribe(ctx, models.PushSubscription{CompanyID: companyID, Endpoint: "http://push.example.com/x", Auth: "a", P256dh: "b"})
	require.True(t, errors.Is(err, models.ErrInvalidInput))

	err = n.Subscribe(ctx, models.PushSubscription{CompanyID: companyID, Endpoint: "https://push.example.com/x"})
	require.True(t, errors.Is(err, models.ErrInvalidInput))

	require.NoError(t, n.Subscribe(ctx, models.PushSubscription{CompanyID: companyID, Endpoint: "https://push.example.com/x", Auth: "a", P256dh: "b"}))
	require.NoError(t, n.Unsubscribe(ctx, companyID, "https://push.example.com/x"))
}

func TestRunStopsOnCancel(t *testing.T) {
	n := newTestNotifier(t, newMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}
