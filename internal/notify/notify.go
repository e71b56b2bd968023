package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"salesiq/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	DefaultQueueSize = 64
	pushTTL          = 60
	previewLength    = 120
)

type Store interface {
	UpsertPushSubscription(sub models.PushSubscription) error
	ListPushSubscriptions(companyID string) ([]models.PushSubscription, error)
	DeletePushSubscription(companyID, endpoint string) error
}

type Config struct {
	Store Store
	// VAPID key pair. Without both keys push is disabled and
	// ChatStarted is a no-op.
	PublicKey  string
	PrivateKey string
	Subscriber string
	BaseURL    string
	QueueSize  int
	HTTPClient webpush.HTTPClient
	Logger     *slog.Logger
}

type Notifier struct {
	store      Store
	publicKey  string
	privateKey string
	subscriber string
	baseURL    string
	client     webpush.HTTPClient
	log        *slog.Logger

	queue chan models.Notification
}

func New(cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		store:      cfg.Store,
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		subscriber: cfg.Subscriber,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     cfg.HTTPClient,
		log:        cfg.Logger,
		queue:      make(chan models.Notification, cfg.QueueSize),
	}
}

func (n *Notifier) Enabled() bool {
	return n.publicKey != "" && n.privateKey != ""
}

// PublicKey is the VAPID application server key browsers subscribe with.
func (n *Notifier) PublicKey() string {
	return n.publicKey
}

// Subscribe stores an agent's push subscription for the company.
func (n *Notifier) Subscribe(ctx context.Context, sub models.PushSubscription) error {
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("push endpoint must be an https url: %w", models.ErrInvalidInput)
	}
	if sub.Auth == "" || sub.P256dh == "" {
		return fmt.Errorf("push subscription keys are required: %w", models.ErrInvalidInput)
	}
	return n.store.UpsertPushSubscription(sub)
}

func (n *Notifier) Unsubscribe(ctx context.Context, companyID, endpoint string) error {
	return n.store.DeletePushSubscription(companyID, endpoint)
}

// ChatStarted queues a notification for the company's agents. A full queue
// drops the notification.
func (n *Notifier) ChatStarted(chat models.Chat, first models.Message) {
	if !n.Enabled() {
		return
	}

	body := first.Text
	if r := []rune(body); len(r) > previewLength {
		body = string(r[:previewLength]) + "…"
	}
	notification := models.Notification{
		CompanyID: chat.CompanyID,
		Title:     "New chat " + chat.ChatID,
		Body:      body,
		URL:       n.baseURL + "/admin/chats?visitor=" + url.QueryEscape(chat.VisitorID),
		ChatID:    chat.ID,
	}

	select {
	case n.queue <- notification:
	default:
		n.log.Warn("push queue full, notification dropped", "chat_id", chat.ID)
	}
}

// Run delivers queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case notification := <-n.queue:
			n.deliver(ctx, notification)
		case <-ctx.Done():
			return nil
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, notification models.Notification) int {
	subs, err := n.store.ListPushSubscriptions(notification.CompanyID)
	if err != nil {
		n.log.Error("failed to list push subscriptions", "company_id", notification.CompanyID, "error", err)
		return 0
	}
	payload, err := json.Marshal(notification)
	if err != nil {
		n.log.Error("failed to encode notification", "error", err)
		return 0
	}

	sent := 0
	for _, sub := range subs {
		err := n.send(ctx, payload, sub)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, errGone):
			n.log.Info("removing expired push subscription", "company_id", sub.CompanyID, "agent_id", sub.AgentID)
			if err := n.store.DeletePushSubscription(sub.CompanyID, sub.Endpoint); err != nil {
				n.log.Error("failed to remove push subscription", "error", err)
			}
		default:
			n.log.Warn("push delivery failed", "agent_id", sub.AgentID, "error", err)
		}
	}
	return sent
}

var errGone = errors.New("push subscription gone")

func (n *Notifier) send(ctx context.Context, payload []byte, sub models.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.subscriber,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  n.publicKey,
		VAPIDPrivateKey: n.privateKey,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service responded %s", resp.Status)
	}
	return nil
}
