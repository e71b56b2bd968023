package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"salesiq/internal/content"
	"salesiq/internal/ids"
	"salesiq/internal/models"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute

	IdleReason = "chat idle timeout"
)

type Store interface {
	GetVisitor(id string) (models.Visitor, error)

	OpenChat(companyID, visitorID string) (models.Chat, error)
	GetChat(id string) (models.Chat, error)
	SaveChat(chat models.Chat) error
	ListChats(companyID string, status models.ChatStatus) ([]models.Chat, error)
	ListOpenChats() ([]models.Chat, error)

	AppendMessage(chat models.Chat, message models.Message) (models.Message, error)
	ListMessages(visitorID string) ([]models.Message, error)
}

type Publisher interface {
	BroadcastToCompany(companyID, event string, payload any) int
	SendToVisitor(visitorID, event string, payload any) int
}

// Activity is told which visitors have an open chat.
type Activity interface {
	SetActiveChat(visitorID string, active bool)
}

// Notifier is told about chats started by a visitor. It must not block.
type Notifier interface {
	ChatStarted(chat models.Chat, first models.Message)
}

type Config struct {
	Store    Store
	Events   Publisher
	Activity Activity
	Notifier Notifier

	// IdleTimeout is how long an open chat may go without messages before
	// the sweep ends it.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

type Router struct {
	store    Store
	events   Publisher
	activity Activity
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	idleTimeout   time.Duration
	sweepInterval time.Duration

	locks *keyedMutex
}

func New(cfg Config) *Router {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
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
	return &Router{
		store:         cfg.Store,
		events:        cfg.Events,
		activity:      cfg.Activity,
		notifier:      cfg.Notifier,
		log:           cfg.Logger,
		now:           cfg.Now,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		locks:         newKeyedMutex(),
	}
}

// Outgoing is a message send request. VisitorID names the chat's visitor for
// both senders. AgentID is empty for visitor sends.
type Outgoing struct {
	CompanyID string
	VisitorID string
	AgentID   string
	Text      string
	TempID    string
}

func (o Outgoing) normalize() (Outgoing, error) {
	var ok bool
	if o.CompanyID, ok = ids.Normalize(o.CompanyID); !ok {
		return o, fmt.Errorf("company id: %w", models.ErrInvalidID)
	}
	if o.VisitorID, ok = ids.Normalize(o.VisitorID); !ok {
		return o, fmt.Errorf("visitor id: %w", models.ErrInvalidID)
	}
	return o, nil
}

// Restore marks visitors with a stored open chat as active. It runs once at startup.
func (r *Router) Restore() error {
	chats, err := r.store.ListOpenChats()
	if err != nil {
		return fmt.Errorf("list open chats: %w", err)
	}
	for _, c := range chats {
		r.activity.SetActiveChat(c.VisitorID, true)
	}
	r.log.Info("open chats restored", "count", len(chats))
	return nil
}

// VisitorSend appends a visitor message, opening a chat when none is open.
// The stored message carries the sender's tempId back to every recipient.
func (r *Router) VisitorSend(ctx context.Context, in Outgoing) (models.Message, error) {
	in, err := in.normalize()
	if err != nil {
		return models.Message{}, err
	}
	text, err := content.MessageText(in.Text)
	if err != nil {
		return models.Message{}, err
	}

	unlock, err := r.locks.lock(ctx, in.VisitorID)
	if err != nil {
		return models.Message{}, fmt.Errorf("wait for chat: %w", err)
	}
	defer unlock()

	chat, created, err := r.openOrCreate(in.CompanyID, in.VisitorID)
	if err != nil {
		return models.Message{}, err
	}

	now := notBefore(r.now(), chat.LastMessageAt)
	msg := models.Message{
		ID:        ids.New(),
		ChatID:    chat.ID,
		VisitorID: in.VisitorID,
		CompanyID: in.CompanyID,
		Sender:    models.SenderVisitor,
		Text:      text,
		TempID:    in.TempID,
		CreatedAt: now,
	}
	chat.LastMessage = text
	chat.LastMessageAt = now
	chat.UpdatedAt = now
	chat.UnreadCount++

	stored, err := r.store.AppendMessage(chat, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}

	if created {
		r.activity.SetActiveChat(chat.VisitorID, true)
		r.log.Info("chat started", "chat_id", chat.ChatID, "visitor_id", chat.VisitorID, "company_id", chat.CompanyID)
	}
	r.publish(chat, stored)
	if created && r.notifier != nil {
		r.notifier.ChatStarted(chat, stored)
	}
	return stored, nil
}

// AgentSend appends an agent message and resets the unread count. An agent
// may start a chat with a visitor of its own company.
func (r *Router) AgentSend(ctx context.Context, in Outgoing) (models.Message, error) {
	in, err := in.normalize()
	if err != nil {
		return models.Message{}, err
	}
	text, err := content.MessageText(in.Text)
	if err != nil {
		return models.Message{}, err
	}
	rendered, err := content.RenderMarkdown(text)
	if err != nil {
		return models.Message{}, fmt.Errorf("render message: %w", err)
	}

	visitor, err := r.store.GetVisitor(in.VisitorID)
	if err != nil {
		return models.Message{}, fmt.Errorf("chat visitor: %w", err)
	}
	if visitor.CompanyID != in.CompanyID {
		return models.Message{}, fmt.Errorf("chat visitor: %w", models.ErrNotFound)
	}

	unlock, err := r.locks.lock(ctx, in.VisitorID)
	if err != nil {
		return models.Message{}, fmt.Errorf("wait for chat: %w", err)
	}
	defer unlock()

	chat, created, err := r.openOrCreate(in.CompanyID, in.VisitorID)
	if err != nil {
		return models.Message{}, err
	}

	now := notBefore(r.now(), chat.LastMessageAt)
	msg := models.Message{
		ID:        ids.New(),
		ChatID:    chat.ID,
		VisitorID: in.VisitorID,
		CompanyID: in.CompanyID,
		Sender:    models.SenderAgent,
		AgentID:   in.AgentID,
		Text:      text,
		HTML:      rendered,
		TempID:    in.TempID,
		CreatedAt: now,
	}
	chat.LastMessage = text
	chat.LastMessageAt = now
	chat.UpdatedAt = now
	chat.UnreadCount = 0
	chat.AgentReplied = true

	stored, err := r.store.AppendMessage(chat, msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("store message: %w", err)
	}
	if created {
		r.activity.SetActiveChat(chat.VisitorID, true)
	}
	r.publish(chat, stored)
	return stored, nil
}

func (r *Router) openOrCreate(companyID, visitorID string) (models.Chat, bool, error) {
	chat, err := r.store.OpenChat(companyID, visitorID)
	switch {
	case err == nil:
		return chat, false, nil
	case !errors.Is(err, models.ErrNotFound):
		return models.Chat{}, false, fmt.Errorf("load open chat: %w", err)
	}

	now := r.now()
	return models.Chat{
		ID:        ids.New(),
		ChatID:    ids.ShortChatID(),
		VisitorID: visitorID,
		CompanyID: companyID,
		Status:    models.ChatStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// publish sends the message to the company room and every tab of the visitor,
// followed by the chat's new metadata.
func (r *Router) publish(chat models.Chat, msg models.Message) {
	r.events.BroadcastToCompany(chat.CompanyID, models.EventNewMessage, msg)
	r.events.SendToVisitor(chat.VisitorID, models.EventNewMessage, msg)
	r.events.BroadcastToCompany(chat.CompanyID, models.EventChatUpdated, chat)
	r.events.SendToVisitor(chat.VisitorID, models.EventChatUpdated, chat)
}

// withChat loads a chat of the company and runs fn under the visitor lock with
// a fresh copy of it.
func (r *Router) withChat(ctx context.Context, companyID, chatID string, fn func(chat models.Chat) (models.Chat, error)) (models.Chat, error) {
	if !ids.Valid(chatID) {
		return models.Chat{}, fmt.Errorf("chat id: %w", models.ErrInvalidID)
	}
	chat, err := r.store.GetChat(chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if companyID != "" && chat.CompanyID != companyID {
		return models.Chat{}, models.ErrNotFound
	}

	unlock, err := r.locks.lock(ctx, chat.VisitorID)
	if err != nil {
		return models.Chat{}, fmt.Errorf("wait for chat: %w", err)
	}
	defer unlock()

	if chat, err = r.store.GetChat(chatID); err != nil {
		return models.Chat{}, err
	}
	return fn(chat)
}

// end moves an open chat to a terminal status and records a system message.
// Must be called with the visitor lock held.
func (r *Router) end(chat models.Chat, status models.ChatStatus, reason, text string) (models.Chat, error) {
	now := notBefore(r.now(), chat.LastMessageAt)
	msg := models.Message{
		ID:        ids.New(),
		ChatID:    chat.ID,
		VisitorID: chat.VisitorID,
		CompanyID: chat.CompanyID,
		Sender:    models.SenderSystem,
		Text:      text,
		CreatedAt: now,
	}
	chat.Status = status
	chat.ClosedReason = reason
	chat.LastMessage = text
	chat.LastMessageAt = now
	chat.UpdatedAt = now

	stored, err := r.store.AppendMessage(chat, msg)
	if err != nil {
		return models.Chat{}, fmt.Errorf("store system message: %w", err)
	}
	r.activity.SetActiveChat(chat.VisitorID, false)
	r.publish(chat, stored)
	return chat, nil
}

// Close ends an open chat on an agent's request.
func (r *Router) Close(ctx context.Context, companyID, chatID, reason, agentID string) (models.Chat, error) {
	reason = content.PlainText(reason)
	if reason == "" {
		reason = "closed by agent"
	}
	return r.withChat(ctx, companyID, chatID, func(chat models.Chat) (models.Chat, error) {
		if !chat.IsOpen() {
			return models.Chat{}, models.ErrChatClosed
		}
		r.log.Info("chat closed", "chat_id", chat.ChatID, "agent_id", agentID, "reason", reason)
		return r.end(chat, models.ChatStatusClosed, reason, "Chat closed: "+reason)
	})
}

// Reopen returns a closed or missed chat to open, unless the visitor already
// has another open chat.
func (r *Router) Reopen(ctx context.Context, companyID, chatID string) (models.Chat, error) {
	return r.withChat(ctx, companyID, chatID, func(chat models.Chat) (models.Chat, error) {
		if chat.IsOpen() {
			return chat, nil
		}
		if _, err := r.store.OpenChat(chat.CompanyID, chat.VisitorID); err == nil {
			return models.Chat{}, models.ErrChatOpen
		} else if !errors.Is(err, models.ErrNotFound) {
			return models.Chat{}, fmt.Errorf("load open chat: %w", err)
		}

		now := notBefore(r.now(), chat.LastMessageAt)
		text := "Chat reopened"
		msg := models.Message{
			ID:        ids.New(),
			ChatID:    chat.ID,
			VisitorID: chat.VisitorID,
			CompanyID: chat.CompanyID,
			Sender:    models.SenderSystem,
			Text:      text,
			CreatedAt: now,
		}
		chat.Status = models.ChatStatusOpen
		chat.ClosedReason = ""
		chat.LastMessage = text
		chat.LastMessageAt = now
		chat.UpdatedAt = now

		stored, err := r.store.AppendMessage(chat, msg)
		if err != nil {
			return models.Chat{}, fmt.Errorf("store system message: %w", err)
		}
		r.activity.SetActiveChat(chat.VisitorID, true)
		r.publish(chat, stored)
		return chat, nil
	})
}

// SetStatus applies an agent status change: open reopens, closed closes.
func (r *Router) SetStatus(ctx context.Context, companyID, chatID string, status models.ChatStatus, reason, agentID string) (models.Chat, error) {
	switch status {
	case models.ChatStatusOpen:
		return r.Reopen(ctx, companyID, chatID)
	case models.ChatStatusClosed:
		return r.Close(ctx, companyID, chatID, reason, agentID)
	}
	return models.Chat{}, fmt.Errorf("chat status %q: %w", status, models.ErrInvalidInput)
}

// MarkRead resets the unread count of a chat.
func (r *Router) MarkRead(ctx context.Context, companyID, chatID string) (models.Chat, error) {
	return r.withChat(ctx, companyID, chatID, func(chat models.Chat) (models.Chat, error) {
		if chat.UnreadCount == 0 {
			return chat, nil
		}
		chat.UnreadCount = 0
		chat.UpdatedAt = r.now()
		if err := r.store.SaveChat(chat); err != nil {
			return models.Chat{}, fmt.Errorf("save chat: %w", err)
		}
		r.events.BroadcastToCompany(chat.CompanyID, models.EventChatUpdated, chat)
		return chat, nil
	})
}

// History returns every message of the visitor, oldest first. Messages with
// equal timestamps keep their insertion order.
func (r *Router) History(ctx context.Context, companyID, visitorID string) ([]models.Message, error) {
	visitorID, ok := ids.Normalize(visitorID)
	if !ok {
		return nil, fmt.Errorf("visitor id: %w", models.ErrInvalidID)
	}
	messages, err := r.store.ListMessages(visitorID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	history := messages[:0]
	for _, m := range messages {
		if companyID == "" || m.CompanyID == companyID {
			history = append(history, m)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	return history, nil
}

// Chats lists the company's chats, optionally filtered by status.
func (r *Router) Chats(ctx context.Context, companyID string, status models.ChatStatus) ([]models.Chat, error) {
	switch status {
	case "", models.ChatStatusOpen, models.ChatStatusMissed, models.ChatStatusClosed:
	default:
		return nil, fmt.Errorf("chat status %q: %w", status, models.ErrInvalidInput)
	}
	chats, err := r.store.ListChats(companyID, status)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	return chats, nil
}

// SweepIdle ends open chats with no message for longer than the idle timeout.
// A chat no agent ever answered becomes missed, any other becomes closed.
// Chats that changed since they were listed are re-checked under their lock.
func (r *Router) SweepIdle(ctx context.Context) int {
	chats, err := r.store.ListOpenChats()
	if err != nil {
		r.log.Error("failed to list open chats", "error", err)
		return 0
	}

	count := 0
	for _, listed := range chats {
		if !r.idle(listed, r.now()) {
			continue
		}
		_, err := r.withChat(ctx, "", listed.ID, func(chat models.Chat) (models.Chat, error) {
			if !chat.IsOpen() || !r.idle(chat, r.now()) {
				return chat, nil
			}
			status := models.ChatStatusClosed
			if !chat.AgentReplied {
				status = models.ChatStatusMissed
			}
			r.log.Info("ending idle chat", "chat_id", chat.ChatID, "status", status)
			ended, err := r.end(chat, status, IdleReason, "Chat ended: "+IdleReason)
			if err == nil {
				count++
			}
			return ended, err
		})
		if err != nil {
			r.log.Error("failed to end idle chat", "chat_id", listed.ID, "error", err)
		}
	}
	return count
}

func (r *Router) idle(chat models.Chat, now time.Time) bool {
	last := chat.LastMessageAt
	if last.IsZero() {
		last = chat.CreatedAt
	}
	return now.Sub(last) > r.idleTimeout
}

// Run sweeps idle chats on a fixed interval until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepIdle(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// notBefore keeps message timestamps of a chat non-decreasing.
func notBefore(now, last time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}
