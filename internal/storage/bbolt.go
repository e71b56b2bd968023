package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"salesiq/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketVisitors          = []byte("visitors")
	bucketChats             = []byte("chats")
	bucketOpenChats         = []byte("open_chats")
	bucketMessages          = []byte("messages")
	bucketLeads             = []byte("leads")
	bucketLeadIndex         = []byte("lead_index")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketVisitors,
			bucketChats,
			bucketOpenChats,
			bucketMessages,
			bucketLeads,
			bucketLeadIndex,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func put(b *bbolt.Bucket, item Storeable) error {
	data, err := item.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(item.Key(), data)
}

// Visitors

func visitorToDB(v models.Visitor) *DBVisitor {
	return &DBVisitor{
		ID:          v.ID,
		CompanyID:   v.CompanyID,
		WebsiteID:   v.WebsiteID,
		Name:        v.Name,
		Email:       v.Email,
		Phone:       v.Phone,
		Country:     v.Location.Country,
		Region:      v.Location.Region,
		City:        v.Location.City,
		IP:          v.Location.IP,
		UserAgent:   v.Device.UserAgent,
		Browser:     v.Device.Browser,
		OS:          v.Device.OS,
		DeviceType:  v.Device.Type,
		Status:      string(v.Status),
		Visits:      v.Visits,
		CreatedAt:   toUnix(v.CreatedAt),
		LastSeenAt:  toUnix(v.LastSeenAt),
		LastSession: v.LastSessionID,
	}
}

func visitorFromDB(d DBVisitor) models.Visitor {
	return models.Visitor{
		ID:        d.ID,
		CompanyID: d.CompanyID,
		WebsiteID: d.WebsiteID,
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		Location: models.Location{
			Country: d.Country,
			Region:  d.Region,
			City:    d.City,
			IP:      d.IP,
		},
		Device: models.Device{
			UserAgent: d.UserAgent,
			Browser:   d.Browser,
			OS:        d.OS,
			Type:      d.DeviceType,
		},
		Status:        models.PresenceStatus(d.Status),
		Visits:        d.Visits,
		CreatedAt:     fromUnix(d.CreatedAt),
		LastSeenAt:    fromUnix(d.LastSeenAt),
		LastSessionID: d.LastSession,
	}
}

// CreateVisitor stores a new visitor record. It fails if the id is taken.
func (s *BboltStorage) CreateVisitor(v models.Visitor) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVisitors)
		if b.Get([]byte(v.ID)) != nil {
			return fmt.Errorf("visitor %s already exists", v.ID)
		}
		return put(b, visitorToDB(v))
	})
}

func (s *BboltStorage) GetVisitor(id string) (models.Visitor, error) {
	var visitor models.Visitor
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketVisitors).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var d DBVisitor
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		visitor = visitorFromDB(d)
		return nil
	})
	return visitor, err
}

// UpdateVisitor applies fn to the stored visitor inside a single write transaction.
func (s *BboltStorage) UpdateVisitor(id string, fn func(v *models.Visitor)) (models.Visitor, error) {
	var visitor models.Visitor
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVisitors)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var d DBVisitor
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		visitor = visitorFromDB(d)
		fn(&visitor)
		visitor.ID = id
		return put(b, visitorToDB(visitor))
	})
	return visitor, err
}

// ListVisitors returns the company's visitors, most recently seen first.
func (s *BboltStorage) ListVisitors(companyID string) ([]models.Visitor, error) {
	var visitors []models.Visitor
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVisitors).ForEach(func(k, v []byte) error {
			var d DBVisitor
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			if companyID != "" && d.CompanyID != companyID {
				return nil
			}
			visitors = append(visitors, visitorFromDB(d))
			return nil
		})
	})
	sort.SliceStable(visitors, func(i, j int) bool {
		return visitors[i].LastSeenAt.After(visitors[j].LastSeenAt)
	})
	return visitors, err
}

// Chats

func chatToDB(c models.Chat) *DBChat {
	return &DBChat{
		ID:            c.ID,
		ChatID:        c.ChatID,
		VisitorID:     c.VisitorID,
		CompanyID:     c.CompanyID,
		Status:        string(c.Status),
		LastMessage:   c.LastMessage,
		LastMessageAt: toUnix(c.LastMessageAt),
		UnreadCount:   c.UnreadCount,
		AgentReplied:  c.AgentReplied,
		ClosedReason:  c.ClosedReason,
		CreatedAt:     toUnix(c.CreatedAt),
		UpdatedAt:     toUnix(c.UpdatedAt),
	}
}

func chatFromDB(d DBChat) models.Chat {
	return models.Chat{
		ID:            d.ID,
		ChatID:        d.ChatID,
		VisitorID:     d.VisitorID,
		CompanyID:     d.CompanyID,
		Status:        models.ChatStatus(d.Status),
		LastMessage:   d.LastMessage,
		LastMessageAt: fromUnix(d.LastMessageAt),
		UnreadCount:   d.UnreadCount,
		AgentReplied:  d.AgentReplied,
		ClosedReason:  d.ClosedReason,
		CreatedAt:     fromUnix(d.CreatedAt),
		UpdatedAt:     fromUnix(d.UpdatedAt),
	}
}

func getChat(tx *bbolt.Tx, id string) (models.Chat, error) {
	data := tx.Bucket(bucketChats).Get([]byte(id))
	if data == nil {
		return models.Chat{}, models.ErrNotFound
	}
	var d DBChat
	if err := d.UnmarshalBinary(data); err != nil {
		return models.Chat{}, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return chatFromDB(d), nil
}

// saveChat writes the chat and keeps the open-chat index in step with its status.
func saveChat(tx *bbolt.Tx, chat models.Chat) error {
	if chat.ID == "" || chat.VisitorID == "" || chat.CompanyID == "" {
		return errors.New("chat missing id, visitor or company")
	}
	if err := put(tx.Bucket(bucketChats), chatToDB(chat)); err != nil {
		return fmt.Errorf("failed to put chat: %w", err)
	}

	index := tx.Bucket(bucketOpenChats)
	key := pairKey(chat.CompanyID, chat.VisitorID)
	current := index.Get(key)
	switch {
	case chat.IsOpen():
		if current != nil && string(current) != chat.ID {
			return fmt.Errorf("visitor %s already has open chat %s", chat.VisitorID, string(current))
		}
		return index.Put(key, []byte(chat.ID))
	case current != nil && string(current) == chat.ID:
		return index.Delete(key)
	}
	return nil
}

// OpenChat returns the visitor's open chat with the company, or models.ErrNotFound.
func (s *BboltStorage) OpenChat(companyID, visitorID string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketOpenChats).Get(pairKey(companyID, visitorID))
		if id == nil {
			return models.ErrNotFound
		}
		var err error
		chat, err = getChat(tx, string(id))
		return err
	})
	return chat, err
}

func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		chat, err = getChat(tx, id)
		return err
	})
	return chat, err
}

// SaveChat upserts chat metadata without touching messages.
func (s *BboltStorage) SaveChat(chat models.Chat) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return saveChat(tx, chat)
	})
}

// ListChats returns the company's chats filtered by status (empty means all),
// most recent activity first.
func (s *BboltStorage) ListChats(companyID string, status models.ChatStatus) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var d DBChat
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			if companyID != "" && d.CompanyID != companyID {
				return nil
			}
			if status != "" && models.ChatStatus(d.Status) != status {
				return nil
			}
			chats = append(chats, chatFromDB(d))
			return nil
		})
	})
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
	})
	return chats, err
}

// ListOpenChats returns every open chat across companies.
func (s *BboltStorage) ListOpenChats() ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOpenChats).ForEach(func(k, v []byte) error {
			chat, err := getChat(tx, string(v))
			if err != nil {
				return err
			}
			chats = append(chats, chat)
			return nil
		})
	})
	return chats, err
}

// Messages

func messageToDB(m models.Message) *DBMessage {
	return &DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		VisitorID: m.VisitorID,
		CompanyID: m.CompanyID,
		Sender:    string(m.Sender),
		AgentID:   m.AgentID,
		Text:      m.Text,
		HTML:      m.HTML,
		TempID:    m.TempID,
		CreatedAt: toUnix(m.CreatedAt),
	}
}

func messageFromDB(d DBMessage) models.Message {
	return models.Message{
		ID:        d.ID,
		Seq:       d.Seq,
		ChatID:    d.ChatID,
		VisitorID: d.VisitorID,
		CompanyID: d.CompanyID,
		Sender:    models.Sender(d.Sender),
		AgentID:   d.AgentID,
		Text:      d.Text,
		HTML:      d.HTML,
		TempID:    d.TempID,
		CreatedAt: fromUnix(d.CreatedAt),
	}
}

// AppendMessage stores the message and the updated chat in one transaction.
// The message sequence is assigned here and returned on the stored copy.
func (s *BboltStorage) AppendMessage(chat models.Chat, message models.Message) (models.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if message.VisitorID == "" {
			return errors.New("message missing visitorID")
		}

		visitorBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.VisitorID))
		if err != nil {
			return fmt.Errorf("failed to create visitor message bucket: %w", err)
		}

		seq, err := visitorBucket.NextSequence()
		if err != nil {
			return err
		}
		message.Seq = seq

		if err := put(visitorBucket, messageToDB(message)); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		return saveChat(tx, chat)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListMessages returns all messages of a visitor in insertion order. The read
// happens in one transaction so concurrent appends are either fully visible or not at all.
func (s *BboltStorage) ListMessages(visitorID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(visitorID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d DBMessage
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(d))
			return nil
		})
	})
	return messages, err
}

// Leads

func leadToDB(l models.Lead) *DBLead {
	d := &DBLead{
		ID:        l.ID,
		VisitorID: l.VisitorID,
		CompanyID: l.CompanyID,
		Name:      l.Name,
		Email:     l.Email,
		Phone:     l.Phone,
		Company:   l.Company,
		Role:      l.Role,
		Source:    l.Source,
		Status:    string(l.Status),
		Notes:     l.Notes,
		CreatedAt: toUnix(l.CreatedAt),
		UpdatedAt: toUnix(l.UpdatedAt),
	}
	if l.LastContacted != nil {
		d.LastContacted = toUnix(*l.LastContacted)
	}
	return d
}

func leadFromDB(d DBLead) models.Lead {
	l := models.Lead{
		ID:        d.ID,
		VisitorID: d.VisitorID,
		CompanyID: d.CompanyID,
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		Company:   d.Company,
		Role:      d.Role,
		Source:    d.Source,
		Status:    models.LeadStatus(d.Status),
		Notes:     d.Notes,
		CreatedAt: fromUnix(d.CreatedAt),
		UpdatedAt: fromUnix(d.UpdatedAt),
	}
	if d.LastContacted != 0 {
		t := fromUnix(d.LastContacted)
		l.LastContacted = &t
	}
	return l
}

func getLead(tx *bbolt.Tx, id string) (models.Lead, error) {
	data := tx.Bucket(bucketLeads).Get([]byte(id))
	if data == nil {
		return models.Lead{}, models.ErrNotFound
	}
	var d DBLead
	if err := d.UnmarshalBinary(data); err != nil {
		return models.Lead{}, err
	}
	return leadFromDB(d), nil
}

func mergeLead(dst *models.Lead, src models.Lead) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	if src.Phone != "" {
		dst.Phone = src.Phone
	}
	if src.Company != "" {
		dst.Company = src.Company
	}
	if src.Role != "" {
		dst.Role = src.Role
	}
	if src.Source != "" {
		dst.Source = src.Source
	}
	if src.Notes != "" {
		dst.Notes = src.Notes
	}
	dst.UpdatedAt = src.UpdatedAt
}

// UpsertLead creates the lead, or merges non-empty fields into the existing lead
// of the same visitor and company. The boolean reports whether a lead was created.
func (s *BboltStorage) UpsertLead(lead models.Lead) (models.Lead, bool, error) {
	var (
		result  models.Lead
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		leads := tx.Bucket(bucketLeads)
		index := tx.Bucket(bucketLeadIndex)

		if lead.VisitorID != "" {
			if id := index.Get(pairKey(lead.CompanyID, lead.VisitorID)); id != nil {
				existing, err := getLead(tx, string(id))
				if err != nil {
					return err
				}
				mergeLead(&existing, lead)
				result = existing
				return put(leads, leadToDB(existing))
			}
		}

		if lead.ID == "" {
			return errors.New("lead missing id")
		}
		if leads.Get([]byte(lead.ID)) != nil {
			return fmt.Errorf("lead %s already exists", lead.ID)
		}
		if err := put(leads, leadToDB(lead)); err != nil {
			return err
		}
		if lead.VisitorID != "" {
			if err := index.Put(pairKey(lead.CompanyID, lead.VisitorID), []byte(lead.ID)); err != nil {
				return err
			}
		}
		result = lead
		created = true
		return nil
	})
	return result, created, err
}

func (s *BboltStorage) GetLead(id string) (models.Lead, error) {
	var lead models.Lead
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		lead, err = getLead(tx, id)
		return err
	})
	return lead, err
}

// UpdateLead applies fn to the stored lead inside a single write transaction.
func (s *BboltStorage) UpdateLead(id string, fn func(l *models.Lead)) (models.Lead, error) {
	var lead models.Lead
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		lead, err = getLead(tx, id)
		if err != nil {
			return err
		}
		fn(&lead)
		lead.ID = id
		return put(tx.Bucket(bucketLeads), leadToDB(lead))
	})
	return lead, err
}

// ListLeads returns the company's leads filtered by status (empty means all), newest first.
func (s *BboltStorage) ListLeads(companyID string, status models.LeadStatus) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLeads).ForEach(func(k, v []byte) error {
			var d DBLead
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			if companyID != "" && d.CompanyID != companyID {
				return nil
			}
			if status != "" && models.LeadStatus(d.Status) != status {
				return nil
			}
			leads = append(leads, leadFromDB(d))
			return nil
		})
	})
	sort.SliceStable(leads, func(i, j int) bool {
		return leads[i].CreatedAt.After(leads[j].CreatedAt)
	})
	return leads, err
}

// Push subscriptions

func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPushSubscriptions).CreateBucketIfNotExists([]byte(sub.CompanyID))
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{
			CompanyID: sub.CompanyID,
			AgentID:   sub.AgentID,
			Endpoint:  sub.Endpoint,
			Auth:      sub.Auth,
			P256dh:    sub.P256dh,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(companyID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(companyID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d DBPushSubscription
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				CompanyID: d.CompanyID,
				AgentID:   d.AgentID,
				Endpoint:  d.Endpoint,
				Auth:      d.Auth,
				P256dh:    d.P256dh,
			})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(companyID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubscriptions).Bucket([]byte(companyID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
