package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Timestamps are stored as unix nanoseconds.

type DBVisitor struct {
	ID          string `msgpack:"id"`
	CompanyID   string `msgpack:"companyId"`
	WebsiteID   string `msgpack:"websiteId"`
	Name        string `msgpack:"name"`
	Email       string `msgpack:"email"`
	Phone       string `msgpack:"phone"`
	Country     string `msgpack:"country"`
	Region      string `msgpack:"region"`
	City        string `msgpack:"city"`
	IP          string `msgpack:"ip"`
	UserAgent   string `msgpack:"userAgent"`
	Browser     string `msgpack:"browser"`
	OS          string `msgpack:"os"`
	DeviceType  string `msgpack:"deviceType"`
	Status      string `msgpack:"status"`
	Visits      int    `msgpack:"visits"`
	CreatedAt   int64  `msgpack:"createdAt"`
	LastSeenAt  int64  `msgpack:"lastSeenAt"`
	LastSession string `msgpack:"lastSession"`
}

func (v *DBVisitor) Key() []byte {
	return []byte(v.ID)
}

func (v *DBVisitor) MarshalBinary() (data []byte, err error) {
	type alias DBVisitor
	return msgpack.Marshal((*alias)(v))
}

func (v *DBVisitor) UnmarshalBinary(data []byte) error {
	type alias DBVisitor
	return msgpack.Unmarshal(data, (*alias)(v))
}

type DBChat struct {
	ID            string `msgpack:"id"`
	ChatID        string `msgpack:"chatId"`
	VisitorID     string `msgpack:"visitorId"`
	CompanyID     string `msgpack:"companyId"`
	Status        string `msgpack:"status"`
	LastMessage   string `msgpack:"lastMessage"`
	LastMessageAt int64  `msgpack:"lastMessageAt"`
	UnreadCount   int    `msgpack:"unreadCount"`
	AgentReplied  bool   `msgpack:"agentReplied"`
	ClosedReason  string `msgpack:"closedReason"`
	CreatedAt     int64  `msgpack:"createdAt"`
	UpdatedAt     int64  `msgpack:"updatedAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID        string `msgpack:"id"`
	Seq       uint64 `msgpack:"seq"`
	ChatID    string `msgpack:"chatId"`
	VisitorID string `msgpack:"visitorId"`
	CompanyID string `msgpack:"companyId"`
	Sender    string `msgpack:"sender"`
	AgentID   string `msgpack:"agentId"`
	Text      string `msgpack:"text"`
	HTML      string `msgpack:"html"`
	TempID    string `msgpack:"tempId"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Key orders messages of one visitor bucket by insertion sequence.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.Seq)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBLead struct {
	ID            string `msgpack:"id"`
	VisitorID     string `msgpack:"visitorId"`
	CompanyID     string `msgpack:"companyId"`
	Name          string `msgpack:"name"`
	Email         string `msgpack:"email"`
	Phone         string `msgpack:"phone"`
	Company       string `msgpack:"company"`
	Role          string `msgpack:"role"`
	Source        string `msgpack:"source"`
	Status        string `msgpack:"status"`
	Notes         string `msgpack:"notes"`
	CreatedAt     int64  `msgpack:"createdAt"`
	UpdatedAt     int64  `msgpack:"updatedAt"`
	LastContacted int64  `msgpack:"lastContacted"`
}

func (l *DBLead) Key() []byte {
	return []byte(l.ID)
}

func (l *DBLead) MarshalBinary() (data []byte, err error) {
	type alias DBLead
	return msgpack.Marshal((*alias)(l))
}

func (l *DBLead) UnmarshalBinary(data []byte) error {
	type alias DBLead
	return msgpack.Unmarshal(data, (*alias)(l))
}

type DBPushSubscription struct {
	CompanyID string `msgpack:"companyId"`
	AgentID   string `msgpack:"agentId"`
	Endpoint  string `msgpack:"endpoint"`
	Auth      string `msgpack:"auth"`
	P256dh    string `msgpack:"p256dh"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

// pairKey is the company/visitor index key used for open chats and leads.
func pairKey(companyID, visitorID string) []byte {
	return []byte(companyID + "/" + visitorID)
}
