package chat

import (
	"github.com/google/uuid"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/storage"
)

// Kind tells a one-to-one conversation from a group conversation.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// Target is the other side of a conversation.
type Target struct {
	Kind Kind
	ID   string
	Name string
}

func (t Target) cacheKey() string {
	if t.Kind == KindGroup {
		return storage.GroupConversation(t.ID)
	}
	return storage.UserConversation(t.ID)
}

// Message is one entry of a conversation.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_username,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
	Outgoing    bool   `json:"outgoing"`

	// id was generated locally; the server does not know it.
	localID bool
}

// EventType tags conversation events.
type EventType string

const (
	EventMessage EventType = "message"
	EventTyping  EventType = "typing"
	EventStatus  EventType = "status"
)

// Event is published to view subscribers.
type Event struct {
	Type      EventType
	Message   Message
	Typing    bool
	MessageID string
	Status    string
}

func fromAPI(m api.Message, self string) *Message {
	return &Message{
		ID:          m.ID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderUsername,
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Content:     m.Content,
		Timestamp:   m.Timestamp,
		Status:      statusOr(m.Status),
		Outgoing:    m.SenderID == self,
	}
}

func fromRow(r storage.MessageRow, self string) *Message {
	return &Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		GroupID:     r.GroupID,
		Content:     r.Content,
		Timestamp:   r.Timestamp,
		Status:      statusOr(r.Status),
		Outgoing:    r.SenderID == self,
	}
}

// fromEnvelope converts an inbound message frame. Frames without a
// message_id get a generated one.
func fromEnvelope(env proto.Envelope) *Message {
	m := &Message{
		ID:         env.MessageID,
		SenderID:   env.SenderID,
		SenderName: env.SenderName,
		GroupID:    env.GroupID,
		Content:    env.Content,
		Timestamp:  env.Timestamp,
		Status:     proto.DeliveryDelivered,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
		m.localID = true
	}
	return m
}

func (m *Message) row(key string) storage.MessageRow {
	return storage.MessageRow{
		ID:           m.ID,
		Conversation: key,
		SenderID:     m.SenderID,
		RecipientID:  m.RecipientID,
		GroupID:      m.GroupID,
		Content:      m.Content,
		Timestamp:    m.Timestamp,
		Status:       m.Status,
	}
}

func statusOr(s string) string {
	if s == "" {
		return proto.DeliverySent
	}
	return s
}
