// Package proto defines the envelope exchanged with the chat server over the
// persistent websocket. Wire format: one JSON object per text frame.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope type tags.
const (
	TypeUserStatus   = "user_status"
	TypeMessage      = "message"
	TypeTyping       = "typing"
	TypeStatus       = "status"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallEnd      = "call-end"
)

// Presence values carried by user_status envelopes.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Delivery states carried by status envelopes.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// Envelope is one discrete unit of wire traffic. Only the fields relevant to
// Type are populated; sender_id is filled in by the server on inbound frames.
type Envelope struct {
	Type        string          `json:"type"`
	SenderID    string          `json:"sender_id,omitempty"`
	SenderName  string          `json:"sender_username,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	GroupID     string          `json:"group_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	IsTyping    *bool           `json:"is_typing,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Typing reports the is_typing flag; absent means false.
func (e Envelope) Typing() bool {
	return e.IsTyping != nil && *e.IsTyping
}

// IsSignal reports whether the envelope belongs to call negotiation.
func (e Envelope) IsSignal() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeCallEnd:
		return true
	}
	return false
}

// DecodeData unmarshals the type-specific data payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "proto: malformed envelope: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// Decode parses one inbound frame.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, &ParseError{Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ParseError{Err: errors.New("missing type")}
	}
	return env, nil
}

// Encode serializes an outbound envelope.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.New("proto: envelope type is required")
	}
	return json.Marshal(env)
}

// NewUserMessage builds an outbound chat message to a single user.
func NewUserMessage(recipientID, content, timestamp, messageID string) Envelope {
	return Envelope{
		Type:        TypeMessage,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   timestamp,
		MessageID:   messageID,
	}
}

// NewGroupMessage builds an outbound chat message to a group.
func NewGroupMessage(groupID, content, timestamp, messageID string) Envelope {
	return Envelope{
		Type:      TypeMessage,
		GroupID:   groupID,
		Content:   content,
		Timestamp: timestamp,
		MessageID: messageID,
	}
}

// NewTyping builds a typing indicator for recipientID.
func NewTyping(recipientID string, typing bool) Envelope {
	return Envelope{Type: TypeTyping, RecipientID: recipientID, IsTyping: &typing}
}

// NewStatus builds a delivery receipt for messageID addressed to recipientID.
func NewStatus(recipientID, messageID, status string) Envelope {
	return Envelope{Type: TypeStatus, RecipientID: recipientID, MessageID: messageID, Status: status}
}

// NewSignal builds an offer, answer or ice-candidate envelope carrying data.
func NewSignal(typ, recipientID string, data any) (Envelope, error) {
	switch typ {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		return Envelope{}, fmt.Errorf("proto: %q is not a signal type", typ)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("proto: encode %s data: %w", typ, err)
	}
	return Envelope{Type: typ, RecipientID: recipientID, Data: raw}, nil
}

// NewCallEnd builds a hangup notice for recipientID.
func NewCallEnd(recipientID string) Envelope {
	return Envelope{Type: TypeCallEnd, RecipientID: recipientID}
}
