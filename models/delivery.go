package models

import "time"

// DeliveryStatus is the per-recipient state of a message. It only moves
// forward: pending -> delivered -> read, or pending -> read directly.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a real transition.
// Replays and regressions return false; callers treat them as no-ops.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// DeliveryRecord is the delivery state of one message for one recipient.
type DeliveryRecord struct {
	MessageID   string         `json:"message_id" db:"message_id"`
	RecipientID string         `json:"recipient_id" db:"recipient_id"`
	Status      DeliveryStatus `json:"status" db:"status"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt      *time.Time     `json:"read_at,omitempty" db:"read_at"`
}

// ReadCount is the "read by Read of Total" aggregate of a message.
type ReadCount struct {
	Total int `json:"total" db:"total"`
	Read  int `json:"read" db:"read_count"`
}

// UnreadCounter is the number of non-read messages a user has in a
// conversation.
type UnreadCounter struct {
	UserID         string `json:"user_id" db:"user_id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	UnreadCount    int    `json:"unread_count" db:"unread_count"`
}

// Transition is the outcome of an applied delivery transition, carried to the
// sender in receipt events.
type Transition struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Status         DeliveryStatus `json:"status"`
	At             time.Time      `json:"at"`
}

// ConversationRead is the outcome of marking a whole conversation read.
// BySender groups the message ids that changed state by their author, so each
// author is told only about their own messages.
type ConversationRead struct {
	ConversationID string              `json:"conversation_id"`
	UserID         string              `json:"user_id"`
	BySender       map[string][]string `json:"-"`
	At             time.Time           `json:"at"`
}
