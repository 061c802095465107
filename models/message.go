package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageLength bounds message content, in runes.
const MaxMessageLength = 4000

// Message is a chat message.
type Message struct {
	ID             string     `json:"id" db:"id"`
	ConversationID string     `json:"conversation_id" db:"conversation_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Content        string     `json:"content" db:"content"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty" db:"edited_at"`
}

// MessageWithReceipts annotates a message with "read by N of M" and, in
// history pages, its reactions.
type MessageWithReceipts struct {
	Message
	Receipts  ReadCount       `json:"receipts"`
	Reactions []ReactionGroup `json:"reactions,omitempty"`
}

// SendMessageRequest is the payload for posting a message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

func (r *SendMessageRequest) Validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		return fmt.Errorf("content is required")
	}
	if utf8.RuneCountInString(r.Content) > MaxMessageLength {
		return fmt.Errorf("content must be at most %d characters", MaxMessageLength)
	}
	return nil
}

// EditMessageRequest is the payload for editing a message.
type EditMessageRequest = SendMessageRequest
