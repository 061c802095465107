package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a direct chat between two users or a group chat.
type Conversation struct {
	ID        string           `json:"id" db:"id"`
	Kind      ConversationKind `json:"kind" db:"kind"`
	Title     *string          `json:"title" db:"title"`
	CreatedBy string           `json:"created_by" db:"created_by"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	MemberIDs   []string `json:"member_ids"`
	UnreadCount int      `json:"unread_count" db:"unread_count"`
}

// CreateConversationRequest creates a direct or group conversation. The
// caller is always a member and need not list themselves.
type CreateConversationRequest struct {
	Kind      ConversationKind `json:"kind"`
	Title     string           `json:"title"`
	MemberIDs []string         `json:"member_ids"`
}

func (r *CreateConversationRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	switch r.Kind {
	case ConversationDirect:
		if len(r.MemberIDs) != 1 {
			return fmt.Errorf("a direct conversation needs exactly one other member")
		}
	case ConversationGroup:
		if len(r.MemberIDs) == 0 {
			return fmt.Errorf("a group conversation needs at least one other member")
		}
		if utf8.RuneCountInString(r.Title) > 100 {
			return fmt.Errorf("title must be at most 100 characters")
		}
	default:
		return fmt.Errorf("kind must be %q or %q", ConversationDirect, ConversationGroup)
	}
	return nil
}

// MembershipChange is published whenever a conversation gains or loses
// members. Consumers drop their cached audience for the conversation.
type MembershipChange struct {
	ConversationID string   `json:"conversation_id"`
	Added          []string `json:"added,omitempty"`
	Removed        []string `json:"removed,omitempty"`
}
