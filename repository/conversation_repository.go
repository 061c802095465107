package repository

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

// ConversationRepository stores conversations and their membership. It is
// also the membership source the broadcaster resolves audiences from.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation, memberIDs []string) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	// FindDirect returns the direct conversation between a and b.
	FindDirect(ctx context.Context, a, b string) (*models.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	GetMemberIDs(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	// AddMembers inserts the users that are not members yet and returns them.
	AddMembers(ctx context.Context, conversationID string, userIDs []string, at time.Time) ([]string, error)
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)
}
