package repository

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

// MessageRepository stores messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	// ListByConversation returns up to limit messages older than before
	// (zero before means newest), newest first.
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	// Delete removes the message; its delivery records go with it.
	Delete(ctx context.Context, id string) error
}
