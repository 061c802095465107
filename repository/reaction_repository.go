package repository

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

// ReactionRepository stores emoji reactions.
type ReactionRepository interface {
	// Toggle adds the reaction, or removes it when it already exists.
	// added reports which happened.
	Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (added bool, err error)
	ListByMessage(ctx context.Context, messageID string) ([]models.ReactionGroup, error)
	// ListByMessages loads the groups of a page of messages in one query.
	// Messages without reactions are absent from the map.
	ListByMessages(ctx context.Context, messageIDs []string) (map[string][]models.ReactionGroup, error)
}
