package repository

import (
	"context"

	"github.com/akinalp/parley/models"
)

// UserRepository stores accounts.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	// CountExisting returns how many of ids belong to existing users.
	CountExisting(ctx context.Context, ids []string) (int, error)
}
