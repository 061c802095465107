package repository

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

// SessionRepository is the durable side of the session store. Lookups that
// take a now argument only match usable sessions (active and unexpired).
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetUsableByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error)
	GetUsableByID(ctx context.Context, id string, now time.Time) (*models.Session, error)
	ListUsableByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error)

	// SetLiveHandle stores handle (nil clears it) on a usable session.
	SetLiveHandle(ctx context.Context, id string, handle *string, now time.Time) (*models.Session, error)
	// ClearLiveHandleIf clears the handle only if it still equals handle, so a
	// late detach cannot wipe a newer connection's handle.
	ClearLiveHandleIf(ctx context.Context, id, handle string) (*models.Session, error)
	// TouchActivity bumps last_activity_at unless it is newer than notBefore.
	TouchActivity(ctx context.Context, id string, at, notBefore time.Time) (bool, error)
	ExtendExpiry(ctx context.Context, tokenHash string, newExpiry, now time.Time) (*models.Session, error)

	// DeactivateByTokenHash and DeactivateByID return the session they
	// switched off, or ErrNotFound when nothing active matched.
	DeactivateByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	DeactivateByID(ctx context.Context, id string) (*models.Session, error)
	// DeactivateAllForUser switches off every active session of the user in
	// a single statement and returns them.
	DeactivateAllForUser(ctx context.Context, userID string) ([]models.Session, error)
	// DeleteExpired hard-deletes sessions with expires_at <= now.
	DeleteExpired(ctx context.Context, now time.Time) ([]models.Session, error)
}
