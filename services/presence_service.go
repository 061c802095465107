package services

import (
	"context"

	"github.com/akinalp/parley/models"
)

// PresenceService answers "is this user online". Presence is read from the
// session store, so it covers connections held by every process.
type PresenceService interface {
	// Get never fails: when sessions cannot be read the user reads as
	// offline.
	Get(ctx context.Context, userID string) models.Presence
}

type presenceService struct {
	sessions *SessionStore
}

func NewPresenceService(sessions *SessionStore) PresenceService {
	return &presenceService{sessions: sessions}
}

func (s *presenceService) Get(ctx context.Context, userID string) models.Presence {
	p := models.Presence{UserID: userID}

	list, err := s.sessions.GetActiveSessionsForUser(ctx, userID)
	if err != nil {
		sessionLog.Warn().Err(err).Str("user_id", userID).Msg("presence read failed, reporting offline")
		return p
	}

	for i := range list {
		sess := &list[i]
		if sess.Online() {
			p.Devices++
		}
		if p.LastActiveAt == nil || sess.LastActivityAt.After(*p.LastActiveAt) {
			at := sess.LastActivityAt
			p.LastActiveAt = &at
		}
	}
	p.Online = p.Devices > 0
	return p
}
