// Package queue carries work between server processes: delivery jobs for
// messages whose recipients may be connected elsewhere, membership change
// notices that invalidate cached audiences, and revocation notices that
// close the sockets of revoked sessions.
//
// Each process consumes every job and pushes to the sockets it holds. A
// process skips jobs it published itself, since it already pushed locally
// before enqueueing.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg/logging"
)

var logger = logging.For("queue")

// DeliveryJob asks every process to push a stored message to the local
// connections of its recipients.
type DeliveryJob struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	RecipientIDs   []string  `json:"recipient_ids"`
	Origin         string    `json:"origin"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// DeliveryHandler handles one job. A returned error asks for redelivery.
type DeliveryHandler func(ctx context.Context, job DeliveryJob) error

// MembershipHandler handles one membership change notice.
type MembershipHandler func(change models.MembershipChange)

// RevocationHandler handles sessions revoked by another process. Only ID
// and UserID are set.
type RevocationHandler func(sessions []models.Session)

// Queue is implemented by the NATS backend and by Local.
type Queue interface {
	// Enqueue publishes a delivery job stamped with this process as origin.
	Enqueue(ctx context.Context, job DeliveryJob) error
	PublishMembership(ctx context.Context, change models.MembershipChange) error
	ConsumeDeliveries(h DeliveryHandler) error
	SubscribeMembership(h MembershipHandler) error
	PublishRevocation(ctx context.Context, sessions []models.Session) error
	SubscribeRevocations(h RevocationHandler) error
	// Origin identifies this process on published jobs.
	Origin() string
	Close() error
}

type membershipEnvelope struct {
	models.MembershipChange
	Origin string `json:"origin"`
}

// revokedSession is the wire form of a revoked session. Token hashes and
// device details stay in the process that revoked it.
type revokedSession struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

type revocationEnvelope struct {
	Sessions []revokedSession `json:"sessions"`
	Origin   string           `json:"origin"`
}

func encodeRevocation(origin string, sessions []models.Session) ([]byte, error) {
	env := revocationEnvelope{Origin: origin, Sessions: make([]revokedSession, len(sessions))}
	for i, s := range sessions {
		env.Sessions[i] = revokedSession{ID: s.ID, UserID: s.UserID}
	}
	return json.Marshal(env)
}

// handleDelivery decodes one job and runs h unless origin published it.
// Undecodable jobs are dropped, not retried.
func handleDelivery(ctx context.Context, origin string, data []byte, h DeliveryHandler) error {
	var job DeliveryJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed delivery job")
		return nil
	}
	if job.Origin == origin {
		return nil
	}
	return h(ctx, job)
}

// handleMembership decodes one notice and runs h unless origin published it.
func handleMembership(origin string, data []byte, h MembershipHandler) {
	var env membershipEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed membership notice")
		return
	}
	if env.Origin == origin {
		return
	}
	h(env.MembershipChange)
}

// handleRevocation decodes one notice and runs h unless origin published it.
func handleRevocation(origin string, data []byte, h RevocationHandler) {
	var env revocationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn().Err(err).Msg("dropping malformed revocation notice")
		return
	}
	if env.Origin == origin || len(env.Sessions) == 0 {
		return
	}
	sessions := make([]models.Session, len(env.Sessions))
	for i, s := range env.Sessions {
		sessions[i] = models.Session{ID: s.ID, UserID: s.UserID}
	}
	h(sessions)
}
