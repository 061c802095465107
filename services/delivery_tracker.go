package services

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/pkg/metrics"
	"github.com/akinalp/parley/repository"
)

var deliveryLog = logging.For("delivery")

// DeliveryTracker keeps the per-recipient delivery state of messages and
// the per-(user, conversation) unread counters. Every write goes straight to
// the durable store; failures are returned so the caller can retry.
//
// The unread counter is only ever incremented at send time, reset by a bulk
// read, or re-derived from the records. It is never decremented per message.
type DeliveryTracker struct {
	db           *sqlx.DB
	metrics      *metrics.Metrics
	queryTimeout time.Duration
	now          func() time.Time
}

// NewDeliveryTracker, constructor.
func NewDeliveryTracker(db *sqlx.DB, m *metrics.Metrics, queryTimeout time.Duration) *DeliveryTracker {
	return &DeliveryTracker{
		db:           db,
		metrics:      m,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
}

// RecordPending creates one pending record per recipient and bumps their
// unread counters. It must run on the transaction that inserts the message,
// so that either the message, all its records and all increments exist, or
// none of them do. A recipient listed twice fails with pkg.ErrConflict.
func (t *DeliveryTracker) RecordPending(ctx context.Context, tx database.TxQuerier, messageID, conversationID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	repo := repository.NewSQLDeliveryRepo(tx)
	if err := repo.InsertPending(ctx, messageID, recipientIDs); err != nil {
		return err
	}
	return repo.IncrementUnread(ctx, conversationID, recipientIDs)
}

// MarkDelivered moves a pending record to delivered. A nil transition means
// nothing changed: the record is already delivered or read, or does not
// exist.
func (t *DeliveryTracker) MarkDelivered(ctx context.Context, messageID, recipientID string) (*models.Transition, error) {
	return t.transition(ctx, messageID, recipientID, models.DeliveryDelivered)
}

// MarkRead moves a pending or delivered record to read and re-derives the
// recipient's counter for the conversation in the same transaction.
func (t *DeliveryTracker) MarkRead(ctx context.Context, messageID, recipientID string) (*models.Transition, error) {
	return t.transition(ctx, messageID, recipientID, models.DeliveryRead)
}

func (t *DeliveryTracker) transition(ctx context.Context, messageID, recipientID string, to models.DeliveryStatus) (*models.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	now := t.now().UTC()
	var result *models.Transition

	err := database.WithTx(ctx, t.db, func(tx *sqlx.Tx) error {
		repo := repository.NewSQLDeliveryRepo(tx)

		var (
			applied bool
			err     error
		)
		switch to {
		case models.DeliveryDelivered:
			applied, err = repo.MarkDelivered(ctx, messageID, recipientID, now)
		case models.DeliveryRead:
			applied, err = repo.MarkRead(ctx, messageID, recipientID, now)
		}
		if err != nil || !applied {
			return err
		}

		msg, err := repository.NewSQLMessageRepo(tx).GetByID(ctx, messageID)
		if err != nil {
			return err
		}
		if to == models.DeliveryRead {
			if err := repo.RederiveUnread(ctx, msg.ConversationID, recipientID); err != nil {
				return err
			}
		}

		result = &models.Transition{
			MessageID:      messageID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			RecipientID:    recipientID,
			Status:         to,
			At:             now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		t.metrics.DeliveryTransitions.WithLabelValues(string(to)).Inc()
	}
	return result, nil
}

// BulkMarkRead marks every non-read record of the user in the conversation
// read and resets the counter to zero, in one transaction. Calling it again
// is harmless and reports no message ids.
func (t *DeliveryTracker) BulkMarkRead(ctx context.Context, conversationID, userID string) (*models.ConversationRead, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	now := t.now().UTC()
	result := &models.ConversationRead{
		ConversationID: conversationID,
		UserID:         userID,
		BySender:       make(map[string][]string),
		At:             now,
	}

	err := database.WithTx(ctx, t.db, func(tx *sqlx.Tx) error {
		repo := repository.NewSQLDeliveryRepo(tx)

		refs, err := repo.ListUnreadInConversation(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if _, err := repo.MarkConversationRead(ctx, conversationID, userID, now); err != nil {
			return err
		}
		if err := repo.ResetUnread(ctx, conversationID, userID); err != nil {
			return err
		}

		for _, ref := range refs {
			result.BySender[ref.SenderID] = append(result.BySender[ref.SenderID], ref.MessageID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if n := countIDs(result.BySender); n > 0 {
		t.metrics.DeliveryTransitions.WithLabelValues(string(models.DeliveryRead)).Add(float64(n))
		deliveryLog.Debug().
			Str("conversation_id", conversationID).
			Str("user_id", userID).
			Int("messages", n).
			Msg("conversation marked read")
	}
	return result, nil
}

// RederiveConversation recomputes every counter of a conversation from its
// records. Used on tx after messages are removed.
func (t *DeliveryTracker) RederiveConversation(ctx context.Context, tx database.TxQuerier, conversationID string) error {
	return repository.NewSQLDeliveryRepo(tx).RederiveConversationUnread(ctx, conversationID)
}

// ReadCount returns "read by Read of Total" for one message.
func (t *DeliveryTracker) ReadCount(ctx context.Context, messageID string) (models.ReadCount, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()
	return repository.NewSQLDeliveryRepo(t.db).ReadCount(ctx, messageID)
}

// ReadCounts is ReadCount for a page of messages. Messages without
// recipients are absent from the map.
func (t *DeliveryTracker) ReadCounts(ctx context.Context, messageIDs []string) (map[string]models.ReadCount, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()
	return repository.NewSQLDeliveryRepo(t.db).ReadCounts(ctx, messageIDs)
}

// Record returns the delivery record of one recipient.
func (t *DeliveryTracker) Record(ctx context.Context, messageID, recipientID string) (*models.DeliveryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()
	return repository.NewSQLDeliveryRepo(t.db).Get(ctx, messageID, recipientID)
}

// UnreadCount returns the user's counter for one conversation.
func (t *DeliveryTracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()
	return repository.NewSQLDeliveryRepo(t.db).GetUnread(ctx, conversationID, userID)
}

// UnreadCounters lists the user's non-zero counters.
func (t *DeliveryTracker) UnreadCounters(ctx context.Context, userID string) ([]models.UnreadCounter, error) {
	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	counters, err := repository.NewSQLDeliveryRepo(t.db).ListUnreadCounters(ctx, userID)
	if err != nil {
		return nil, err
	}
	if counters == nil {
		counters = []models.UnreadCounter{}
	}
	return counters, nil
}

func countIDs(bySender map[string][]string) int {
	n := 0
	for _, ids := range bySender {
		n += len(ids)
	}
	return n
}
