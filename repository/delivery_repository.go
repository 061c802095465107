package repository

import (
	"context"
	"time"

	"github.com/akinalp/parley/models"
)

// DeliveryRepository stores delivery records and unread counters. Methods
// that belong to one logical write (send, mark read) are meant to be called
// on a repository built over the same *sqlx.Tx.
type DeliveryRepository interface {
	// InsertPending adds one pending record per recipient. A recipient that
	// already has a record for the message fails with pkg.ErrConflict.
	InsertPending(ctx context.Context, messageID string, recipientIDs []string) error
	// IncrementUnread adds one to the counter of each recipient.
	IncrementUnread(ctx context.Context, conversationID string, recipientIDs []string) error

	// MarkDelivered moves pending -> delivered. false means nothing changed.
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error)
	// MarkRead moves pending or delivered -> read. false means nothing changed.
	MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error)

	// ListUnreadInConversation returns (message id, sender id) of every
	// non-read record of the user in the conversation.
	ListUnreadInConversation(ctx context.Context, conversationID, userID string) ([]UnreadRef, error)
	// MarkConversationRead moves every non-read record of the user in the
	// conversation to read in one statement.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	// RederiveUnread recomputes the user's counter from the records.
	RederiveUnread(ctx context.Context, conversationID, userID string) error
	// RederiveConversationUnread recomputes every counter of the conversation.
	RederiveConversationUnread(ctx context.Context, conversationID string) error

	Get(ctx context.Context, messageID, recipientID string) (*models.DeliveryRecord, error)
	ReadCount(ctx context.Context, messageID string) (models.ReadCount, error)
	ReadCounts(ctx context.Context, messageIDs []string) (map[string]models.ReadCount, error)
	GetUnread(ctx context.Context, conversationID, userID string) (int, error)
	ListUnreadCounters(ctx context.Context, userID string) ([]models.UnreadCounter, error)
}

// UnreadRef points at one non-read record.
type UnreadRef struct {
	MessageID string `db:"message_id"`
	SenderID  string `db:"sender_id"`
}
