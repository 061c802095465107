package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
)

type sqlDeliveryRepo struct {
	db database.TxQuerier
}

// NewSQLDeliveryRepo, constructor.
func NewSQLDeliveryRepo(db database.TxQuerier) DeliveryRepository {
	return &sqlDeliveryRepo{db: db}
}

func (r *sqlDeliveryRepo) InsertPending(ctx context.Context, messageID string, recipientIDs []string) error {
	query := r.db.Rebind(`
		INSERT INTO delivery_records (message_id, recipient_id, status)
		VALUES (?, ?, 'pending')`)

	for _, id := range recipientIDs {
		if _, err := r.db.ExecContext(ctx, query, messageID, id); err != nil {
			return database.Wrap("insert delivery record", err)
		}
	}
	return nil
}

func (r *sqlDeliveryRepo) IncrementUnread(ctx context.Context, conversationID string, recipientIDs []string) error {
	query := r.db.Rebind(`
		INSERT INTO unread_counters (user_id, conversation_id, unread_count)
		VALUES (?, ?, 1)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET unread_count = unread_counters.unread_count + 1`)

	for _, id := range recipientIDs {
		if _, err := r.db.ExecContext(ctx, query, id, conversationID); err != nil {
			return database.Wrap("increment unread counter", err)
		}
	}
	return nil
}

func (r *sqlDeliveryRepo) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	return r.advance(ctx, "mark delivered", models.DeliveryDelivered, "delivered_at", messageID, recipientID, at)
}

func (r *sqlDeliveryRepo) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	return r.advance(ctx, "mark read", models.DeliveryRead, "read_at", messageID, recipientID, at)
}

var deliveryStatuses = []models.DeliveryStatus{
	models.DeliveryPending,
	models.DeliveryDelivered,
	models.DeliveryRead,
}

// predecessors lists the statuses from which a record may move to to.
func predecessors(to models.DeliveryStatus) []string {
	var out []string
	for _, s := range deliveryStatuses {
		if s.CanAdvanceTo(to) {
			out = append(out, string(s))
		}
	}
	return out
}

// advance moves one record to status to and stamps column, but only from a
// status that precedes it. Replays and regressions match no row.
func (r *sqlDeliveryRepo) advance(ctx context.Context, op string, to models.DeliveryStatus, column, messageID, recipientID string, at time.Time) (bool, error) {
	query, args, err := sqlx.In(`
		UPDATE delivery_records SET status = ?, `+column+` = ?
		WHERE message_id = ? AND recipient_id = ? AND status IN (?)`,
		string(to), at.UTC(), messageID, recipientID, predecessors(to))
	if err != nil {
		return false, fmt.Errorf("failed to build %s query: %w", op, err)
	}
	return r.execApplied(ctx, op, query, args...)
}

func (r *sqlDeliveryRepo) ListUnreadInConversation(ctx context.Context, conversationID, userID string) ([]UnreadRef, error) {
	query := `
		SELECT d.message_id, m.sender_id
		FROM delivery_records d
		JOIN messages m ON m.id = d.message_id
		WHERE m.conversation_id = ? AND d.recipient_id = ? AND d.status <> 'read'
		ORDER BY m.created_at`

	var out []UnreadRef
	if err := sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), conversationID, userID); err != nil {
		return nil, database.Wrap("list unread records", err)
	}
	return out, nil
}

func (r *sqlDeliveryRepo) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int64, error) {
	query := `
		UPDATE delivery_records SET status = 'read', read_at = ?
		WHERE recipient_id = ? AND status <> 'read'
		  AND message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), at.UTC(), userID, conversationID)
	if err != nil {
		return 0, database.Wrap("mark conversation read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.Wrap("mark conversation read", err)
	}
	return n, nil
}

func (r *sqlDeliveryRepo) ResetUnread(ctx context.Context, conversationID, userID string) error {
	query := `
		INSERT INTO unread_counters (user_id, conversation_id, unread_count)
		VALUES (?, ?, 0)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET unread_count = 0`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), userID, conversationID)
	return database.Wrap("reset unread counter", err)
}

// unreadSubquery counts the non-read records behind one counter row.
const unreadSubquery = `(
	SELECT COUNT(*) FROM delivery_records d
	JOIN messages m ON m.id = d.message_id
	WHERE d.recipient_id = unread_counters.user_id
	  AND m.conversation_id = unread_counters.conversation_id
	  AND d.status <> 'read')`

// RederiveUnread and RederiveConversationUnread recount from the records.
// On PostgreSQL the counter rows are locked first: under READ COMMITTED a
// send that already bumped a counter holds its row lock, and the recount
// only starts, with a fresh snapshot, once that send committed its record.
// SQLite serializes writers, so the lock is not needed there.
func (r *sqlDeliveryRepo) RederiveUnread(ctx context.Context, conversationID, userID string) error {
	if err := r.lockCounters(ctx, `user_id = ? AND conversation_id = ?`, userID, conversationID); err != nil {
		return err
	}

	query := `UPDATE unread_counters SET unread_count = ` + unreadSubquery + `
		WHERE user_id = ? AND conversation_id = ?`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), userID, conversationID)
	return database.Wrap("rederive unread counter", err)
}

func (r *sqlDeliveryRepo) RederiveConversationUnread(ctx context.Context, conversationID string) error {
	if err := r.lockCounters(ctx, `conversation_id = ?`, conversationID); err != nil {
		return err
	}

	query := `UPDATE unread_counters SET unread_count = ` + unreadSubquery + `
		WHERE conversation_id = ?`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), conversationID)
	return database.Wrap("rederive unread counters", err)
}

// lockCounters takes the row locks of the matching counters until the
// surrounding transaction ends. Only meaningful on a *sqlx.Tx.
func (r *sqlDeliveryRepo) lockCounters(ctx context.Context, where string, args ...any) error {
	if r.db.DriverName() != "postgres" {
		return nil
	}
	query := `SELECT user_id FROM unread_counters WHERE ` + where + ` ORDER BY user_id FOR UPDATE`

	var locked []string
	err := sqlx.SelectContext(ctx, r.db, &locked, r.db.Rebind(query), args...)
	return database.Wrap("lock unread counters", err)
}

func (r *sqlDeliveryRepo) Get(ctx context.Context, messageID, recipientID string) (*models.DeliveryRecord, error) {
	query := `
		SELECT message_id, recipient_id, status, delivered_at, read_at
		FROM delivery_records WHERE message_id = ? AND recipient_id = ?`

	var rec models.DeliveryRecord
	if err := sqlx.GetContext(ctx, r.db, &rec, r.db.Rebind(query), messageID, recipientID); err != nil {
		return nil, database.Wrap("get delivery record", err)
	}
	return &rec, nil
}

func (r *sqlDeliveryRepo) ReadCount(ctx context.Context, messageID string) (models.ReadCount, error) {
	query := `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'read' THEN 1 ELSE 0 END), 0) AS read_count
		FROM delivery_records WHERE message_id = ?`

	var rc models.ReadCount
	if err := sqlx.GetContext(ctx, r.db, &rc, r.db.Rebind(query), messageID); err != nil {
		return models.ReadCount{}, database.Wrap("count reads", err)
	}
	return rc, nil
}

func (r *sqlDeliveryRepo) ReadCounts(ctx context.Context, messageIDs []string) (map[string]models.ReadCount, error) {
	out := make(map[string]models.ReadCount, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT message_id, COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN status = 'read' THEN 1 ELSE 0 END), 0) AS read_count
		FROM delivery_records WHERE message_id IN (?)
		GROUP BY message_id`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build read count query: %w", err)
	}

	var rows []struct {
		MessageID string `db:"message_id"`
		models.ReadCount
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, database.Wrap("count reads", err)
	}
	for _, row := range rows {
		out[row.MessageID] = row.ReadCount
	}
	return out, nil
}

func (r *sqlDeliveryRepo) GetUnread(ctx context.Context, conversationID, userID string) (int, error) {
	query := `SELECT COALESCE(MAX(unread_count), 0) FROM unread_counters WHERE user_id = ? AND conversation_id = ?`

	var n int
	if err := sqlx.GetContext(ctx, r.db, &n, r.db.Rebind(query), userID, conversationID); err != nil {
		return 0, database.Wrap("get unread counter", err)
	}
	return n, nil
}

func (r *sqlDeliveryRepo) ListUnreadCounters(ctx context.Context, userID string) ([]models.UnreadCounter, error) {
	query := `
		SELECT user_id, conversation_id, unread_count FROM unread_counters
		WHERE user_id = ? AND unread_count > 0
		ORDER BY conversation_id`

	var out []models.UnreadCounter
	if err := sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), userID); err != nil {
		return nil, database.Wrap("list unread counters", err)
	}
	return out, nil
}

func (r *sqlDeliveryRepo) execApplied(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, database.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Wrap(op, err)
	}
	return n > 0, nil
}
