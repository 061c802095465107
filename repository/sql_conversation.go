package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
)

type sqlConversationRepo struct {
	db database.TxQuerier
}

// NewSQLConversationRepo, constructor.
func NewSQLConversationRepo(db database.TxQuerier) ConversationRepository {
	return &sqlConversationRepo{db: db}
}

// Create inserts the conversation and its members. Run it inside WithTx so
// a conversation never exists without its members.
func (r *sqlConversationRepo) Create(ctx context.Context, conv *models.Conversation, memberIDs []string) error {
	query := `
		INSERT INTO conversations (id, kind, title, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		conv.ID, conv.Kind, conv.Title, conv.CreatedBy, conv.CreatedAt.UTC()); err != nil {
		return database.Wrap("create conversation", err)
	}

	memberQuery := r.db.Rebind(`
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)`)
	for _, id := range memberIDs {
		if _, err := r.db.ExecContext(ctx, memberQuery, conv.ID, id, conv.CreatedAt.UTC()); err != nil {
			return database.Wrap("add conversation member", err)
		}
	}
	return nil
}

func (r *sqlConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `SELECT id, kind, title, created_by, created_at FROM conversations WHERE id = ?`

	var conv models.Conversation
	if err := sqlx.GetContext(ctx, r.db, &conv, r.db.Rebind(query), id); err != nil {
		return nil, database.Wrap("get conversation", err)
	}
	return &conv, nil
}

func (r *sqlConversationRepo) FindDirect(ctx context.Context, a, b string) (*models.Conversation, error) {
	query := `
		SELECT c.id, c.kind, c.title, c.created_by, c.created_at
		FROM conversations c
		JOIN conversation_members ma ON ma.conversation_id = c.id AND ma.user_id = ?
		JOIN conversation_members mb ON mb.conversation_id = c.id AND mb.user_id = ?
		WHERE c.kind = 'direct'
		LIMIT 1`

	var conv models.Conversation
	if err := sqlx.GetContext(ctx, r.db, &conv, r.db.Rebind(query), a, b); err != nil {
		return nil, database.Wrap("find direct conversation", err)
	}
	return &conv, nil
}

func (r *sqlConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `
		SELECT c.id, c.kind, c.title, c.created_by, c.created_at,
		       COALESCE(u.unread_count, 0) AS unread_count
		FROM conversations c
		JOIN conversation_members m ON m.conversation_id = c.id AND m.user_id = ?
		LEFT JOIN unread_counters u ON u.conversation_id = c.id AND u.user_id = m.user_id
		ORDER BY c.created_at DESC`

	var out []models.ConversationSummary
	if err := sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), userID); err != nil {
		return nil, database.Wrap("list conversations", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	index := make(map[string]int, len(out))
	for i, c := range out {
		ids[i] = c.ID
		index[c.ID] = i
	}

	memberQuery, args, err := sqlx.In(`
		SELECT conversation_id, user_id FROM conversation_members
		WHERE conversation_id IN (?) ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build member query: %w", err)
	}

	var rows []struct {
		ConversationID string `db:"conversation_id"`
		UserID         string `db:"user_id"`
	}
	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(memberQuery), args...); err != nil {
		return nil, database.Wrap("list conversation members", err)
	}
	for _, row := range rows {
		i := index[row.ConversationID]
		out[i].MemberIDs = append(out[i].MemberIDs, row.UserID)
	}
	return out, nil
}

func (r *sqlConversationRepo) GetMemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	query := `SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY joined_at, user_id`

	var ids []string
	if err := sqlx.SelectContext(ctx, r.db, &ids, r.db.Rebind(query), conversationID); err != nil {
		return nil, database.Wrap("get conversation members", err)
	}
	return ids, nil
}

func (r *sqlConversationRepo) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `SELECT COUNT(*) FROM conversation_members WHERE conversation_id = ? AND user_id = ?`

	var n int
	if err := sqlx.GetContext(ctx, r.db, &n, r.db.Rebind(query), conversationID, userID); err != nil {
		return false, database.Wrap("check conversation member", err)
	}
	return n > 0, nil
}

func (r *sqlConversationRepo) AddMembers(ctx context.Context, conversationID string, userIDs []string, at time.Time) ([]string, error) {
	query := r.db.Rebind(`
		INSERT INTO conversation_members (conversation_id, user_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`)

	var added []string
	for _, id := range userIDs {
		res, err := r.db.ExecContext(ctx, query, conversationID, id, at.UTC())
		if err != nil {
			return nil, database.Wrap("add conversation member", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added = append(added, id)
		}
	}
	return added, nil
}

func (r *sqlConversationRepo) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), conversationID, userID)
	if err != nil {
		return false, database.Wrap("remove conversation member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Wrap("remove conversation member", err)
	}
	return n > 0, nil
}
