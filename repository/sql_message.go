package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

const messageColumns = `id, conversation_id, sender_id, content, created_at, edited_at`

type sqlMessageRepo struct {
	db database.TxQuerier
}

// NewSQLMessageRepo, constructor.
func NewSQLMessageRepo(db database.TxQuerier) MessageRepository {
	return &sqlMessageRepo{db: db}
}

func (r *sqlMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt.UTC())
	return database.Wrap("create message", err)
}

func (r *sqlMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	var msg models.Message
	if err := sqlx.GetContext(ctx, r.db, &msg, r.db.Rebind(query), id); err != nil {
		return nil, database.Wrap("get message", err)
	}
	return &msg, nil
}

func (r *sqlMessageRepo) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.Message, error) {
	var (
		out []models.Message
		err error
	)
	if before.IsZero() {
		query := `SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`
		err = sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), conversationID, limit)
	} else {
		query := `SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, id DESC LIMIT ?`
		err = sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), conversationID, before.UTC(), limit)
	}
	if err != nil {
		return nil, database.Wrap("list messages", err)
	}
	return out, nil
}

func (r *sqlMessageRepo) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	query := `UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), content, editedAt.UTC(), id)
	if err != nil {
		return database.Wrap("update message", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pkg.ErrNotFound
	}
	return nil
}

func (r *sqlMessageRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM messages WHERE id = ?`), id)
	if err != nil {
		return database.Wrap("delete message", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return pkg.ErrNotFound
	}
	return nil
}
