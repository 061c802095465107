package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
)

type sqlReactionRepo struct {
	db database.TxQuerier
}

// NewSQLReactionRepo, constructor.
func NewSQLReactionRepo(db database.TxQuerier) ReactionRepository {
	return &sqlReactionRepo{db: db}
}

// Toggle tries the insert first; the primary key turns a repeat into a
// no-op, which then becomes the delete.
func (r *sqlReactionRepo) Toggle(ctx context.Context, messageID, userID, emoji string, at time.Time) (bool, error) {
	insert := `
		INSERT INTO reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(insert), messageID, userID, emoji, at.UTC())
	if err != nil {
		return false, database.Wrap("insert reaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Wrap("insert reaction", err)
	}
	if n > 0 {
		return true, nil
	}

	remove := `DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(remove), messageID, userID, emoji); err != nil {
		return false, database.Wrap("delete reaction", err)
	}
	return false, nil
}

func (r *sqlReactionRepo) ListByMessage(ctx context.Context, messageID string) ([]models.ReactionGroup, error) {
	query := `
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id = ?
		ORDER BY created_at, user_id, emoji`

	var rows []models.Reaction
	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(query), messageID); err != nil {
		return nil, database.Wrap("list reactions", err)
	}
	return models.GroupReactions(rows), nil
}

func (r *sqlReactionRepo) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]models.ReactionGroup, error) {
	out := make(map[string][]models.ReactionGroup)
	if len(messageIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id IN (?)
		ORDER BY created_at, user_id, emoji`, messageIDs)
	if err != nil {
		return nil, database.Wrap("list reactions", err)
	}

	var rows []models.Reaction
	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, database.Wrap("list reactions", err)
	}

	byMessage := make(map[string][]models.Reaction)
	for _, row := range rows {
		byMessage[row.MessageID] = append(byMessage[row.MessageID], row)
	}
	for id, reactions := range byMessage {
		out[id] = models.GroupReactions(reactions)
	}
	return out, nil
}
