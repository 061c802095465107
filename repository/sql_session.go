package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
)

const sessionColumns = `id, user_id, token_hash, device_id, device_type, device_name,
	ip_address, user_agent, live_handle, active, last_activity_at, created_at, expires_at`

// sqlSessionRepo implements SessionRepository on SQLite and PostgreSQL.
type sqlSessionRepo struct {
	db database.TxQuerier
}

// NewSQLSessionRepo, constructor.
func NewSQLSessionRepo(db database.TxQuerier) SessionRepository {
	return &sqlSessionRepo{db: db}
}

func (r *sqlSessionRepo) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		s.ID, s.UserID, s.TokenHash,
		s.DeviceID, s.DeviceType, s.DeviceName, s.IPAddress, s.UserAgent,
		s.LiveHandle, s.Active,
		s.LastActivityAt.UTC(), s.CreatedAt.UTC(), s.ExpiresAt.UTC(),
	)
	return database.Wrap("create session", err)
}

func (r *sqlSessionRepo) GetUsableByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE token_hash = ? AND active = TRUE AND expires_at > ?`

	return r.getOne(ctx, "get session by token", query, tokenHash, now.UTC())
}

func (r *sqlSessionRepo) GetUsableByID(ctx context.Context, id string, now time.Time) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE id = ? AND active = TRUE AND expires_at > ?`

	return r.getOne(ctx, "get session by id", query, id, now.UTC())
}

func (r *sqlSessionRepo) ListUsableByUser(ctx context.Context, userID string, now time.Time) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND active = TRUE AND expires_at > ?
		ORDER BY created_at`

	return r.getMany(ctx, "list user sessions", query, userID, now.UTC())
}

func (r *sqlSessionRepo) SetLiveHandle(ctx context.Context, id string, handle *string, now time.Time) (*models.Session, error) {
	query := `UPDATE sessions SET live_handle = ?, last_activity_at = ?
		WHERE id = ? AND active = TRUE AND expires_at > ?
		RETURNING ` + sessionColumns

	return r.getOne(ctx, "set live handle", query, handle, now.UTC(), id, now.UTC())
}

func (r *sqlSessionRepo) ClearLiveHandleIf(ctx context.Context, id, handle string) (*models.Session, error) {
	query := `UPDATE sessions SET live_handle = NULL
		WHERE id = ? AND live_handle = ?
		RETURNING ` + sessionColumns

	return r.getOne(ctx, "clear live handle", query, id, handle)
}

func (r *sqlSessionRepo) TouchActivity(ctx context.Context, id string, at, notBefore time.Time) (bool, error) {
	query := `UPDATE sessions SET last_activity_at = ?
		WHERE id = ? AND active = TRUE AND last_activity_at < ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), at.UTC(), id, notBefore.UTC())
	if err != nil {
		return false, database.Wrap("touch session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, database.Wrap("touch session", err)
	}
	return n > 0, nil
}

func (r *sqlSessionRepo) ExtendExpiry(ctx context.Context, tokenHash string, newExpiry, now time.Time) (*models.Session, error) {
	query := `UPDATE sessions SET expires_at = ?, last_activity_at = ?
		WHERE token_hash = ? AND active = TRUE AND expires_at > ?
		RETURNING ` + sessionColumns

	return r.getOne(ctx, "extend session", query, newExpiry.UTC(), now.UTC(), tokenHash, now.UTC())
}

func (r *sqlSessionRepo) DeactivateByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	query := `UPDATE sessions SET active = FALSE, live_handle = NULL
		WHERE token_hash = ? AND active = TRUE
		RETURNING ` + sessionColumns

	return r.getOne(ctx, "deactivate session", query, tokenHash)
}

func (r *sqlSessionRepo) DeactivateByID(ctx context.Context, id string) (*models.Session, error) {
	query := `UPDATE sessions SET active = FALSE, live_handle = NULL
		WHERE id = ? AND active = TRUE
		RETURNING ` + sessionColumns

	return r.getOne(ctx, "deactivate session", query, id)
}

func (r *sqlSessionRepo) DeactivateAllForUser(ctx context.Context, userID string) ([]models.Session, error) {
	query := `UPDATE sessions SET active = FALSE, live_handle = NULL
		WHERE user_id = ? AND active = TRUE
		RETURNING ` + sessionColumns

	return r.getMany(ctx, "deactivate user sessions", query, userID)
}

func (r *sqlSessionRepo) DeleteExpired(ctx context.Context, now time.Time) ([]models.Session, error) {
	query := `DELETE FROM sessions WHERE expires_at <= ?
		RETURNING ` + sessionColumns

	return r.getMany(ctx, "delete expired sessions", query, now.UTC())
}

func (r *sqlSessionRepo) getOne(ctx context.Context, op, query string, args ...any) (*models.Session, error) {
	var s models.Session
	if err := sqlx.GetContext(ctx, r.db, &s, r.db.Rebind(query), args...); err != nil {
		return nil, database.Wrap(op, err)
	}
	return &s, nil
}

func (r *sqlSessionRepo) getMany(ctx context.Context, op, query string, args ...any) ([]models.Session, error) {
	var out []models.Session
	if err := sqlx.SelectContext(ctx, r.db, &out, r.db.Rebind(query), args...); err != nil {
		return nil, database.Wrap(op, err)
	}
	return out, nil
}
