package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
)

type sqlUserRepo struct {
	db database.TxQuerier
}

// NewSQLUserRepo, constructor.
func NewSQLUserRepo(db database.TxQuerier) UserRepository {
	return &sqlUserRepo{db: db}
}

func (r *sqlUserRepo) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, display_name, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.CreatedAt.UTC())
	if err != nil {
		if database.IsConstraintViolation(err) {
			return fmt.Errorf("%w: username already taken", pkg.ErrAlreadyExists)
		}
		return database.Wrap("create user", err)
	}
	return nil
}

func (r *sqlUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, display_name, password_hash, created_at FROM users WHERE id = ?`

	var user models.User
	if err := sqlx.GetContext(ctx, r.db, &user, r.db.Rebind(query), id); err != nil {
		return nil, database.Wrap("get user by id", err)
	}
	return &user, nil
}

func (r *sqlUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT id, username, display_name, password_hash, created_at FROM users WHERE username = ?`

	var user models.User
	if err := sqlx.GetContext(ctx, r.db, &user, r.db.Rebind(query), username); err != nil {
		return nil, database.Wrap("get user by username", err)
	}
	return &user, nil
}

func (r *sqlUserRepo) CountExisting(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build user count query: %w", err)
	}

	var n int
	if err := sqlx.GetContext(ctx, r.db, &n, r.db.Rebind(query), args...); err != nil {
		return 0, database.Wrap("count users", err)
	}
	return n, nil
}
