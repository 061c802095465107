// Package dbtest opens a migrated SQLite database per test.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/config"
	"github.com/akinalp/parley/database"
)

// New returns a fresh database in t.TempDir(), closed on cleanup.
func New(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(context.Background(), config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "parley.db"),
		MaxOpenConns: 4,
		QueryTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Exec runs a raw statement, used to seed fixtures.
func Exec(t *testing.T, db *database.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Conn.Exec(db.Conn.Rebind(query), args...)
	require.NoError(t, err)
}

// SeedUser inserts a user row with the given id.
func SeedUser(t *testing.T, db *database.DB, id string) {
	t.Helper()
	Exec(t, db, `INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, 'x', ?)`,
		id, "user_"+id, time.Now().UTC())
}

// SeedConversation inserts a group conversation with the given members.
// The first member is recorded as the creator.
func SeedConversation(t *testing.T, db *database.DB, id string, members ...string) {
	t.Helper()
	now := time.Now().UTC()
	Exec(t, db, `INSERT INTO conversations (id, kind, created_by, created_at) VALUES (?, 'group', ?, ?)`,
		id, members[0], now)
	for _, m := range members {
		Exec(t, db, `INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`,
			id, m, now)
	}
}

// Count returns the result of a COUNT(*) query.
func Count(t *testing.T, db *database.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.Conn.Get(&n, db.Conn.Rebind(query), args...))
	return n
}
