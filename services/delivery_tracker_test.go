package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/database/dbtest"
	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/metrics"
	"github.com/akinalp/parley/repository"
)

type deliveryFixture struct {
	db      *database.DB
	tracker *DeliveryTracker
}

// newDeliveryFixture seeds sender s and recipients x, y, z in conversation c1.
func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	db := dbtest.New(t)
	for _, u := range []string{"s", "x", "y", "z"} {
		dbtest.SeedUser(t, db, u)
	}
	dbtest.SeedConversation(t, db, "c1", "s", "x", "y", "z")
	return &deliveryFixture{db: db, tracker: NewDeliveryTracker(db.Conn, metrics.New(), 5*time.Second)}
}

// send stores a message from s and its pending records in one transaction.
func (f *deliveryFixture) send(t *testing.T, id string, recipients ...string) error {
	t.Helper()
	ctx := context.Background()
	msg := &models.Message{ID: id, ConversationID: "c1", SenderID: "s", Content: "hello", CreatedAt: time.Now()}

	return database.WithTx(ctx, f.db.Conn, func(tx *sqlx.Tx) error {
		if err := repository.NewSQLMessageRepo(tx).Create(ctx, msg); err != nil {
			return err
		}
		return f.tracker.RecordPending(ctx, tx, msg.ID, msg.ConversationID, recipients)
	})
}

func (f *deliveryFixture) unread(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.tracker.UnreadCount(context.Background(), "c1", userID)
	require.NoError(t, err)
	return n
}

func TestDeliveryTracker_GroupReadReceipt(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t)

	require.NoError(t, f.send(t, "m1", "x", "y", "z"))
	assert.Equal(t, 3, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM delivery_records WHERE message_id = 'm1' AND status = 'pending'`))

	tr, err := f.tracker.MarkRead(ctx, "m1", "x")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "s", tr.SenderID)
	assert.Equal(t, "c1", tr.ConversationID)
	assert.Equal(t, models.DeliveryRead, tr.Status)

	rc, err := f.tracker.ReadCount(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.ReadCount{Total: 3, Read: 1}, rc)

	assert.Equal(t, 0, f.unread(t, "x"))
	assert.Equal(t, 1, f.unread(t, "y"))
}

func TestDeliveryTracker_Monotonicity(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t)

	// Every sequence of up to four acks over {delivered, read}.
	var sequences [][]models.DeliveryStatus
	var build func(prefix []models.DeliveryStatus)
	build = func(prefix []models.DeliveryStatus) {
		sequences = append(sequences, append([]models.DeliveryStatus(nil), prefix...))
		if len(prefix) == 4 {
			return
		}
		for _, next := range []models.DeliveryStatus{models.DeliveryDelivered, models.DeliveryRead} {
			build(append(prefix, next))
		}
	}
	build(nil)

	for i, seq := range sequences {
		t.Run(fmt.Sprint(seq), func(t *testing.T) {
			id := fmt.Sprintf("m%d", i)
			require.NoError(t, f.send(t, id, "x"))

			want := models.DeliveryPending
			for _, step := range seq {
				var err error
				if step == models.DeliveryDelivered {
					_, err = f.tracker.MarkDelivered(ctx, id, "x")
				} else {
					_, err = f.tracker.MarkRead(ctx, id, "x")
				}
				require.NoError(t, err, "replays are no-ops, not errors")

				if want.CanAdvanceTo(step) {
					want = step
				}
			}

			rec, err := f.tracker.Record(ctx, id, "x")
			require.NoError(t, err)
			assert.Equal(t, want, rec.Status)
		})
	}
}

func TestDeliveryTracker_ReplayReturnsNoTransition(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t)
	require.NoError(t, f.send(t, "m1", "x"))

	tr, err := f.tracker.MarkDelivered(ctx, "m1", "x")
	require.NoError(t, err)
	require.NotNil(t, tr)

	tr, err = f.tracker.MarkDelivered(ctx, "m1", "x")
	require.NoError(t, err)
	assert.Nil(t, tr)

	tr, err = f.tracker.MarkRead(ctx, "m1", "x")
	require.NoError(t, err)
	require.NotNil(t, tr)

	tr, err = f.tracker.MarkDelivered(ctx, "m1", "x")
	require.NoError(t, err)
	assert.Nil(t, tr, "read never falls back to delivered")

	tr, err = f.tracker.MarkRead(ctx, "missing", "x")
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestDeliveryTracker_SendIsAtomic(t *testing.T) {
	f := newDeliveryFixture(t)

	tests := []struct {
		name       string
		recipients []string
		kind       pkg.Kind
	}{
		{"duplicate recipient after two rows", []string{"x", "y", "x"}, pkg.KindConflict},
		{"unknown recipient after one row", []string{"x", "nobody"}, pkg.KindConflict},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("bad%d", i)
			err := f.send(t, id, tt.recipients...)
			require.Error(t, err)
			assert.Equal(t, tt.kind, pkg.KindOf(err))

			assert.Zero(t, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM messages WHERE id = ?`, id))
			assert.Zero(t, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM delivery_records WHERE message_id = ?`, id))
			assert.Zero(t, dbtest.Count(t, f.db, `SELECT COALESCE(SUM(unread_count), 0) FROM unread_counters`))
		})
	}
}

func TestDeliveryTracker_BulkMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t)

	require.NoError(t, f.send(t, "m1", "x", "y"))
	require.NoError(t, f.send(t, "m2", "x", "y"))
	_, err := f.tracker.MarkDelivered(ctx, "m2", "x")
	require.NoError(t, err)
	assert.Equal(t, 2, f.unread(t, "x"))

	first, err := f.tracker.BulkMarkRead(ctx, "c1", "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, first.BySender["s"])
	assert.Equal(t, 0, f.unread(t, "x"))

	second, err := f.tracker.BulkMarkRead(ctx, "c1", "x")
	require.NoError(t, err)
	assert.Empty(t, second.BySender)
	assert.Equal(t, 0, f.unread(t, "x"))

	assert.Equal(t, 2, f.unread(t, "y"), "other recipients are untouched")

	counters, err := f.tracker.UnreadCounters(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, counters)
}

func TestDeliveryTracker_CounterMatchesRecords(t *testing.T) {
	ctx := context.Background()
	f := newDeliveryFixture(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.send(t, fmt.Sprintf("m%d", i), "x"))
	}
	for _, id := range []string{"m1", "m3"} {
		_, err := f.tracker.MarkRead(ctx, id, "x")
		require.NoError(t, err)
	}

	nonRead := dbtest.Count(t, f.db, `SELECT COUNT(*) FROM delivery_records WHERE recipient_id = 'x' AND status <> 'read'`)
	assert.Equal(t, 3, nonRead)
	assert.Equal(t, nonRead, f.unread(t, "x"))

	dbtest.Exec(t, f.db, `DELETE FROM messages WHERE id = 'm0'`)
	require.NoError(t, f.tracker.RederiveConversation(ctx, f.db.Conn, "c1"))
	assert.Equal(t, 2, f.unread(t, "x"))
}
