package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg/metrics"
)

func TestHandleDelivery(t *testing.T) {
	job := DeliveryJob{MessageID: "m1", ConversationID: "c1", RecipientIDs: []string{"x", "y"}, Origin: "node-a"}
	data, err := json.Marshal(job)
	require.NoError(t, err)

	tests := []struct {
		name    string
		origin  string
		data    []byte
		fail    error
		called  bool
		wantErr bool
	}{
		{"foreign job runs", "node-b", data, nil, true, false},
		{"own job skipped", "node-a", data, nil, false, false},
		{"handler error asks for retry", "node-b", data, errors.New("db down"), true, true},
		{"malformed job dropped", "node-b", []byte("{"), nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *DeliveryJob
			err := handleDelivery(context.Background(), tt.origin, tt.data, func(_ context.Context, j DeliveryJob) error {
				got = &j
				return tt.fail
			})

			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.called, got != nil)
			if got != nil {
				assert.Equal(t, []string{"x", "y"}, got.RecipientIDs)
			}
		})
	}
}

func TestHandleMembershipSkipsOwnNotices(t *testing.T) {
	change := models.MembershipChange{ConversationID: "c1", Added: []string{"z"}}
	data, err := json.Marshal(membershipEnvelope{MembershipChange: change, Origin: "node-a"})
	require.NoError(t, err)

	var seen []models.MembershipChange
	h := func(c models.MembershipChange) { seen = append(seen, c) }

	handleMembership("node-a", data, h)
	assert.Empty(t, seen)

	handleMembership("node-b", data, h)
	require.Len(t, seen, 1)
	assert.Equal(t, change, seen[0])
}

func TestRevocationNotice(t *testing.T) {
	sessions := []models.Session{
		{ID: "s1", UserID: "alice", TokenHash: "secret-hash"},
		{ID: "s2", UserID: "bob"},
	}
	data, err := encodeRevocation("node-a", sessions)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-hash", "token hashes never leave the process")

	var seen []models.Session
	h := func(s []models.Session) { seen = append(seen, s...) }

	handleRevocation("node-a", data, h)
	assert.Empty(t, seen, "own notice skipped")

	handleRevocation("node-b", data, h)
	assert.Equal(t, []models.Session{{ID: "s1", UserID: "alice"}, {ID: "s2", UserID: "bob"}}, seen)

	handleRevocation("node-b", []byte("{"), h)
	assert.Len(t, seen, 2, "malformed notice dropped")
}

func TestLocalCountsJobs(t *testing.T) {
	m := metrics.New()
	q := NewLocal(m)

	require.NoError(t, q.Enqueue(context.Background(), DeliveryJob{MessageID: "m1"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueEnqueued.WithLabelValues("local")))
	assert.NotEmpty(t, q.Origin())
}
