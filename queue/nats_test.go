package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"

	"github.com/akinalp/parley/pkg"
)

type recordingAcker struct {
	calls []string
	fail  error
}

func (a *recordingAcker) Ack(...nats.AckOpt) error  { return a.record("ack") }
func (a *recordingAcker) Nak(...nats.AckOpt) error  { return a.record("nak") }
func (a *recordingAcker) Term(...nats.AckOpt) error { return a.record("term") }

func (a *recordingAcker) record(call string) error {
	a.calls = append(a.calls, call)
	return a.fail
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"handled", nil, "ack"},
		{"store unavailable", pkg.Unavailable("get message", errors.New("connection reset")), "nak"},
		{"handler timed out", fmt.Errorf("push: %w", context.DeadlineExceeded), "nak"},
		{"broken invariant", fmt.Errorf("%w: duplicate record", pkg.ErrConflict), "term"},
		{"unknown failure", errors.New("boom"), "term"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &recordingAcker{}
			assert.Equal(t, tt.want, settle(a, tt.err))
			assert.Equal(t, []string{tt.want}, a.calls, "settled exactly once")
		})
	}
}

func TestSettleReportsOutcomeEvenIfTheServerRefuses(t *testing.T) {
	a := &recordingAcker{fail: nats.ErrConnectionClosed}
	assert.Equal(t, "nak", settle(a, pkg.ErrUnavailable))
	assert.Equal(t, []string{"nak"}, a.calls)
}

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), NATSConfig{}, nil)
	assert.Error(t, err)
}
