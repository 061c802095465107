package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg/metrics"
)

// Local is the single-process queue used when no NATS URL is configured.
// Every recipient connection lives in this process and has already been
// pushed to, so jobs are only counted and logged.
type Local struct {
	origin  string
	metrics *metrics.Metrics
}

func NewLocal(m *metrics.Metrics) *Local {
	return &Local{origin: uuid.NewString(), metrics: m}
}

func (l *Local) Origin() string { return l.origin }

func (l *Local) Enqueue(_ context.Context, job DeliveryJob) error {
	l.metrics.QueueEnqueued.WithLabelValues("local").Inc()
	logger.Debug().
		Str("message_id", job.MessageID).
		Int("recipients", len(job.RecipientIDs)).
		Msg("delivery job handled locally")
	return nil
}

func (l *Local) PublishMembership(context.Context, models.MembershipChange) error { return nil }

func (l *Local) ConsumeDeliveries(DeliveryHandler) error { return nil }

func (l *Local) SubscribeMembership(MembershipHandler) error { return nil }

func (l *Local) PublishRevocation(context.Context, []models.Session) error { return nil }

func (l *Local) SubscribeRevocations(RevocationHandler) error { return nil }

func (l *Local) Close() error { return nil }
