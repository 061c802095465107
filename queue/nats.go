package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/metrics"
)

// NATSConfig configures the NATS backend.
type NATSConfig struct {
	URL               string
	Name              string
	Stream            string
	DeliverySubject   string
	MembershipSubject string
	RevocationSubject string
	AckWait           time.Duration
	MaxDeliver        int
	ReconnectWait     time.Duration
	Timeout           time.Duration
	HandlerTimeout    time.Duration
}

// NATS publishes delivery jobs to a JetStream stream, so a job survives a
// consumer restart and is redelivered until acked or MaxDeliver is reached.
// Membership and revocation notices are fire-and-forget on core NATS. A lost
// membership notice leaves an audience stale until its TTL runs out; a lost
// revocation leaves a socket open until its next heartbeat recheck.
type NATS struct {
	cfg     NATSConfig
	nc      *nats.Conn
	js      nats.JetStreamContext
	origin  string
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS and makes sure the delivery stream exists.
func Connect(ctx context.Context, cfg NATSConfig, m *metrics.Metrics) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, pkg.Unavailable("nats connect", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	q := &NATS{
		cfg:     cfg,
		nc:      nc,
		js:      js,
		origin:  uuid.NewString(),
		metrics: m,
	}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info().
		Str("url", nc.ConnectedUrl()).
		Str("stream", cfg.Stream).
		Str("origin", q.origin).
		Msg("delivery queue connected")
	return q, nil
}

func (q *NATS) ensureStream(ctx context.Context) error {
	_, err := q.js.StreamInfo(q.cfg.Stream, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.cfg.Stream,
		Subjects:  []string{q.cfg.DeliverySubject},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("add stream %s: %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *NATS) Origin() string { return q.origin }

// Enqueue publishes the job and waits for the stream to ack it.
func (q *NATS) Enqueue(ctx context.Context, job DeliveryJob) error {
	job.Origin = q.origin
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}

	msg := nats.NewMsg(q.cfg.DeliverySubject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, job.MessageID)

	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		q.metrics.QueueEnqueued.WithLabelValues("error").Inc()
		return pkg.Unavailable("enqueue delivery", err)
	}
	q.metrics.QueueEnqueued.WithLabelValues("ok").Inc()
	return nil
}

func (q *NATS) PublishMembership(_ context.Context, change models.MembershipChange) error {
	data, err := json.Marshal(membershipEnvelope{MembershipChange: change, Origin: q.origin})
	if err != nil {
		return fmt.Errorf("marshal membership change: %w", err)
	}
	if err := q.nc.Publish(q.cfg.MembershipSubject, data); err != nil {
		return pkg.Unavailable("publish membership", err)
	}
	return nil
}

// ConsumeDeliveries subscribes this process to every new job.
func (q *NATS) ConsumeDeliveries(h DeliveryHandler) error {
	sub, err := q.js.Subscribe(q.cfg.DeliverySubject, func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.HandlerTimeout)
		defer cancel()

		outcome := settle(m, handleDelivery(ctx, q.origin, m.Data, h))
		q.metrics.QueueSettled.WithLabelValues(outcome).Inc()
	},
		nats.DeliverNew(),
		nats.ManualAck(),
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("subscribe deliveries: %w", err)
	}
	q.track(sub)
	return nil
}

func (q *NATS) SubscribeMembership(h MembershipHandler) error {
	sub, err := q.nc.Subscribe(q.cfg.MembershipSubject, func(m *nats.Msg) {
		handleMembership(q.origin, m.Data, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe membership: %w", err)
	}
	q.track(sub)
	return nil
}

func (q *NATS) PublishRevocation(_ context.Context, sessions []models.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	data, err := encodeRevocation(q.origin, sessions)
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}
	if err := q.nc.Publish(q.cfg.RevocationSubject, data); err != nil {
		return pkg.Unavailable("publish revocation", err)
	}
	return nil
}

func (q *NATS) SubscribeRevocations(h RevocationHandler) error {
	sub, err := q.nc.Subscribe(q.cfg.RevocationSubject, func(m *nats.Msg) {
		handleRevocation(q.origin, m.Data, h)
	})
	if err != nil {
		return fmt.Errorf("subscribe revocations: %w", err)
	}
	q.track(sub)
	return nil
}

// acker is the part of *nats.Msg that settles a JetStream delivery.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
}

// settle acks a handled job. A transient failure naks it so JetStream
// redelivers it, up to MaxDeliver; any other failure would fail again and
// terminates it. Returns the outcome for metrics.
func settle(m acker, err error) string {
	var (
		outcome   string
		settleErr error
	)
	switch {
	case err == nil:
		outcome, settleErr = "ack", m.Ack()
	case pkg.IsRetryable(err):
		logger.Warn().Err(err).Msg("delivery job failed, requesting redelivery")
		outcome, settleErr = "nak", m.Nak()
	default:
		logger.Error().Err(err).Msg("delivery job failed permanently, dropping it")
		outcome, settleErr = "term", m.Term()
	}
	if settleErr != nil {
		logger.Warn().Err(settleErr).Str("outcome", outcome).Msg("failed to settle delivery job")
	}
	return outcome
}

func (q *NATS) track(sub *nats.Subscription) {
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
}

// Close drains the subscriptions and the connection.
func (q *NATS) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		_ = sub.Drain()
	}
	q.subs = nil
	return q.nc.Drain()
}
