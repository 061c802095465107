// Package main: realtime core and service setup.
package main

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/akinalp/parley/config"
	"github.com/akinalp/parley/pkg/cache"
	"github.com/akinalp/parley/pkg/metrics"
	"github.com/akinalp/parley/queue"
	"github.com/akinalp/parley/services"
	"github.com/akinalp/parley/ws"
)

// Membership notices from other processes normally drop a cached audience
// long before audienceTTL; the TTL bounds staleness when one is lost.
const (
	audienceTTL      = 5 * time.Minute
	audienceCapacity = 50_000
)

// Services holds the realtime core and the services built on it.
type Services struct {
	Sessions  *services.SessionStore
	Tracker   *services.DeliveryTracker
	Audience  *ws.Audience
	Hub       *ws.Hub
	Sweeper   services.SessionSweeper
	Auth      services.AuthService
	Conv      services.ConversationService
	Message   services.MessageService
	Reaction  services.ReactionService
	Presence  services.PresenceService
	Queue     queue.Queue
	CacheTier cache.Store
}

// initCache picks the shared Redis tier, or an in-process store when no
// address is configured.
func initCache(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if len(cfg.Redis.Addrs) == 0 {
		logger.Warn().Msg("REDIS_ADDRS not set, using in-process session cache (single process only)")
		return cache.NewMemoryStore(time.Minute), nil
	}

	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addrs:     cfg.Redis.Addrs,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Strs("addrs", cfg.Redis.Addrs).Msg("session cache on redis")
	return store, nil
}

// initQueue connects the NATS delivery queue, or returns the local no-op
// queue when no URL is configured.
func initQueue(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (queue.Queue, error) {
	if cfg.NATS.URL == "" {
		logger.Warn().Msg("NATS_URL not set, delivery queue disabled (single process only)")
		return queue.NewLocal(m), nil
	}

	q, err := queue.Connect(ctx, queue.NATSConfig{
		URL:               cfg.NATS.URL,
		Name:              cfg.NATS.Name,
		Stream:            cfg.NATS.Stream,
		DeliverySubject:   cfg.NATS.DeliverySubject,
		MembershipSubject: cfg.NATS.MembershipSubject,
		RevocationSubject: cfg.NATS.RevocationSubject,
		AckWait:           cfg.NATS.AckWait,
		MaxDeliver:        cfg.NATS.MaxDeliver,
	}, m)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", cfg.NATS.URL).Str("origin", q.Origin()).Msg("delivery queue on nats")
	return q, nil
}

// initServices builds the session store, the delivery tracker, the
// broadcaster and the services, leaves first.
func initServices(
	cfg *config.Config,
	db *sqlx.DB,
	repos *Repositories,
	store cache.Store,
	q queue.Queue,
	m *metrics.Metrics,
) *Services {
	sessions := services.NewSessionStore(repos.Session, store, m, services.SessionStoreConfig{
		CacheCeiling:  cfg.Session.CacheCeiling,
		CacheTimeout:  cfg.Redis.OpTimeout,
		QueryTimeout:  cfg.Database.QueryTimeout,
		TouchInterval: cfg.Session.TouchInterval,
	})
	tracker := services.NewDeliveryTracker(db, m, cfg.Database.QueryTimeout)

	audience := ws.NewAudience(repos.Conversation, audienceTTL, cfg.Database.QueryTimeout, audienceCapacity)
	hub := ws.NewHub(audience, sessions, m, cfg.Database.QueryTimeout)

	issuer := services.NewTokenIssuer(cfg.JWT.Secret)
	authService := services.NewAuthService(repos.User, sessions, issuer, services.AuthConfig{
		SessionLifetime: cfg.Session.Lifetime,
	})

	return &Services{
		Sessions:  sessions,
		Tracker:   tracker,
		Audience:  audience,
		Hub:       hub,
		Sweeper:   services.NewSessionSweeper(sessions, cfg.Session.SweepInterval, cfg.Database.QueryTimeout),
		Auth:      authService,
		Conv:      services.NewConversationService(db, repos.Conversation, repos.User, tracker, hub, q, cfg.Database.QueryTimeout),
		Message:   services.NewMessageService(db, repos.Message, repos.Conversation, tracker, hub, q, cfg.Database.QueryTimeout),
		Reaction:  services.NewReactionService(db, repos.Reaction, repos.Message, repos.Conversation, hub, cfg.Database.QueryTimeout),
		Presence:  services.NewPresenceService(sessions),
		Queue:     q,
		CacheTier: store,
	}
}
