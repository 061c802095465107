// Package main: handler setup.
package main

import (
	"fmt"

	"github.com/akinalp/parley/config"
	"github.com/akinalp/parley/handlers"
	"github.com/akinalp/parley/pkg/ratelimit"
	"github.com/akinalp/parley/ws"
)

// Handlers holds every HTTP handler.
type Handlers struct {
	Auth         *handlers.AuthHandler
	Session      *handlers.SessionHandler
	Conversation *handlers.ConversationHandler
	Message      *handlers.MessageHandler
	Reaction     *handlers.ReactionHandler
	Presence     *handlers.PresenceHandler
	WS           *ws.Handler

	loginLimiter   *ratelimit.Limiter
	messageLimiter *ratelimit.Limiter
}

func initHandlers(cfg *config.Config, svcs *Services) (*Handlers, error) {
	clientIP, err := ratelimit.NewClientIP(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_TRUSTED_PROXIES: %w", err)
	}

	// Logins refill over the window with no extra penalty; sends that
	// overrun the burst cool down.
	loginLimiter := ratelimit.New(cfg.RateLimit.LoginAttempts, cfg.RateLimit.LoginWindow, 0)
	messageLimiter := ratelimit.New(
		cfg.RateLimit.MessageBurst,
		cfg.RateLimit.MessageWindow,
		cfg.RateLimit.MessageCooldown,
	)

	return &Handlers{
		Auth:         handlers.NewAuthHandler(svcs.Auth, loginLimiter, clientIP),
		Session:      handlers.NewSessionHandler(svcs.Sessions),
		Conversation: handlers.NewConversationHandler(svcs.Conv),
		Message:      handlers.NewMessageHandler(svcs.Message, messageLimiter),
		Reaction:     handlers.NewReactionHandler(svcs.Reaction),
		Presence:     handlers.NewPresenceHandler(svcs.Presence, svcs.Tracker),
		WS:           ws.NewHandler(svcs.Hub, svcs.Auth, cfg.Server.CORSOrigins),

		loginLimiter:   loginLimiter,
		messageLimiter: messageLimiter,
	}, nil
}

// stop ends the limiters' expiry goroutines.
func (h *Handlers) stop() {
	h.loginLimiter.Stop()
	h.messageLimiter.Stop()
}
