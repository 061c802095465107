package services

import (
	"context"
	"sync"
	"time"
)

// SessionSweeper periodically hard-deletes expired sessions.
type SessionSweeper interface {
	// Start runs one sweep at once, then one per interval.
	Start()
	Stop()
}

type sessionSweeper struct {
	store    *SessionStore
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSessionSweeper, constructor. timeout bounds a single sweep.
func NewSessionSweeper(store *SessionStore, interval, timeout time.Duration) SessionSweeper {
	return &sessionSweeper{
		store:    store,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sessionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	sessionLog.Info().Dur("interval", s.interval).Msg("session sweeper starting")

	go func() {
		defer close(s.done)

		s.sweep()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				sessionLog.Info().Msg("session sweeper stopped")
				return
			}
		}
	}()
}

// Stop ends the loop and waits for a running sweep to finish. Safe to call
// more than once.
func (s *sessionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true

	close(s.stopCh)
	if s.started {
		<-s.done
	}
}

func (s *sessionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.store.SweepExpired(ctx)
	if err != nil {
		sessionLog.Warn().Err(err).Msg("session sweep failed")
		return
	}
	if n > 0 {
		sessionLog.Info().Int("deleted", n).Msg("expired sessions swept")
	}
}
