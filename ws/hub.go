package ws

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/pkg/metrics"
)

var logger = logging.For("ws")

// ErrHubClosed is returned by Register after Shutdown.
var ErrHubClosed = errors.New("ws: hub is shutting down")

const shardCount = 64

// EventPublisher is what the services push through. It only reaches
// connections held by this process; other processes are reached through
// the delivery queue.
type EventPublisher interface {
	PushToUser(userID string, event Event)
	PushToConversationMembers(ctx context.Context, conversationID string, event Event, excludeUserID string) error
	InvalidateAudience(conversationID string)
}

// SessionBinder persists which connection a session is attached to, so
// presence is visible to every process, and re-validates the session behind
// a live connection.
type SessionBinder interface {
	UpdateLiveHandle(ctx context.Context, sessionID string, handle *string) (*models.Session, error)
	DetachLiveHandle(ctx context.Context, sessionID, handle string) error
	FindByID(ctx context.Context, id string) (*models.Session, bool, error)
}

// ReceiptHandler applies receipts sent by clients over the socket.
type ReceiptHandler interface {
	AckDelivered(ctx context.Context, userID, messageID string) error
	MarkRead(ctx context.Context, userID, messageID string) error
	MarkConversationRead(ctx context.Context, userID, conversationID string) error
}

// shard holds the connections of the users that hash to it.
type shard struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// Hub indexes this process's connections by user, sharded by user id so
// register/deregister churn on one user never blocks pushes to users on
// other shards. Pushes never iterate connections outside the audience.
type Hub struct {
	shards    [shardCount]*shard
	audience  *Audience
	sessions  SessionBinder
	metrics   *metrics.Metrics
	opTimeout time.Duration

	receipts ReceiptHandler
	seq      atomic.Int64
	closing  atomic.Bool
}

// NewHub, constructor. opTimeout bounds the session store and receipt calls
// made on behalf of a connection.
func NewHub(audience *Audience, sessions SessionBinder, m *metrics.Metrics, opTimeout time.Duration) *Hub {
	h := &Hub{
		audience:  audience,
		sessions:  sessions,
		metrics:   m,
		opTimeout: opTimeout,
	}
	for i := range h.shards {
		h.shards[i] = &shard{clients: make(map[string]map[*Client]struct{})}
	}
	return h
}

// SetReceiptHandler wires the service that applies socket receipts.
func (h *Hub) SetReceiptHandler(r ReceiptHandler) {
	h.receipts = r
}

func (h *Hub) shardFor(userID string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(userID))
	return h.shards[f.Sum32()%shardCount]
}

// ─── Registration ───

// Register indexes the client under its user and records its handle on the
// session. If the session is gone by then, the client is removed again and
// the error returned.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	if h.closing.Load() {
		return ErrHubClosed
	}

	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	set, ok := sh.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		sh.clients[c.userID] = set
	}
	set[c] = struct{}{}
	total := len(set)
	sh.mu.Unlock()

	h.metrics.ConnectionsActive.Inc()

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	if _, err := h.sessions.UpdateLiveHandle(ctx, c.sessionID, &c.handle); err != nil {
		h.remove(c)
		return err
	}

	logger.Debug().
		Str("user_id", c.userID).
		Str("session_id", c.sessionID).
		Int("user_connections", total).
		Msg("client connected")
	return nil
}

// Deregister removes a closed client. Safe to call more than once. A user
// losing their last local connection is not declared offline here; other
// processes may hold other sessions.
func (h *Hub) Deregister(c *Client) {
	h.drop(c, "")
}

// drop removes the client at once, then clears its live handle. reason is
// empty for a normal close.
func (h *Hub) drop(c *Client, reason string) {
	if !h.remove(c) {
		return
	}
	if reason != "" {
		h.metrics.ConnectionsDropped.WithLabelValues(reason).Inc()
		logger.Info().Str("user_id", c.userID).Str("reason", reason).Msg("connection dropped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()
	if err := h.sessions.DetachLiveHandle(ctx, c.sessionID, c.handle); err != nil {
		logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("failed to detach live handle")
	}
}

// remove unindexes the client and closes its send channel. It reports
// whether the client was still registered.
func (h *Hub) remove(c *Client) bool {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.clients[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}

	delete(set, c)
	if len(set) == 0 {
		delete(sh.clients, c.userID)
	}
	close(c.send)
	h.metrics.ConnectionsActive.Dec()
	return true
}

// ─── Push ───

// PushToUser pushes to every local connection of the user.
func (h *Hub) PushToUser(userID string, event Event) {
	data, ok := h.encode(&event)
	if !ok {
		return
	}
	h.deliver(userID, data, event.Op)
}

// PushToConversationMembers pushes to the local connections of every member
// except excludeUserID (empty excludes nobody).
func (h *Hub) PushToConversationMembers(ctx context.Context, conversationID string, event Event, excludeUserID string) error {
	members, err := h.audience.Members(ctx, conversationID)
	if err != nil {
		return err
	}

	data, ok := h.encode(&event)
	if !ok {
		return nil
	}
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		h.deliver(userID, data, event.Op)
	}
	return nil
}

// InvalidateAudience drops the cached members of a conversation.
func (h *Hub) InvalidateAudience(conversationID string) {
	h.audience.Invalidate(conversationID)
}

// CloseSessions sends session_revoked to the local connections of the given
// sessions and drops them.
func (h *Hub) CloseSessions(sessions []models.Session) {
	for _, s := range sessions {
		sh := h.shardFor(s.UserID)

		var targets []*Client
		sh.mu.RLock()
		for c := range sh.clients[s.UserID] {
			if c.sessionID == s.ID {
				targets = append(targets, c)
			}
		}
		sh.mu.RUnlock()

		for _, c := range targets {
			h.revoke(c)
		}
	}
}

// recheck drops c when its session is no longer usable. It runs on every
// heartbeat, which bounds how long a socket outlives a revocation whose
// notice never reached this process. A store that cannot answer keeps the
// connection; new connections still authenticate fail-closed.
func (h *Hub) recheck(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
	defer cancel()

	_, ok, err := h.sessions.FindByID(ctx, c.sessionID)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("session recheck failed, keeping connection")
		return
	}
	if !ok {
		h.revoke(c)
	}
}

func (h *Hub) revoke(c *Client) {
	h.sendTo(c, Event{Op: OpSessionRevoked, Data: SessionRevokedData{SessionID: c.sessionID}})
	h.drop(c, "revoked")
}

// deliver queues data on each of the user's connections without blocking.
// A full buffer means the client cannot keep up; it is dropped.
func (h *Hub) deliver(userID string, data []byte, op string) {
	sh := h.shardFor(userID)

	var (
		pushed int
		slow   []*Client
	)
	sh.mu.RLock()
	for c := range sh.clients[userID] {
		select {
		case c.send <- data:
			pushed++
		default:
			slow = append(slow, c)
		}
	}
	sh.mu.RUnlock()

	if pushed > 0 {
		h.metrics.EventsPushed.WithLabelValues(op).Add(float64(pushed))
	}
	for _, c := range slow {
		h.drop(c, "slow_consumer")
	}
}

// sendTo queues an event on one connection if it is still registered.
func (h *Hub) sendTo(c *Client, event Event) {
	data, ok := h.encode(&event)
	if !ok {
		return
	}

	sh := h.shardFor(c.userID)
	full := false
	sh.mu.RLock()
	if _, ok := sh.clients[c.userID][c]; ok {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	sh.mu.RUnlock()

	if full {
		h.drop(c, "slow_consumer")
	}
}

func (h *Hub) encode(event *Event) ([]byte, bool) {
	event.Seq = h.seq.Add(1)
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error().Err(err).Str("op", event.Op).Msg("failed to marshal event")
		return nil, false
	}
	return data, true
}

// ─── Client ops ───

func (h *Hub) relayTyping(ctx context.Context, c *Client, conversationID string) {
	members, err := h.audience.Members(ctx, conversationID)
	if err != nil {
		logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("typing: failed to resolve members")
		return
	}

	// Non-members cannot learn who is in a conversation.
	if !slices.Contains(members, c.userID) {
		return
	}

	data, ok := h.encode(&Event{
		Op:   OpTypingStart,
		Data: TypingStartData{UserID: c.userID, ConversationID: conversationID},
	})
	if !ok {
		return
	}

	for _, userID := range members {
		if userID != c.userID {
			h.deliver(userID, data, OpTypingStart)
		}
	}
}

// ─── Introspection & shutdown ───

// LocalConnections returns how many connections of the user this process
// holds.
func (h *Hub) LocalConnections(userID string) int {
	sh := h.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.clients[userID])
}

// Shutdown closes every connection and clears their live handles. Register
// fails from then on.
func (h *Hub) Shutdown(ctx context.Context) {
	h.closing.Store(true)

	var all []*Client
	for _, sh := range h.shards {
		sh.mu.RLock()
		for _, set := range sh.clients {
			for c := range set {
				all = append(all, c)
			}
		}
		sh.mu.RUnlock()
	}

	var wg sync.WaitGroup
	for _, c := range all {
		if !h.remove(c) {
			continue
		}
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
			defer cancel()
			if err := h.sessions.DetachLiveHandle(opCtx, c.sessionID, c.handle); err != nil {
				logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("failed to detach live handle on shutdown")
			}
		}(c)
	}
	wg.Wait()

	logger.Info().Int("connections", len(all)).Msg("hub shut down")
}
