package ws

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MembershipSource resolves the members of a conversation.
type MembershipSource interface {
	GetMemberIDs(ctx context.Context, conversationID string) ([]string, error)
}

// generationStripes bounds the generation counters; conversations sharing
// a stripe only cost each other a skipped cache write.
const generationStripes = 256

// Audience caches conversation membership for fan-out. It is process-local
// and never authoritative: entries expire after ttl and are dropped as soon
// as a membership change is announced, locally or by another process.
//
// A load that started before an invalidation may return the old members to
// its caller, but never caches them: every invalidation bumps the
// generation of the conversation's stripe, and a load only stores its
// result if the generation it started with is still current.
type Audience struct {
	source  MembershipSource
	members *ttlcache.Cache[string, []string]
	timeout time.Duration

	mu          sync.Mutex
	generations [generationStripes]uint64
}

// NewAudience, constructor. Call Start to run expiry and Stop on shutdown.
func NewAudience(source MembershipSource, ttl, timeout time.Duration, capacity uint64) *Audience {
	return &Audience{
		source: source,
		members: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](ttl),
			ttlcache.WithCapacity[string, []string](capacity),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
		timeout: timeout,
	}
}

// Members returns the member ids of a conversation, from cache when fresh.
func (a *Audience) Members(ctx context.Context, conversationID string) ([]string, error) {
	if item := a.members.Get(conversationID); item != nil {
		return item.Value(), nil
	}

	stripe := stripeOf(conversationID)
	a.mu.Lock()
	gen := a.generations[stripe]
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ids, err := a.source.GetMemberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.generations[stripe] == gen {
		a.members.Set(conversationID, ids, ttlcache.DefaultTTL)
	}
	a.mu.Unlock()
	return ids, nil
}

// Invalidate drops the cached members of a conversation and discards any
// load already in flight for it.
func (a *Audience) Invalidate(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[stripeOf(conversationID)]++
	a.members.Delete(conversationID)
}

// Start runs the expiry loop; it blocks until Stop.
func (a *Audience) Start() { a.members.Start() }

// Stop ends the expiry loop.
func (a *Audience) Stop() { a.members.Stop() }

func stripeOf(conversationID string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(conversationID))
	return int(f.Sum32() % generationStripes)
}
