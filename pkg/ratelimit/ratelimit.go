// Package ratelimit holds the keyed token-bucket limiters used by the HTTP
// layer (login attempts per client IP, sends per user) and the resolver
// that decides which address a request really came from.
//
// The package imports nothing from the project, so both handlers and
// middleware can use it.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// entry is the state of one key.
type entry struct {
	bucket       *rate.Limiter
	blockedUntil time.Time // zero: not cooling down
}

// Limiter allows burst events per key per window, refilling evenly over the
// window. With a cooldown, the first refused event blocks the key for the
// whole cooldown regardless of refill.
//
//	logins := ratelimit.New(5, 2*time.Minute, 0)
//	if ok, wait := logins.Allow(ip); !ok { return 429 with wait }
//
// Idle keys expire from the cache once their bucket would be full again.
type Limiter struct {
	mu       sync.Mutex
	entries  *ttlcache.Cache[string, *entry]
	limit    rate.Limit
	burst    int
	cooldown time.Duration
	now      func() time.Time
	stopOnce sync.Once
}

// New starts a limiter and the goroutine that expires idle keys.
func New(burst int, window, cooldown time.Duration) *Limiter {
	if burst < 1 {
		burst = 1
	}
	idle := max(window, cooldown)

	l := &Limiter{
		entries: ttlcache.New[string, *entry](
			ttlcache.WithTTL[string, *entry](idle),
		),
		limit:    rate.Every(window / time.Duration(burst)),
		burst:    burst,
		cooldown: cooldown,
		now:      time.Now,
	}
	go l.entries.Start()
	return l
}

// Allow counts an event for key. When it is refused, wait is how long the
// caller should hold off.
func (l *Limiter) Allow(key string) (ok bool, wait time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(key)
	if now.Before(e.blockedUntil) {
		return false, e.blockedUntil.Sub(now)
	}
	if e.bucket.AllowN(now, 1) {
		return true, 0
	}
	if l.cooldown > 0 {
		e.blockedUntil = now.Add(l.cooldown)
		return false, l.cooldown
	}
	return false, l.refill(e.bucket, now)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Delete(key)
}

// Stop ends the expiry goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(l.entries.Stop)
}

func (l *Limiter) entry(key string) *entry {
	if item := l.entries.Get(key); item != nil {
		return item.Value()
	}
	e := &entry{bucket: rate.NewLimiter(l.limit, l.burst)}
	l.entries.Set(key, e, ttlcache.DefaultTTL)
	return e
}

// refill is how long until the bucket holds one token again.
func (l *Limiter) refill(bucket *rate.Limiter, now time.Time) time.Duration {
	missing := 1 - bucket.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// RetryAfterSeconds is the Retry-After header value for wait, rounded up
// and never below one second.
func RetryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// FormatRetryMessage renders seconds for humans: 120 → "2 minute(s)".
func FormatRetryMessage(seconds int) string {
	if seconds >= 60 {
		return fmt.Sprintf("%d minute(s)", seconds/60)
	}
	return fmt.Sprintf("%d second(s)", seconds)
}
