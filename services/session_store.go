package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/cache"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/pkg/metrics"
	"github.com/akinalp/parley/repository"
)

var sessionLog = logging.For("session-store")

// Cache key layout. One session lives under three keys:
//
//	parley:session:token:<sha256(token)> -> cbor(Session)
//	parley:session:id:<session id>       -> cbor(Session)
//	parley:session:user:<user id>        -> set of session ids (no TTL)
//
// A revoked or swept session also leaves a marker for CacheCeiling:
//
//	parley:session:revoked:<session id>  -> "1"
//
// A lookup that read the durable row just before the revocation may write
// the three keys back after the revocation evicted them. The marker makes
// both the writer and later readers discard such entries.
const (
	sessionKeyPrefix = "parley:session:"
	tokenIndex       = "token"
	idIndex          = "id"
	userIndex        = "user"
	revokedMarker    = "revoked"
)

func tokenKey(tokenHash string) string { return sessionKeyPrefix + tokenIndex + ":" + tokenHash }
func idKey(id string) string           { return sessionKeyPrefix + idIndex + ":" + id }
func userKey(userID string) string     { return sessionKeyPrefix + userIndex + ":" + userID }
func revokedKey(id string) string      { return sessionKeyPrefix + revokedMarker + ":" + id }

var sessionCodec = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// HashToken returns the form a credential is stored and cached under.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionStoreConfig tunes the store.
type SessionStoreConfig struct {
	// CacheCeiling caps the TTL of cached session objects.
	CacheCeiling time.Duration
	// CacheTimeout bounds every single cache call.
	CacheTimeout time.Duration
	// QueryTimeout bounds every durable store call.
	QueryTimeout time.Duration
	// TouchInterval is the minimum gap between two last-activity writes.
	TouchInterval time.Duration
}

// SessionStore decides whether a credential is a valid, live session. The
// durable repository is the authority; the cache accelerates lookups through
// three indices (by token, by id, by user) written as independent single-key
// operations in a fixed order: durable store, token, id, user set.
//
// Cache failures are retried once, logged and swallowed. A stale cache entry
// is never trusted on its own: token and id hits are cross-checked against
// the user set and the session's own active/expiry fields.
type SessionStore struct {
	repo    repository.SessionRepository
	cache   cache.Store
	metrics *metrics.Metrics
	cfg     SessionStoreConfig
	now     func() time.Time

	onRevoke func(sessions []models.Session)
}

// NewSessionStore, constructor.
func NewSessionStore(repo repository.SessionRepository, store cache.Store, m *metrics.Metrics, cfg SessionStoreConfig) *SessionStore {
	return &SessionStore{
		repo:    repo,
		cache:   store,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// OnRevoke registers the callback run after sessions are invalidated or
// swept, e.g. to close their live connections.
func (s *SessionStore) OnRevoke(fn func(sessions []models.Session)) {
	s.onRevoke = fn
}

// ─── Create ───

// Create persists a new session for token and caches it under all three
// indices. The TTL of the cached copies never exceeds the time left until
// expiresAt.
func (s *SessionStore) Create(ctx context.Context, userID, token string, device models.DeviceInfo, expiresAt time.Time) (*models.Session, error) {
	now := s.now().UTC()
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: session expiry must be in the future", pkg.ErrBadRequest)
	}

	session := &models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		TokenHash:      HashToken(token),
		DeviceInfo:     device,
		Active:         true,
		LastActivityAt: now,
		CreatedAt:      now,
		ExpiresAt:      expiresAt.UTC(),
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()
	if err := s.repo.Create(dbCtx, session); err != nil {
		return nil, err
	}

	s.populate(ctx, session)
	return session, nil
}

// ─── Lookups ───

// FindByToken resolves a credential. ok is false when no usable session
// matches; err is set only when the durable store could not be asked, and
// callers authenticating a request must then fail closed.
func (s *SessionStore) FindByToken(ctx context.Context, token string) (*models.Session, bool, error) {
	hash := HashToken(token)
	now := s.now()

	if cached, ok := s.readCached(ctx, tokenIndex, tokenKey(hash)); ok {
		if cached.TokenHash == hash && cached.Usable(now) && s.listed(ctx, cached) && !s.isRevoked(ctx, cached.ID) {
			s.lookup(tokenIndex, "hit")
			return cached, true, nil
		}
		s.lookup(tokenIndex, "stale")
	} else {
		s.lookup(tokenIndex, "miss")
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()
	session, err := s.repo.GetUsableByTokenHash(dbCtx, hash, now)
	if errors.Is(err, pkg.ErrNotFound) {
		s.cacheDo(ctx, "del_token", func(ctx context.Context) error { return s.cache.Del(ctx, tokenKey(hash)) })
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.populate(ctx, session)
	return session, true, nil
}

// FindByID resolves a session id with the same cache-aside path as
// FindByToken.
func (s *SessionStore) FindByID(ctx context.Context, id string) (*models.Session, bool, error) {
	now := s.now()

	if cached, ok := s.readCached(ctx, idIndex, idKey(id)); ok {
		if cached.ID == id && cached.Usable(now) && s.listed(ctx, cached) && !s.isRevoked(ctx, cached.ID) {
			s.lookup(idIndex, "hit")
			return cached, true, nil
		}
		s.lookup(idIndex, "stale")
	} else {
		s.lookup(idIndex, "miss")
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()
	session, err := s.repo.GetUsableByID(dbCtx, id, now)
	if errors.Is(err, pkg.ErrNotFound) {
		s.cacheDo(ctx, "del_id", func(ctx context.Context) error { return s.cache.Del(ctx, idKey(id)) })
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.populate(ctx, session)
	return session, true, nil
}

// GetActiveSessionsForUser returns the usable sessions of a user, oldest
// first. It reads the cached id set and batch-fetches the by-id entries;
// listed ids without a cached object are resolved from the durable store,
// and ids that turn out unusable are removed from the set. An empty or
// useless cached set falls back to one durable query that rebuilds it.
func (s *SessionStore) GetActiveSessionsForUser(ctx context.Context, userID string) ([]models.Session, error) {
	now := s.now()

	if out, ok := s.sessionsFromCache(ctx, userID, now); ok {
		s.lookup(userIndex, "hit")
		return out, nil
	}
	s.lookup(userIndex, "miss")

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()
	sessions, err := s.repo.ListUsableByUser(dbCtx, userID, now)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		s.populate(ctx, &sessions[i])
	}
	return sessions, nil
}

func (s *SessionStore) sessionsFromCache(ctx context.Context, userID string, now time.Time) ([]models.Session, bool) {
	var ids []string
	if !s.cacheDo(ctx, "smembers", func(ctx context.Context) (err error) {
		ids, err = s.cache.SMembers(ctx, userKey(userID))
		return err
	}) || len(ids) == 0 {
		return nil, false
	}

	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, idKey(id))
	}
	for _, id := range ids {
		keys = append(keys, revokedKey(id))
	}

	var all [][]byte
	if !s.cacheDo(ctx, "mget", func(ctx context.Context) (err error) {
		all, err = s.cache.MGet(ctx, keys...)
		return err
	}) || len(all) != len(keys) {
		return nil, false
	}
	values, markers := all[:len(ids)], all[len(ids):]

	var (
		out     []models.Session
		missing []string
		stale   []string
	)
	for i, raw := range values {
		if markers[i] != nil {
			stale = append(stale, ids[i])
			continue
		}
		if raw == nil {
			missing = append(missing, ids[i])
			continue
		}
		session, err := decodeSession(raw)
		if err != nil || session.UserID != userID || !session.Usable(now) {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, *session)
	}

	for _, id := range missing {
		dbCtx, cancel := s.queryCtx(ctx)
		session, err := s.repo.GetUsableByID(dbCtx, id, now)
		cancel()
		switch {
		case err == nil && session.UserID == userID:
			s.populate(ctx, session)
			out = append(out, *session)
		case err == nil, errors.Is(err, pkg.ErrNotFound):
			stale = append(stale, id)
		default:
			// The durable store is unreachable; let the caller's fallback
			// surface the error instead of returning a partial list.
			return nil, false
		}
	}

	if len(stale) > 0 {
		s.cacheDo(ctx, "srem", func(ctx context.Context) error {
			return s.cache.SRem(ctx, userKey(userID), stale...)
		})
	}
	if len(out) == 0 {
		return nil, false
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, true
}

// ─── Mutations ───

// UpdateLiveHandle records the realtime connection attached to a session.
// Returns ErrNotFound when the session is no longer usable.
func (s *SessionStore) UpdateLiveHandle(ctx context.Context, sessionID string, handle *string) (*models.Session, error) {
	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	session, err := s.repo.SetLiveHandle(dbCtx, sessionID, handle, s.now())
	if err != nil {
		return nil, err
	}
	s.populate(ctx, session)
	return session, nil
}

// DetachLiveHandle clears the live handle if it is still handle. A newer
// connection on the same session keeps its handle.
func (s *SessionStore) DetachLiveHandle(ctx context.Context, sessionID, handle string) error {
	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	session, err := s.repo.ClearLiveHandleIf(dbCtx, sessionID, handle)
	if errors.Is(err, pkg.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if session.Usable(s.now()) {
		s.populate(ctx, session)
	}
	return nil
}

// Touch bumps the session's last activity, at most once per TouchInterval.
// Failures are logged; activity tracking never fails a request.
func (s *SessionStore) Touch(ctx context.Context, session *models.Session) {
	now := s.now()
	if now.Sub(session.LastActivityAt) < s.cfg.TouchInterval {
		return
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	bumped, err := s.repo.TouchActivity(dbCtx, session.ID, now, now.Add(-s.cfg.TouchInterval))
	if err != nil {
		sessionLog.Warn().Err(err).Str("session_id", session.ID).Msg("failed to touch session")
		return
	}
	if bumped {
		// session is the snapshot taken when the request authenticated; a
		// live handle or expiry written since then must not be overwritten.
		// The next lookup reloads the row.
		s.evictObjects(ctx, *session)
	}
}

// ExtendExpiry moves the expiry of a usable session and re-caches it with
// the recomputed TTL.
func (s *SessionStore) ExtendExpiry(ctx context.Context, token string, newExpiry time.Time) (*models.Session, error) {
	now := s.now()
	if !newExpiry.After(now) {
		return nil, fmt.Errorf("%w: session expiry must be in the future", pkg.ErrBadRequest)
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	session, err := s.repo.ExtendExpiry(dbCtx, HashToken(token), newExpiry, now)
	if err != nil {
		return nil, err
	}
	s.populate(ctx, session)
	return session, nil
}

// ─── Invalidation ───

// Invalidate switches off the session of token. The durable write happens
// first; every cache removal is then attempted even if an earlier one
// failed. Invalidating an unknown or already inactive token is a no-op.
func (s *SessionStore) Invalidate(ctx context.Context, token string) error {
	hash := HashToken(token)

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	session, err := s.repo.DeactivateByTokenHash(dbCtx, hash)
	if errors.Is(err, pkg.ErrNotFound) {
		s.cacheDo(ctx, "del_token", func(ctx context.Context) error { return s.cache.Del(ctx, tokenKey(hash)) })
		return nil
	}
	if err != nil {
		return err
	}

	s.markRevoked(ctx, *session)
	s.evict(ctx, *session)
	s.revoked([]models.Session{*session})
	return nil
}

// RevokeByID switches off one session of userID by id. Sessions of other
// users read as not found.
func (s *SessionStore) RevokeByID(ctx context.Context, userID, sessionID string) error {
	session, ok, err := s.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok || session.UserID != userID {
		return fmt.Errorf("%w: session not found", pkg.ErrNotFound)
	}

	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	off, err := s.repo.DeactivateByID(dbCtx, sessionID)
	if err != nil {
		return err
	}

	s.markRevoked(ctx, *off)
	s.evict(ctx, *off)
	s.revoked([]models.Session{*off})
	return nil
}

// InvalidateAllForUser switches off every session of the user in one durable
// statement, then removes their cache entries and the user's set.
func (s *SessionStore) InvalidateAllForUser(ctx context.Context, userID string) (int, error) {
	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	sessions, err := s.repo.DeactivateAllForUser(dbCtx, userID)
	if err != nil {
		return 0, err
	}

	s.markRevoked(ctx, sessions...)
	for _, session := range sessions {
		s.evictObjects(ctx, session)
	}
	s.cacheDo(ctx, "del_user", func(ctx context.Context) error { return s.cache.Del(ctx, userKey(userID)) })

	s.revoked(sessions)
	return len(sessions), nil
}

// SweepExpired hard-deletes sessions past their expiry and cleans their
// cache entries on a best-effort basis.
func (s *SessionStore) SweepExpired(ctx context.Context) (int, error) {
	dbCtx, cancel := s.queryCtx(ctx)
	defer cancel()

	sessions, err := s.repo.DeleteExpired(dbCtx, s.now())
	if err != nil {
		return 0, err
	}

	s.markRevoked(ctx, sessions...)
	for _, session := range sessions {
		s.evict(ctx, session)
	}
	s.metrics.SessionsSwept.Add(float64(len(sessions)))

	s.revoked(sessions)
	return len(sessions), nil
}

// ─── Cache helpers ───

// populate writes the three indices in order: token, id, user set. If the
// session was revoked while its row was being read, the revocation's
// eviction may already have run, so the entries just written are removed
// again.
func (s *SessionStore) populate(ctx context.Context, session *models.Session) {
	if !s.cacheObject(ctx, session) {
		return
	}
	s.cacheDo(ctx, "sadd", func(ctx context.Context) error {
		return s.cache.SAdd(ctx, userKey(session.UserID), session.ID)
	})
	if s.isRevoked(ctx, session.ID) {
		s.lookup(idIndex, "revoked")
		s.evict(ctx, *session)
	}
}

// markRevoked leaves the revocation marker of every session. It must run
// before the eviction.
func (s *SessionStore) markRevoked(ctx context.Context, sessions ...models.Session) {
	for _, session := range sessions {
		s.cacheDo(ctx, "set_revoked", func(ctx context.Context) error {
			return s.cache.Set(ctx, revokedKey(session.ID), []byte("1"), s.cfg.CacheCeiling)
		})
	}
}

// isRevoked reports whether the session carries a revocation marker. An
// unanswered cache read counts as revoked, which only costs a durable read.
func (s *SessionStore) isRevoked(ctx context.Context, id string) bool {
	var found bool
	if !s.cacheDo(ctx, "get_revoked", func(ctx context.Context) (err error) {
		_, found, err = s.cache.Get(ctx, revokedKey(id))
		return err
	}) {
		return true
	}
	return found
}

// cacheObject writes the by-token and by-id entries. It reports false when
// the session is too close to expiry to be cached at all.
func (s *SessionStore) cacheObject(ctx context.Context, session *models.Session) bool {
	ttl := s.ttlFor(session)
	if ttl <= 0 {
		return false
	}

	data, err := sessionCodec.Marshal(session)
	if err != nil {
		sessionLog.Error().Err(err).Str("session_id", session.ID).Msg("failed to encode session")
		return false
	}

	s.cacheDo(ctx, "set_token", func(ctx context.Context) error {
		return s.cache.Set(ctx, tokenKey(session.TokenHash), data, ttl)
	})
	s.cacheDo(ctx, "set_id", func(ctx context.Context) error {
		return s.cache.Set(ctx, idKey(session.ID), data, ttl)
	})
	return true
}

// ttlFor is min(time until expiry, ceiling), truncated so that a coarse
// backend rounding up still cannot outlive the session.
func (s *SessionStore) ttlFor(session *models.Session) time.Duration {
	ttl := session.ExpiresAt.Sub(s.now())
	if ttl > s.cfg.CacheCeiling {
		ttl = s.cfg.CacheCeiling
	}
	return ttl.Truncate(time.Millisecond)
}

func (s *SessionStore) evict(ctx context.Context, session models.Session) {
	s.evictObjects(ctx, session)
	s.cacheDo(ctx, "srem", func(ctx context.Context) error {
		return s.cache.SRem(ctx, userKey(session.UserID), session.ID)
	})
}

func (s *SessionStore) evictObjects(ctx context.Context, session models.Session) {
	s.cacheDo(ctx, "del_token", func(ctx context.Context) error {
		return s.cache.Del(ctx, tokenKey(session.TokenHash))
	})
	s.cacheDo(ctx, "del_id", func(ctx context.Context) error {
		return s.cache.Del(ctx, idKey(session.ID))
	})
}

// readCached returns the decoded session under key, or false on a miss,
// a cache failure or an undecodable value.
func (s *SessionStore) readCached(ctx context.Context, index, key string) (*models.Session, bool) {
	var (
		raw   []byte
		found bool
	)
	if !s.cacheDo(ctx, "get_"+index, func(ctx context.Context) (err error) {
		raw, found, err = s.cache.Get(ctx, key)
		return err
	}) || !found {
		return nil, false
	}

	session, err := decodeSession(raw)
	if err != nil {
		sessionLog.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		s.cacheDo(ctx, "del_"+index, func(ctx context.Context) error { return s.cache.Del(ctx, key) })
		return nil, false
	}
	return session, true
}

// listed reports whether the session id is still in its user's set. A
// missing member means an invalidation removed it even if the object key
// survived.
func (s *SessionStore) listed(ctx context.Context, session *models.Session) bool {
	var member bool
	if !s.cacheDo(ctx, "sismember", func(ctx context.Context) (err error) {
		member, err = s.cache.SIsMember(ctx, userKey(session.UserID), session.ID)
		return err
	}) {
		return false
	}
	return member
}

// cacheDo runs one single-key cache operation with a bounded timeout and
// one retry. Cleanup must survive the caller's cancellation, so the
// operation runs on a context detached from ctx.
func (s *SessionStore) cacheDo(ctx context.Context, op string, fn func(ctx context.Context) error) bool {
	base := context.WithoutCancel(ctx)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		opCtx, cancel := context.WithTimeout(base, s.cfg.CacheTimeout)
		err = fn(opCtx)
		cancel()
		if err == nil {
			return true
		}
	}

	s.metrics.CacheErrors.WithLabelValues(op).Inc()
	sessionLog.Warn().Err(err).Str("op", op).Msg("session cache operation failed")
	return false
}

func (s *SessionStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

func (s *SessionStore) lookup(index, result string) {
	s.metrics.CacheLookups.WithLabelValues(index, result).Inc()
}

func (s *SessionStore) revoked(sessions []models.Session) {
	if s.onRevoke != nil && len(sessions) > 0 {
		s.onRevoke(sessions)
	}
}

func decodeSession(raw []byte) (*models.Session, error) {
	var session models.Session
	if err := cbor.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode cached session: %w", err)
	}
	return &session, nil
}
