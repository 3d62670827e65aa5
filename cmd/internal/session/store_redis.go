package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"devicegate/cmd/internal/ids"

	"github.com/redis/go-redis/v9"
)

// Key layout, all under the configured prefix:
//
//	session:<id>           hash with the record fields
//	user:<userID>:active   zset of active session ids scored by created_at (µs)
//	inactive               zset of inactive session ids scored by deactivated_at (µs)
//	lock:user:<userID>     per-user lock holding the owner's token
const (
	defaultRedisPrefix  = "devicegate:"
	defaultRedisLockTTL = 10 * time.Second
	redisLockRetryEvery = 10 * time.Millisecond
)

var (
	// Releases the lock only when the caller still owns it.
	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	// Moves last_seen_at forward only; returns 0 for unknown sessions.
	touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local cur = tonumber(redis.call("HGET", KEYS[1], "last_seen_at") or "0")
if tonumber(ARGV[1]) > cur then
	redis.call("HSET", KEYS[1], "last_seen_at", ARGV[1])
end
return 1
`)
)

// RedisStore implements Store on Redis.
//
// Ownership model:
//   - RedisStore does NOT own the client. Close is a no-op.
//
// Concurrency model:
//   - WithUser holds a SET NX PX lock carrying a random token; it is released
//     by compare-and-delete so an expired holder cannot free a successor's lock.
//   - Writes inside a scope are MULTI/EXEC pipelines, so readers never observe
//     a half-applied create or deactivation.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	lockTTL time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace (default "devicegate:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLockTTL bounds how long a crashed holder can block a user's set.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("session: nil redis client")
	}
	st := &RedisStore{
		client:  client,
		prefix:  defaultRedisPrefix,
		lockTTL: defaultRedisLockTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	return st, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// Ping issues a PING.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get loads a session by id.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, ErrNotFound
	}
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return Record{}, err
	}
	return decodeRedisRecord(sessionID, fields)
}

// ListActive returns the user's active sessions, oldest first.
func (s *RedisStore) ListActive(ctx context.Context, userID string) ([]Record, error) {
	idList, err := s.client.ZRange(ctx, s.activeKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(idList) == 0 {
		return []Record{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(idList))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range idList {
			cmds[i] = p.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(idList))
	for i, id := range idList {
		rec, err := decodeRedisRecord(id, cmds[i].Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Active {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Touch advances last_seen_at without ever moving it backwards.
func (s *RedisStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	n, err := touchScript.Run(ctx, s.client, []string{s.sessionKey(sessionID)}, now.UTC().UnixMicro()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// WithUser runs fn while holding the user's distributed lock.
func (s *RedisStore) WithUser(ctx context.Context, userID string, fn func(Scope) error) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}

	token, err := ids.NewULID(time.Now())
	if err != nil {
		return err
	}
	key := s.lockKey(userID)

	if err := s.acquire(ctx, key, token); err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so a cancelled request still frees the lock.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = releaseLockScript.Run(rctx, s.client, []string{key}, token).Err()
	}()

	return fn(&redisScope{s: s, userID: userID})
}

func (s *RedisStore) acquire(ctx context.Context, key, token string) error {
	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t.Reset(redisLockRetryEvery)
	}
}

// Purge deletes inactive sessions deactivated before the cutoff.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	idList, err := s.client.ZRangeByScore(ctx, s.inactiveKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UTC().UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(idList) == 0 {
		return 0, nil
	}

	members := make([]any, len(idList))
	keys := make([]string, len(idList))
	for i, id := range idList {
		members[i] = id
		keys[i] = s.sessionKey(id)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.inactiveKey(), members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(idList)), nil
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) activeKey(userID string) string { return s.prefix + "user:" + userID + ":active" }
func (s *RedisStore) inactiveKey() string { return s.prefix + "inactive" }
func (s *RedisStore) lockKey(userID string) string { return s.prefix + "lock:user:" + userID }

type redisScope struct {
	s      *RedisStore
	userID string
}

func (r *redisScope) UserID() string { return r.userID }

func (r *redisScope) ListActive(ctx context.Context) ([]Record, error) {
	return r.s.ListActive(ctx, r.userID)
}

func (r *redisScope) Get(ctx context.Context, sessionID string) (Record, error) {
	rec, err := r.s.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if rec.UserID != r.userID {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *redisScope) Create(ctx context.Context, now time.Time, deviceID, deviceInfo string) (Record, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Record{}, ErrInvalidInput
	}

	now = now.UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:         id,
		UserID:     r.userID,
		DeviceID:   deviceID,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		LastSeenAt: now,
		Active:     true,
	}

	_, err = r.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.s.sessionKey(id), encodeRedisRecord(rec))
		p.ZAdd(ctx, r.s.activeKey(r.userID), redis.Z{Score: float64(now.UnixMicro()), Member: id})
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *redisScope) Deactivate(ctx context.Context, now time.Time, sessionID string, reason EndReason) (Record, bool, error) {
	if !reason.Valid() {
		return Record{}, false, ErrInvalidInput
	}

	rec, err := r.Get(ctx, sessionID)
	if err != nil {
		return Record{}, false, err
	}
	if !rec.Active {
		return rec, false, nil
	}

	at := now.UTC()
	_, err = r.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.s.sessionKey(sessionID),
			"active", "0",
			"deactivated_at", strconv.FormatInt(at.UnixMicro(), 10),
			"end_reason", string(reason),
		)
		p.ZRem(ctx, r.s.activeKey(r.userID), sessionID)
		p.ZAdd(ctx, r.s.inactiveKey(), redis.Z{Score: float64(at.UnixMicro()), Member: sessionID})
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}

	rec.Active = false
	rec.DeactivatedAt = &at
	rec.EndReason = reason
	return rec, true, nil
}

func encodeRedisRecord(r Record) map[string]any {
	return map[string]any{
		"user_id":      r.UserID,
		"device_id":    r.DeviceID,
		"device_info":  r.DeviceInfo,
		"created_at":   strconv.FormatInt(r.CreatedAt.UnixMicro(), 10),
		"last_seen_at": strconv.FormatInt(r.LastSeenAt.UnixMicro(), 10),
		"active":       "1",
	}
}

func decodeRedisRecord(id string, f map[string]string) (Record, error) {
	if len(f) == 0 {
		return Record{}, ErrNotFound
	}

	created, err := parseMicros(f["created_at"])
	if err != nil {
		return Record{}, err
	}
	lastSeen, err := parseMicros(f["last_seen_at"])
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:         id,
		UserID:     f["user_id"],
		DeviceID:   f["device_id"],
		DeviceInfo: f["device_info"],
		CreatedAt:  created,
		LastSeenAt: lastSeen,
		Active:     f["active"] == "1",
	}
	if v := f["deactivated_at"]; v != "" {
		at, err := parseMicros(v)
		if err != nil {
			return Record{}, err
		}
		rec.DeactivatedAt = &at
		rec.EndReason = EndReason(f["end_reason"])
	}
	return rec, nil
}

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}
