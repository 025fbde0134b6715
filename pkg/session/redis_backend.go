package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/chunkrelay/internal/clock"
)

// maxTxRetries bounds optimistic transaction retries under contention
// on a single session id.
const maxTxRetries = 100

// RedisBackend implements Store using Redis.
// It lets several service replicas share in-flight sessions.
//
// Key layout (all under the configured prefix):
//
//	meta:<id>     CBOR session record, expires at ttl + tombstone ttl
//	chunks:<id>   hash of chunk index -> chunk data
//	tomb:<id>     tombstone for a consumed or expired id
//	active        sorted set of live ids scored by last update (ms)
type RedisBackend struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	tombstoneTTL time.Duration
	clock        clock.Clock
	mu           sync.RWMutex
	closed       bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all session keys (default: "chunkrelay:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

const defaultRedisPrefix = "chunkrelay:"

// sessionRecord is the stored form of a session's metadata.
type sessionRecord struct {
	Operation   string    `cbor:"operation"`
	TotalChunks int       `cbor:"total_chunks"`
	CreatedAt   time.Time `cbor:"created_at"`
	UpdatedAt   time.Time `cbor:"updated_at"`
}

var recordEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	recordEncMode, err = opts.EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig, ttl, tombstoneTTL time.Duration) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Close client to release connection pool resources
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix, ttl, tombstoneTTL), nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl, tombstoneTTL time.Duration, opts ...RedisOption) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if tombstoneTTL <= 0 {
		tombstoneTTL = 2 * ttl
	}
	b := &RedisBackend{
		client:       client,
		prefix:       prefix,
		ttl:          ttl,
		tombstoneTTL: tombstoneTTL,
		clock:        clock.Real(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisClock sets the time source used for expiry.
func WithRedisClock(c clock.Clock) RedisOption {
	return func(b *RedisBackend) {
		b.clock = c
	}
}

// Key helpers
func (b *RedisBackend) metaKey(sessionID string) string {
	return b.prefix + "meta:" + sessionID
}

func (b *RedisBackend) chunksKey(sessionID string) string {
	return b.prefix + "chunks:" + sessionID
}

func (b *RedisBackend) tombKey(sessionID string) string {
	return b.prefix + "tomb:" + sessionID
}

func (b *RedisBackend) activeKey() string {
	return b.prefix + "active"
}

// keyTTL is the Redis-side expiry for live session keys. It outlasts the
// logical ttl so that lazy expiry and sweeps, not Redis, decide when a
// session dies and leave a tombstone behind.
func (b *RedisBackend) keyTTL() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	return b.ttl + b.tombstoneTTL
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// PutChunk records one chunk, creating the session on first write.
func (b *RedisBackend) PutChunk(ctx context.Context, w ChunkWrite) (*State, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	metaKey := b.metaKey(w.SessionID)
	tombKey := b.tombKey(w.SessionID)
	chunksKey := b.chunksKey(w.SessionID)

	var state *State
	txf := func(tx *redis.Tx) error {
		now := b.clock.Now()

		dead, err := tx.Exists(ctx, tombKey).Result()
		if err != nil {
			return fmt.Errorf("check tombstone: %w", err)
		}
		if dead > 0 {
			return ErrSessionNotFound
		}

		rec, err := b.loadRecord(ctx, tx, w.SessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			rec = &sessionRecord{
				Operation:   w.Operation,
				TotalChunks: w.TotalChunks,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		case err != nil:
			return err
		case expired(rec.UpdatedAt, now, b.ttl):
			if err := b.bury(ctx, tx, w.SessionID); err != nil {
				return err
			}
			return ErrSessionNotFound
		}

		s := &Session{ID: w.SessionID, Operation: rec.Operation, TotalChunks: rec.TotalChunks}
		if err := checkConsistency(s, w); err != nil {
			return err
		}
		rec.Operation = s.Operation
		rec.UpdatedAt = now

		data, err := recordEncMode.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}

		var received *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, metaKey, data, b.keyTTL())
			pipe.HSet(ctx, chunksKey, strconv.Itoa(w.Index), w.Data)
			if ttl := b.keyTTL(); ttl > 0 {
				pipe.Expire(ctx, chunksKey, ttl)
			}
			pipe.ZAdd(ctx, b.activeKey(), redis.Z{Score: float64(now.UnixMilli()), Member: w.SessionID})
			received = pipe.HLen(ctx, chunksKey)
			return nil
		})
		if err != nil {
			return fmt.Errorf("save chunk: %w", err)
		}

		state = &State{
			ID:          w.SessionID,
			Operation:   rec.Operation,
			TotalChunks: rec.TotalChunks,
			Received:    int(received.Val()),
			UpdatedAt:   now,
		}
		return nil
	}

	if err := b.watch(ctx, txf, metaKey, tombKey); err != nil {
		return nil, err
	}
	return state, nil
}

// Take removes the session and returns it. Concurrent takers race on a
// WATCH of the metadata key; only the first EXEC succeeds, the rest
// retry and find nothing.
func (b *RedisBackend) Take(ctx context.Context, sessionID string) (*Session, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	metaKey := b.metaKey(sessionID)

	var taken *Session
	txf := func(tx *redis.Tx) error {
		now := b.clock.Now()

		rec, err := b.loadRecord(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		raw, err := tx.HGetAll(ctx, b.chunksKey(sessionID)).Result()
		if err != nil {
			return fmt.Errorf("load chunks: %w", err)
		}

		if err := b.bury(ctx, tx, sessionID); err != nil {
			return err
		}
		if expired(rec.UpdatedAt, now, b.ttl) {
			return ErrSessionNotFound
		}

		chunks := make(map[int]string, len(raw))
		for field, data := range raw {
			idx, err := strconv.Atoi(field)
			if err != nil {
				return fmt.Errorf("corrupt chunk index %q: %w", field, err)
			}
			chunks[idx] = data
		}

		taken = &Session{
			ID:          sessionID,
			Operation:   rec.Operation,
			TotalChunks: rec.TotalChunks,
			Chunks:      chunks,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		}
		return nil
	}

	if err := b.watch(ctx, txf, metaKey); err != nil {
		return nil, err
	}
	return taken, nil
}

// SweepExpired removes sessions whose last update is older than ttl.
// Tombstones expire on their own through Redis key expiry.
func (b *RedisBackend) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := now.Add(-ttl).UnixMilli()
	ids, err := b.client.ZRangeByScore(ctx, b.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		swept := false
		txf := func(tx *redis.Tx) error {
			rec, err := b.loadRecord(ctx, tx, id)
			if errors.Is(err, ErrSessionNotFound) {
				// Metadata already gone; drop the stale index entry.
				return tx.ZRem(ctx, b.activeKey(), id).Err()
			}
			if err != nil {
				return err
			}
			if !expired(rec.UpdatedAt, now, ttl) {
				return nil
			}
			if err := b.bury(ctx, tx, id); err != nil {
				return err
			}
			swept = true
			return nil
		}
		if err := b.watch(ctx, txf, b.metaKey(id)); err != nil {
			return removed, err
		}
		if swept {
			removed++
		}
	}
	return removed, nil
}

// bury deletes a session's keys and writes its tombstone in one MULTI.
func (b *RedisBackend) bury(ctx context.Context, tx *redis.Tx, sessionID string) error {
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.metaKey(sessionID), b.chunksKey(sessionID))
		pipe.ZRem(ctx, b.activeKey(), sessionID)
		pipe.Set(ctx, b.tombKey(sessionID), "1", b.tombstoneTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (b *RedisBackend) loadRecord(ctx context.Context, tx *redis.Tx, sessionID string) (*sessionRecord, error) {
	data, err := tx.Get(ctx, b.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec sessionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// watch runs txf under WATCH, retrying when another client touched the
// watched keys between read and EXEC.
func (b *RedisBackend) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := b.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session transaction: too much contention on %v", keys)
}

// Len returns the number of live sessions.
func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n, err := b.client.ZCard(ctx, b.activeKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return int(n), nil
}

// Close releases resources held by the backend.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.client.Ping(ctx).Err()
}
