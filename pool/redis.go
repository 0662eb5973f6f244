package pool

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	redis "github.com/go-redis/redis"
)

// record is the JSON envelope persisted for one key, mirroring the
// "keys and entities are serialized as pretty-printed JSON" contract in
// spec.md §6.
type record struct {
	Key    RequestKey        `json:"key"`
	Entity RequestEntity     `json:"entity"`
	Status StatusWithContext `json:"status"`
}

// RedisPool is the production backend: one Redis key per RequestKey, value
// is the pretty-printed JSON record, TTL applied uniformly via SET EX so
// that eviction semantics match the in-memory backend's sweep (DESIGN.md
// Open Question #2).
type RedisPool struct {
	client *redis.Client
	ttl    time.Duration
	log    log.Logger
}

// NewRedisPool wraps an existing client. ttl of zero means "no expiry",
// matching redis.Client semantics for a zero Expiration.
func NewRedisPool(client *redis.Client, ttl time.Duration) *RedisPool {
	return &RedisPool{client: client, ttl: ttl, log: log.Root().New("component", "redis-pool")}
}

func (p *RedisPool) redisKey(key RequestKey) string {
	return "raiko:pool:" + key.String()
}

func (p *RedisPool) Add(key RequestKey, entity RequestEntity, status Status) error {
	rk := p.redisKey(key)

	// SETNX-then-SET would race; use SetNX directly so existence and
	// write are atomic from Redis's point of view.
	rec := record{Key: key, Entity: entity, Status: newStatusWithContext(status)}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("pool: marshal record: %w", err)
	}

	ok, err := p.client.SetNX(rk, b, p.ttl).Result()
	if err != nil {
		return fmt.Errorf("pool: redis setnx: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

func (p *RedisPool) Get(key RequestKey) (Entry, error) {
	rk := p.redisKey(key)

	b, err := p.client.Get(rk).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("pool: redis get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Entry{}, fmt.Errorf("pool: unmarshal record: %w", err)
	}
	return Entry{Entity: rec.Entity, Status: rec.Status}, nil
}

func (p *RedisPool) UpdateStatus(key RequestKey, status Status) error {
	rk := p.redisKey(key)

	b, err := p.client.Get(rk).Bytes()
	if err == redis.Nil {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("pool: redis get: %w", err)
	}

	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("pool: unmarshal record: %w", err)
	}
	rec.Status = newStatusWithContext(status)

	nb, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("pool: marshal record: %w", err)
	}
	// Refresh TTL on every status write, so an actively-progressing task
	// never expires mid-flight.
	if err := p.client.Set(rk, nb, p.ttl).Err(); err != nil {
		return fmt.Errorf("pool: redis set: %w", err)
	}
	return nil
}

func (p *RedisPool) List() (map[RequestKey]Entry, error) {
	keys, err := p.client.Keys("raiko:pool:*").Result()
	if err != nil {
		return nil, fmt.Errorf("pool: redis keys: %w", err)
	}

	out := make(map[RequestKey]Entry, len(keys))
	for _, rk := range keys {
		b, err := p.client.Get(rk).Bytes()
		if err == redis.Nil {
			continue // evicted between KEYS and GET
		}
		if err != nil {
			return nil, fmt.Errorf("pool: redis get %q: %w", rk, err)
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			p.log.Warn("Skipping unparsable pool record", "key", rk, "error", err)
			continue
		}
		out[rec.Key] = Entry{Entity: rec.Entity, Status: rec.Status}
	}
	return out, nil
}

// DeleteExpired is a no-op on Redis: TTL eviction is handled natively by
// `SET ... EX`, the Open Question in spec.md §9 resolved in favor of this
// backend's native behavior.
func (p *RedisPool) DeleteExpired(_ time.Duration) (int, error) {
	return 0, nil
}
