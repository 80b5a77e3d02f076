package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// RedisStore shares cached reads across processes. Values round-trip
// through JSON, so cross-process hits are JSON-typed: numbers come back
// as json.Number and byte slices as base64 strings.
//
// A circuit breaker guards the connection. While open, every call fails
// immediately with a cache-backend fault, which the Cache layer treats
// as a miss.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

type redisEntry struct {
	Generation uint64          `json:"g"`
	Payload    json.RawMessage `json:"v"`
	ExpiresAt  time.Time       `json:"x"`
}

// NewRedisStore wraps an existing client. The caller keeps ownership of
// nothing; Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "dataflow-cache",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// A missing key is an answer, not a backend failure.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, redis.Nil)
			},
		}),
	}
}

// OpenRedis connects to a redis:// or rediss:// URL and verifies
// liveness with a ping.
func OpenRedis(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parsing redis URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.KindCacheBackend, err, "pinging redis at %s", opts.Addr)
	}
	return NewRedisStore(client), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	v, err := s.breaker.Execute(func() (any, error) {
		return s.client.Get(ctx, key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.KindCacheBackend, err, "redis get")
	}
	var re redisEntry
	if err := json.Unmarshal(v.([]byte), &re); err != nil {
		return nil, false, fault.Wrap(fault.KindCacheBackend, err, "decoding cache entry")
	}
	var value any
	dec := json.NewDecoder(bytes.NewReader(re.Payload))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, false, fault.Wrap(fault.KindCacheBackend, err, "decoding cache payload")
	}
	return &Entry{Generation: re.Generation, Value: value, ExpiresAt: re.ExpiresAt}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e *Entry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(e.Value)
	if err != nil {
		return fault.Wrap(fault.KindCacheBackend, err, "encoding cache payload")
	}
	b, err := json.Marshal(redisEntry{Generation: e.Generation, Payload: payload, ExpiresAt: e.ExpiresAt})
	if err != nil {
		return fault.Wrap(fault.KindCacheBackend, err, "encoding cache entry")
	}
	if _, err := s.breaker.Execute(func() (any, error) {
		return nil, s.client.Set(ctx, key, b, ttl).Err()
	}); err != nil {
		return fault.Wrap(fault.KindCacheBackend, err, "redis set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if _, err := s.breaker.Execute(func() (any, error) {
		return nil, s.client.Del(ctx, key).Err()
	}); err != nil {
		return fault.Wrap(fault.KindCacheBackend, err, "redis del")
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.KindCacheBackend, err, "redis ping")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
