// Package store wraps Redis behind the small KV surface the rest of the
// service needs: TTL'd JSON values, atomic counters, bounded recent-item
// lists, a FIFO job queue, short-lived locks, and a pub/sub channel for
// worker wakeups.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	rdb *redis.Client
}

// New connects to Redis and pings it to ensure it's alive.
func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// GetJSON unmarshals the value at key into v. Returns ErrNotFound when the
// key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// SetJSON stores v at key with the given TTL. A zero TTL persists the key.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

// IncrWithTTL atomically increments key and arms the TTL on first write.
// Returns the post-increment count.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// PushBounded prepends value to the list at key and trims it to max entries,
// refreshing the TTL. Oldest entries fall off the tail.
func (s *Store) PushBounded(ctx context.Context, key, value string, max int64, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, max-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Range returns up to n newest entries of the list at key.
func (s *Store) Range(ctx context.Context, key string, n int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, 0, n-1).Result()
}

// ListLen returns the length of the list at key.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// PushJob appends raw to the FIFO queue at key. Jobs are pushed to the head
// and popped from the tail, so pop order matches push order.
func (s *Store) PushJob(ctx context.Context, key string, raw []byte) error {
	return s.rdb.LPush(ctx, key, raw).Err()
}

// PopJob blocks up to timeout waiting for a job on key. Returns ErrNotFound
// when the wait times out with nothing queued.
func (s *Store) PopJob(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := s.rdb.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	return []byte(res[1]), nil
}

// TryPopJob pops without blocking, for stores where blocking ops are
// disabled and the worker polls with backoff instead.
func (s *Store) TryPopJob(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// Publish sends msg on a pub/sub channel. Used to wake polling workers the
// moment a job is enqueued.
func (s *Store) Publish(ctx context.Context, channel, msg string) error {
	return s.rdb.Publish(ctx, channel, msg).Err()
}

// Subscribe returns a subscription on the given channel. The caller owns
// closing it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}

// AddSetMembers adds members to the set at key in chunks, so large seed
// lists don't exceed command size limits.
func (s *Store) AddSetMembers(ctx context.Context, key string, members []string) error {
	const chunk = 5000
	for i := 0; i < len(members); i += chunk {
		end := i + chunk
		if end > len(members) {
			end = len(members)
		}
		args := make([]any, 0, end-i)
		for _, m := range members[i:end] {
			args = append(args, m)
		}
		if err := s.rdb.SAdd(ctx, key, args...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// ScanKeys returns all keys matching pattern. Admin-only; not for hot paths.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// GetInt reads an integer counter; missing keys read as 0.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// TTL returns the remaining TTL of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// Delete removes keys and reports how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	return s.rdb.Del(ctx, keys...).Result()
}

// Lock is a short-lived mutual-exclusion token held in the store. Release
// only deletes the key if this holder still owns it.
type Lock struct {
	s     *Store
	key   string
	value string
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// AcquireLock tries to take the named lock with the given TTL. Returns
// (nil, false, nil) when another holder has it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	value := hex.EncodeToString(b)
	key := "lock:" + name

	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lock{s: s, key: key, value: value}, true, nil
}

// Release frees the lock if still owned. Safe to call after TTL expiry.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.s.rdb, []string{l.key}, l.value).Result()
	return err
}
