package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// acquireScript stores ARGV[1] under KEYS[1] unless a live record that may
// not be reclaimed exists, in which case that record is returned.
// ARGV: record JSON, now (ms), request hash, ttl (ms).
var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local rec = cjson.decode(cur)
	local now = tonumber(ARGV[2])
	local reclaim = rec.expires_at_ms <= now or (rec.status == 'failed' and rec.request_hash == ARGV[3])
	if not reclaim then
		return cur
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[4])
return false
`)

// finishScript moves a processing record to ARGV[1], storing ARGV[2] as the
// response when completed. Returns 1 on success, 0 if not processing.
var finishScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec.status ~= 'processing' then
	return 0
end
rec.status = ARGV[1]
if ARGV[1] == 'completed' then
	rec.response_data = ARGV[2]
end
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`)

// redisRecord is the stored JSON form. Times are epoch milliseconds so the
// Lua scripts can compare them.
type redisRecord struct {
	Key          string `json:"key"`
	RequestHash  string `json:"request_hash"`
	Status       Status `json:"status"`
	ResponseData string `json:"response_data,omitempty"`
	CreatedAtMs  int64  `json:"created_at_ms"`
	ExpiresAtMs  int64  `json:"expires_at_ms"`
}

func (r redisRecord) record() *Record {
	rec := &Record{
		Key:         r.Key,
		RequestHash: r.RequestHash,
		Status:      r.Status,
		CreatedAt:   time.UnixMilli(r.CreatedAtMs).UTC(),
		ExpiresAt:   time.UnixMilli(r.ExpiresAtMs).UTC(),
	}
	if r.ResponseData != "" {
		rec.ResponseData = json.RawMessage(r.ResponseData)
	}
	return rec
}

// RedisStore keeps idempotency records in Redis. Records expire through
// Redis key TTLs, so DeleteExpired has nothing to do.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, candidate Record, now time.Time) (*Record, bool, error) {
	ttl := candidate.ExpiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	data, err := json.Marshal(redisRecord{
		Key:         candidate.Key,
		RequestHash: candidate.RequestHash,
		Status:      candidate.Status,
		CreatedAtMs: candidate.CreatedAt.UnixMilli(),
		ExpiresAtMs: candidate.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode record: %w", err)
	}

	cur, err := acquireScript.Run(ctx, s.client, []string{redisKeyPrefix + candidate.Key},
		string(data), now.UnixMilli(), candidate.RequestHash, ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", candidate.Key, err)
	}

	var existing redisRecord
	if err := json.Unmarshal([]byte(cur), &existing); err != nil {
		return nil, false, fmt.Errorf("decode record: %w", err)
	}
	return existing.record(), false, nil
}

// Finish implements Store.
func (s *RedisStore) Finish(ctx context.Context, key string, status Status, response []byte) error {
	ok, err := finishScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, string(status), string(response)).Int()
	if err != nil {
		return fmt.Errorf("finish %s: %w", key, err)
	}
	if ok != 1 {
		return ErrNotProcessing
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	cur, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var rec redisRecord
	if err := json.Unmarshal(cur, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec.record(), nil
}

// DeleteExpired implements Store.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
