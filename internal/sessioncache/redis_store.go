package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"careportal/pkg/logger"
	"careportal/pkg/redis"
)

// applyScript stores or deletes the entry only if the ticket is newer than
// the applied watermark.
// KEYS[1] entry, KEYS[2] watermark
// ARGV[1] seq, ARGV[2] payload ("" deletes), ARGV[3] entry ttl ms, ARGV[4] watermark ttl ms
var applyScript = goredis.NewScript(`
local applied = tonumber(redis.call('GET', KEYS[2]) or '0')
local seq = tonumber(ARGV[1])
if seq <= applied then
	return 0
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[4])
if ARGV[2] == '' then
	redis.call('DEL', KEYS[1])
else
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// RedisStore keeps one entry per provider session so every server instance
// shares the same resolution
type RedisStore struct {
	client *redis.Client
	scope  string
}

// NewRedisStore scopes the store to a session key
func NewRedisStore(client *redis.Client, scope string) *RedisStore {
	return &RedisStore{client: client, scope: scope}
}

// NewRedisCache returns the cache for one provider session
func NewRedisCache(client *redis.Client, scope string, log *logger.Logger) *Cache {
	return New(NewRedisStore(client, scope), log)
}

func (s *RedisStore) Load(ctx context.Context) (*Entry, error) {
	raw, err := s.client.Get(ctx, s.client.KeyBuilder.KeyAuthCache(s.scope))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session cache: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode session cache: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) NextSeq(ctx context.Context) (uint64, error) {
	key := s.client.KeyBuilder.KeyAuthCacheSeq(s.scope)
	seq, err := s.client.Incr(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("next session cache seq: %w", err)
	}
	if err := s.client.Expire(ctx, key, redis.TTLAuthCacheMeta); err != nil {
		return 0, fmt.Errorf("expire session cache seq: %w", err)
	}
	return uint64(seq), nil
}

func (s *RedisStore) Apply(ctx context.Context, seq uint64, entry *Entry) (bool, error) {
	payload := ""
	if entry != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			return false, fmt.Errorf("encode session cache: %w", err)
		}
		payload = string(data)
	}

	keys := []string{
		s.client.KeyBuilder.KeyAuthCache(s.scope),
		s.client.KeyBuilder.KeyAuthCacheApplied(s.scope),
	}
	res, err := s.client.RunScript(ctx, applyScript, keys,
		strconv.FormatUint(seq, 10),
		payload,
		FreshnessWindow.Milliseconds(),
		redis.TTLAuthCacheMeta.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("apply session cache: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
