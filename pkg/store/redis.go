package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// RedisProxyStore persists Proxy records in Redis so multiple proxycore
// instances can share one authoritative ProxyStore. Compare-and-swap is
// implemented with a Lua script so the read-compare-write cycle is
// atomic on the server, matching the single-writer-per-id guarantee
// ProxyStore promises regardless of backing implementation.
type RedisProxyStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisProxyStore wraps an existing go-redis client. keyPrefix
// namespaces keys (e.g. "proxycore:proxy:") so one Redis instance can
// back multiple logical stores.
func NewRedisProxyStore(client *redis.Client, keyPrefix string) *RedisProxyStore {
	if keyPrefix == "" {
		keyPrefix = "proxycore:proxy:"
	}
	return &RedisProxyStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisProxyStore) key(id string) string {
	return s.keyPrefix + id
}

type redisProxyRecord struct {
	Proxy   proxytypes.Proxy `json:"proxy"`
	Version uint64           `json:"version"`
}

func (s *RedisProxyStore) Get(ctx context.Context, id string) (proxytypes.Proxy, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return proxytypes.Proxy{}, ErrNotFound
	}
	if err != nil {
		return proxytypes.Proxy{}, fmt.Errorf("redis get: %w", err)
	}

	var rec redisProxyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return proxytypes.Proxy{}, fmt.Errorf("redis get: decode: %w", err)
	}
	rec.Proxy.Version = rec.Version
	return rec.Proxy, nil
}

func (s *RedisProxyStore) GetAll(ctx context.Context) ([]proxytypes.Proxy, error) {
	var out []proxytypes.Proxy
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec redisProxyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		rec.Proxy.Version = rec.Version
		out = append(out, rec.Proxy)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (s *RedisProxyStore) Insert(ctx context.Context, p proxytypes.Proxy) (proxytypes.Proxy, error) {
	p.Version = 1
	rec := redisProxyRecord{Proxy: p, Version: p.Version}
	payload, err := json.Marshal(rec)
	if err != nil {
		return proxytypes.Proxy{}, fmt.Errorf("redis insert: encode: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(p.ID), payload, 0).Result()
	if err != nil {
		return proxytypes.Proxy{}, fmt.Errorf("redis insert: %w", err)
	}
	if !ok {
		return proxytypes.Proxy{}, fmt.Errorf("store: proxy %s already exists", p.ID)
	}
	return p, nil
}

// casScript performs the read-compare-write atomically: it refuses the
// write unless the stored version still matches expectedVersion.
const casScript = `
local current = redis.call("GET", KEYS[1])
if current == false then
	return redis.error_reply("not_found")
end
local decoded = cjson.decode(current)
if tostring(decoded.version) ~= ARGV[2] then
	return redis.error_reply("version_conflict")
end
redis.call("SET", KEYS[1], ARGV[1])
return "OK"
`

func (s *RedisProxyStore) CompareAndSwap(ctx context.Context, p proxytypes.Proxy, expectedVersion uint64) (proxytypes.Proxy, error) {
	p.Version = expectedVersion + 1
	rec := redisProxyRecord{Proxy: p, Version: p.Version}
	payload, err := json.Marshal(rec)
	if err != nil {
		return proxytypes.Proxy{}, fmt.Errorf("redis cas: encode: %w", err)
	}

	res, err := s.client.Eval(ctx, casScript, []string{s.key(p.ID)}, string(payload), fmt.Sprintf("%d", expectedVersion)).Result()
	if err != nil {
		switch {
		case err.Error() == "not_found":
			return proxytypes.Proxy{}, ErrNotFound
		case err.Error() == "version_conflict":
			return proxytypes.Proxy{}, ErrVersionConflict
		default:
			return proxytypes.Proxy{}, fmt.Errorf("redis cas: %w", err)
		}
	}
	if res != "OK" {
		return proxytypes.Proxy{}, fmt.Errorf("redis cas: unexpected reply %v", res)
	}
	return p, nil
}

func (s *RedisProxyStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

var _ ProxyStore = (*RedisProxyStore)(nil)
