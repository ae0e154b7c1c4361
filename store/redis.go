package store

import (
	"context"
	"encoding/json"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store implements the LeaseStore interface using Redis as the backend,
// so replicas sharing the same data root never run in the same folder.
// The keys namespace is organized as follows:
// - `/<prefix>/leases/<folder>` holds the JSON encoded Lease with the TTL of the lease

type redisStore struct {
	client *redis.Client
	prefix string
}

// acquireScript sets the lease if absent or owned by the same owner
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	local l = cjson.decode(v)
	if l.owner ~= ARGV[1] then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// releaseScript deletes the lease only if owned by the owner
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	local l = cjson.decode(v)
	if l.owner == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
end
return 0
`)

// NewRedisLeases returns LeaseStore shared by replicas
func NewRedisLeases(client *redis.Client, prefix string) LeaseStore {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisStore) getRedisLeaseKey(name string) string {
	return path.Join(m.prefix, "leases", name)
}

func (m *redisStore) Acquire(ctx context.Context, lease Lease, ttl time.Duration) (bool, error) {
	now := TimeNowFn()
	lease.AcquiredAt = now.UTC()
	lease.ExpiresAt = now.Add(ttl).UTC()

	data, err := json.Marshal(lease)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal lease")
	}

	key := m.getRedisLeaseKey(lease.Name)
	res, err := acquireScript.Run(ctx, m.client, []string{key}, lease.Owner, data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire lease in Redis")
	}
	return res == 1, nil
}

func (m *redisStore) Release(ctx context.Context, name, owner string) error {
	key := m.getRedisLeaseKey(name)
	err := releaseScript.Run(ctx, m.client, []string{key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "failed to release lease in Redis")
	}
	return nil
}

func (m *redisStore) Get(ctx context.Context, name string) (*Lease, error) {
	data, err := m.client.Get(ctx, m.getRedisLeaseKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get lease from Redis")
	}

	var lease Lease
	if err = json.Unmarshal([]byte(data), &lease); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal lease")
	}
	return &lease, nil
}

func (m *redisStore) List(ctx context.Context) ([]Lease, error) {
	prefix := path.Join(m.prefix, "leases") + "/"
	// Use SCAN instead of KEYS for better performance
	iter := m.client.Scan(ctx, 0, prefix+"*", 0).Iterator()

	var list []Lease
	for iter.Next(ctx) {
		name := strings.TrimPrefix(iter.Val(), prefix)
		lease, err := m.Get(ctx, name)
		if err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "get_lease", "name", name, "err", err.Error())
			continue
		}
		if lease != nil {
			list = append(list, *lease)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan leases from Redis")
	}

	slices.SortFunc(list, func(a, b Lease) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list, nil
}
