package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// acquire takes a free key or refreshes one the caller owns. A taken key also
// swaps the last owner marker in KEYS[2] and returns the previous marker, which
// is only left behind by an owner that never released.
var acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
	local prev = redis.call("GETSET", KEYS[2], ARGV[1])
	if prev then
		return {1, prev}
	end
	return {1, ""}
end
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return {1, ARGV[1]}
end
return {0, ""}
`)

// release deletes the key and its owner marker only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[2])
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard keeps leases as expiring Redis keys, for workers spread over hosts.
type RedisGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a Redis backed guard.
func NewRedisGuard(client redis.Cmdable, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) keys(serverID string) []string {
	key := g.prefix + serverID
	return []string{key, key + ":owner"}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, serverID, owner string) (bool, error) {
	reply, err := acquireScript.Run(ctx, g.client, g.keys(serverID), owner, g.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, err
	}
	if len(reply) != 2 {
		return false, fmt.Errorf("unexpected lock reply %v", reply)
	}

	ok, _ := reply[0].(int64)
	prev, _ := reply[1].(string)

	if ok == 1 && prev != "" && prev != owner {
		log.Warn().
			Str("server", serverID).
			Str("worker", owner).
			Str("stale_owner", prev).
			Msg("Took over stale processing lock")
	}

	return ok == 1, nil
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, serverID, owner string) error {
	n, err := releaseScript.Run(ctx, g.client, g.keys(serverID), owner).Int64()
	if err != nil {
		return err
	}

	if n == 0 {
		log.Debug().Str("server", serverID).Str("worker", owner).Msg("Redis lock was not held on release")
	}

	return nil
}
