package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Backend shared by every process talking to the same Redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis lock backend. Keys are stored as prefix+"lock:"+name.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + "lock:" + name
}

func (r *Redis) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(name), token, ttl).Result()
}

func (r *Redis) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{r.key(name)}, token, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (r *Redis) Release(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.key(name)}, token).Err()
}
