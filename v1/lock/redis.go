package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/device"
)

const (
	holdersKey   = "warden:locks"
	resourcesKey = "warden:locks:res"
)

// acquireScript grants the field when it is free or already held by the
// requester. Otherwise it returns the current holder so the caller can check
// its liveness.
var acquireScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if (not cur) or cur == ARGV[2] then
    redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
    redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
    return {1, ARGV[2]}
end
return {0, cur}
`)

// stealScript replaces a stale holder only if it is still the one observed.
var stealScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[4] then
    redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
    redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
    return 1
end
return 0
`)

// Redis implements Table on a pair of Redis hashes.
type Redis struct {
	client *redis.Client
	alive  Liveness
	opts   options
}

// NewRedis returns a Redis backed table. alive may be nil, in which case
// every holder is considered alive.
func NewRedis(client *redis.Client, alive Liveness, opts ...Option) *Redis {
	if alive == nil {
		alive = func(int32) bool { return true }
	}
	return &Redis{client: client, alive: alive, opts: buildOptions(opts)}
}

// TryAcquire implements Table.TryAcquire.
func (r *Redis) TryAcquire(ctx context.Context, res device.Resource, holder int32) (bool, error) {
	key := res.Key()
	raw, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	h := strconv.Itoa(int(holder))
	out, err := acquireScript.Run(ctx, r.client, []string{holdersKey, resourcesKey}, key, h, raw).Slice()
	if err != nil {
		return false, err
	}
	if len(out) != 2 {
		return false, fmt.Errorf("lock: unexpected acquire reply %v", out)
	}
	if granted, _ := out[0].(int64); granted == 1 {
		r.opts.granted(ctx, res, holder)
		return true, nil
	}
	cur, err := parseHolder(out[1])
	if err != nil {
		return false, err
	}
	if r.alive(cur) {
		return false, nil
	}
	stolen, err := stealScript.Run(ctx, r.client, []string{holdersKey, resourcesKey}, key, h, raw, strconv.Itoa(int(cur))).Int()
	if err != nil {
		return false, err
	}
	if stolen != 1 {
		return false, nil
	}
	r.opts.logger.Info("lock.stale.taken_over", "resource", res.String(), "stale_holder", cur, "holder", holder)
	r.opts.granted(ctx, res, holder)
	return true, nil
}

// Release implements Table.Release.
func (r *Redis) Release(ctx context.Context, res device.Resource) error {
	_, err := r.release(ctx, Entry{Resource: res})
	return err
}

func (r *Redis) release(ctx context.Context, e Entry) (bool, error) {
	key := e.Resource.Key()
	var cur *redis.StringCmd
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		cur = p.HGet(ctx, holdersKey, key)
		del = p.HDel(ctx, holdersKey, key)
		p.HDel(ctx, resourcesKey, key)
		return nil
	})
	if err != nil && err != redis.Nil {
		return false, err
	}
	if del.Val() == 0 {
		return false, nil
	}
	holder, err := parseHolder(cur.Val())
	if err != nil {
		return true, err
	}
	r.opts.released(ctx, e.Resource, holder)
	return true, nil
}

// Reset drops every entry. The authority calls it on startup since grants do
// not survive a restart.
func (r *Redis) Reset(ctx context.Context) error {
	return r.client.Del(ctx, holdersKey, resourcesKey).Err()
}

// Holder implements Table.Holder.
func (r *Redis) Holder(ctx context.Context, res device.Resource) (int32, bool, error) {
	v, err := r.client.HGet(ctx, holdersKey, res.Key()).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := parseHolder(v)
	return h, err == nil, err
}

// IsHeldByLiveHolder implements Table.IsHeldByLiveHolder.
func (r *Redis) IsHeldByLiveHolder(ctx context.Context, res device.Resource) (bool, error) {
	h, ok, err := r.Holder(ctx, res)
	if err != nil || !ok {
		return false, err
	}
	return r.alive(h), nil
}

// ReleaseEntity implements Table.ReleaseEntity.
func (r *Redis) ReleaseEntity(ctx context.Context, entityID int32) (int, error) {
	return r.releaseWhere(ctx, func(e Entry) bool {
		return e.Resource.EntityID == entityID && entityID != device.ResolveByPosition
	})
}

// ReleaseHolder implements Table.ReleaseHolder.
func (r *Redis) ReleaseHolder(ctx context.Context, holder int32) (int, error) {
	return r.releaseWhere(ctx, func(e Entry) bool { return e.Holder == holder })
}

func (r *Redis) releaseWhere(ctx context.Context, match func(Entry) bool) (int, error) {
	entries, err := r.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !match(e) {
			continue
		}
		ok, err := r.release(ctx, e)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Snapshot implements Table.Snapshot.
func (r *Redis) Snapshot(ctx context.Context) ([]Entry, error) {
	holders, err := r.client.HGetAll(ctx, holdersKey).Result()
	if err != nil {
		return nil, err
	}
	resources, err := r.client.HGetAll(ctx, resourcesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(holders))
	for key, v := range holders {
		h, err := parseHolder(v)
		if err != nil {
			return nil, err
		}
		var res device.Resource
		if raw, ok := resources[key]; ok {
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, fmt.Errorf("lock: decode %s: %w", key, err)
			}
		}
		out = append(out, Entry{Resource: res, Holder: h})
	}
	return out, nil
}

func parseHolder(v any) (int32, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case int64:
		return int32(x), nil
	default:
		return 0, fmt.Errorf("lock: unexpected holder %v", v)
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("lock: bad holder %q: %w", s, err)
	}
	return int32(n), nil
}
