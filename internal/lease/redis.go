package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

const (
	leaseKeyPrefix = "trail:lease:"
	fenceKeyPrefix = "trail:fence:"
)

// The holder nonce is checked and acted on in one script so a lease that
// expired and was taken over cannot be extended or deleted by the old holder.
var (
	renewScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then return 0 end
if cjson.decode(cur).holder_nonce ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1`)

	releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then return 1 end
if cjson.decode(cur).holder_nonce ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1`)
)

// Redis is a Locker shared by every instance pointing at one Redis.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis creates a locker over client. The client lifecycle is managed by
// the caller.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// DialRedis parses url and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (*model.LeaseRecord, error) {
	now := r.now().UTC()
	rec := &model.LeaseRecord{
		Name:        name,
		HolderNonce: model.NewID(),
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}

	// Reserve the key first; the token is filled in once we own it.
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+name, mustJSON(rec), ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, errclass.ErrLeaseConflict.WithMessagef("lease %s is held", name)
	}

	token, err := r.client.Incr(ctx, fenceKeyPrefix+name).Result()
	if err != nil {
		r.client.Del(ctx, leaseKeyPrefix+name)
		return nil, fmt.Errorf("advance fencing token for %s: %w", name, err)
	}
	rec.FencingToken = token
	if err := r.client.Set(ctx, leaseKeyPrefix+name, mustJSON(rec), ttl).Err(); err != nil {
		return nil, fmt.Errorf("record lease %s: %w", name, err)
	}
	return rec, nil
}

func (r *Redis) Renew(ctx context.Context, rec *model.LeaseRecord, ttl time.Duration) (*model.LeaseRecord, error) {
	next := *rec
	next.ExpiresAt = r.now().UTC().Add(ttl)
	res, err := renewScript.Run(ctx, r.client, []string{leaseKeyPrefix + rec.Name},
		rec.HolderNonce, mustJSON(&next), ttl.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", rec.Name, err)
	}
	if res == 0 {
		return nil, errclass.ErrLeaseNotHeld.WithMessagef("lease %s", rec.Name)
	}
	return &next, nil
}

func (r *Redis) Release(ctx context.Context, rec *model.LeaseRecord) error {
	res, err := releaseScript.Run(ctx, r.client, []string{leaseKeyPrefix + rec.Name}, rec.HolderNonce).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", rec.Name, err)
	}
	if res == 0 {
		return errclass.ErrLeaseNotHeld.WithMessagef("lease %s: nonce mismatch", rec.Name)
	}
	return nil
}

func (r *Redis) ValidateFencing(ctx context.Context, name string, token int64) error {
	raw, err := r.client.Get(ctx, leaseKeyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return errclass.ErrLeaseNotHeld.WithMessagef("lease %s", name)
	}
	if err != nil {
		return fmt.Errorf("read lease %s: %w", name, err)
	}
	var cur model.LeaseRecord
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		return fmt.Errorf("parse lease %s: %w", name, err)
	}
	if cur.FencingToken != token {
		return errclass.ErrFencingMismatch.WithMessagef("expected token %d, got %d", cur.FencingToken, token)
	}
	return nil
}

func mustJSON(rec *model.LeaseRecord) string {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("marshal lease record: %v", err))
	}
	return string(data)
}
