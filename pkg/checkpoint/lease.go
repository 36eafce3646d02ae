package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRunActive is returned when another holder already owns the run lease.
var ErrRunActive = errors.New("checkpoint: run lease held by another runner")

// releaseScript deletes the lease only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lease only if the caller still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Lease is a Redis-backed mutual exclusion lock per run, preventing two
// runners from resuming the same run concurrently. The TTL bounds how long
// a crashed runner blocks a resume.
type Lease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLease wraps a Redis client. TTL must be positive.
func NewLease(client *redis.Client, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errors.New("checkpoint: lease ttl must be positive")
	}
	return &Lease{client: client, ttl: ttl}, nil
}

func leaseKey(runID string) string {
	return "acm:run:" + runID + ":lease"
}

// Acquire takes the lease for holder, failing with ErrRunActive when someone
// else holds it.
func (l *Lease) Acquire(ctx context.Context, runID, holder string) error {
	ok, err := l.client.SetNX(ctx, leaseKey(runID), holder, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("checkpoint: acquire lease: %w", err)
	}
	if !ok {
		return ErrRunActive
	}
	return nil
}

// Renew extends the lease if holder still owns it.
func (l *Lease) Renew(ctx context.Context, runID, holder string) error {
	n, err := renewScript.Run(ctx, l.client, []string{leaseKey(runID)}, holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("checkpoint: renew lease: %w", err)
	}
	if n == 0 {
		return ErrRunActive
	}
	return nil
}

// Release drops the lease if holder still owns it. Releasing a lease that
// expired or moved on is not an error.
func (l *Lease) Release(ctx context.Context, runID, holder string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{leaseKey(runID)}, holder).Int(); err != nil {
		return fmt.Errorf("checkpoint: release lease: %w", err)
	}
	return nil
}
