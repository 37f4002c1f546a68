// Package runlock serializes concurrent invocations of the same sync mode.
// The checkpoint store has no internal mutual exclusion; two simultaneous
// incremental runs could advance the checkpoint from a stale read and
// silently skip a window.
package runlock

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Lock struct {
	cli *redis.Client
	key string
	ttl time.Duration
}

func New(addr, mode string, ttl time.Duration) (*Lock, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Lock{cli: cli, key: "cvesync:run:" + mode, ttl: ttl}, nil
}

// Acquire takes the lock for this mode, returning false when another run
// holds it. The TTL bounds how long a crashed run can block its successors.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	holder, _ := os.Hostname()
	return l.cli.SetNX(ctx, l.key, holder+"/"+strconv.Itoa(os.Getpid()), l.ttl).Result()
}

func (l *Lock) Release(ctx context.Context) error {
	return l.cli.Del(ctx, l.key).Err()
}
