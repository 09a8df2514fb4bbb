// Package singleton runs work on at most one instance at a time, guarded by a
// Redis lock that is renewed while the work runs.
package singleton

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/lease"
	"github.com/drblury/relayflow/internal/runtime/logging"
)

const (
	// DefaultTTL is the lock expiry. It covers three renewal intervals.
	DefaultTTL = 60 * time.Second
	// DefaultPrefix namespaces lock keys.
	DefaultPrefix = "relayflow:singleton:"
)

var ErrLockNameRequired = errors.New("relayflow: singleton lock name is required")

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Client is the part of a go-redis client the locker needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Locker hands out named singleton locks.
type Locker struct {
	client Client
	ttl    time.Duration
	prefix string
}

type LockerOption func(*Locker)

func WithTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) LockerOption {
	return func(l *Locker) { l.prefix = prefix }
}

func NewLocker(client Client, opts ...LockerOption) *Locker {
	l := &Locker{client: client, ttl: DefaultTTL, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLocker connects to addr and returns a locker over it.
func NewRedisLocker(addr, password string, db int, opts ...LockerOption) (*Locker, *redis.Client) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewLocker(client, opts...), client
}

// TryAcquire takes the lock if nobody holds it. It returns nil and no error
// when the lock is held elsewhere.
func (l *Locker) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	if name == "" {
		return nil, ErrLockNameRequired
	}
	lock := &Lock{locker: l, name: name, key: l.prefix + name, token: ids.NewLockToken()}
	ok, err := l.client.SetNX(ctx, lock.key, lock.token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire singleton lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// Lock is a held singleton lock. It implements lease.Lease.
type Lock struct {
	locker *Locker
	name   string
	key    string
	token  string
}

// Renew extends the lock if this holder still owns it.
func (k *Lock) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, k.locker.client, []string{k.key}, k.token, k.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release deletes the lock if this holder still owns it.
func (k *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, k.locker.client, []string{k.key}, k.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release singleton lock %s: %w", k.name, err)
	}
	return nil
}

func (k *Lock) String() string { return "singleton:" + k.name }

type runOptions struct {
	autoRelease  bool
	renewOptions []lease.Option
	logger       logging.ServiceLogger
}

// RunOption customises RunExclusive.
type RunOption func(*runOptions)

// WithAutoRelease controls whether the lock is released when the work ends.
// Without it the lock stays until its TTL expires, which keeps fast periodic
// work from running twice under clock drift.
func WithAutoRelease(enabled bool) RunOption {
	return func(o *runOptions) { o.autoRelease = enabled }
}

func WithLogger(logger logging.ServiceLogger) RunOption {
	return func(o *runOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRenewOptions passes options to the lock renewer.
func WithRenewOptions(opts ...lease.Option) RunOption {
	return func(o *runOptions) { o.renewOptions = append(o.renewOptions, opts...) }
}

// RunExclusive runs fn while holding the named lock. It reports ran=false
// without calling fn when another instance holds the lock. The lock is renewed
// in the background until fn returns; if renewal gives up fn keeps running.
func RunExclusive(ctx context.Context, l *Locker, name string, fn func(context.Context) error, opts ...RunOption) (ran bool, err error) {
	o := runOptions{autoRelease: true, logger: logging.NewNopServiceLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With(logging.LogFields{"singleton": name})

	lock, err := l.TryAcquire(ctx, name)
	if err != nil {
		return false, err
	}
	if lock == nil {
		log.Debug("Singleton lock held elsewhere", nil)
		return false, nil
	}

	renewOpts := append([]lease.Option{
		lease.WithAutoRelease(o.autoRelease),
		lease.WithLogger(log),
		lease.WithTerminatedHook(func(l lease.Lease, lastErr error) {
			log.Error("Singleton lock renewal stopped", lastErr, nil)
		}),
	}, o.renewOptions...)
	renewer := lease.Start(ctx, lock, renewOpts...)
	defer renewer.Stop()

	log.Debug("Singleton lock acquired", nil)
	return true, fn(ctx)
}
