// Package lock implements an advisory Redis lock enforcing spec §5's
// single-active-coordinator-per-processor requirement across multiple
// instances of the adapter running against the same ClickHouse database.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "chstore:coordinator-lock:"

// releaseScript deletes the key only if it still holds our token, so a lock
// this holder lost (TTL expiry, another instance stealing it) can never be
// deleted out from under its new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewScript extends the TTL only if it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Lock is a held advisory lock for one processor id. Call Release when the
// coordinator disconnects or fails.
type Lock struct {
	client      *redis.Client
	logger      *zap.Logger
	key         string
	token       string
	ttl         time.Duration
	renewEvery  time.Duration
	stopRenewal chan struct{}
	wg          sync.WaitGroup
}

// Options configures TTL and renewal cadence.
type Options struct {
	// TTL is how long the lock is held before it auto-expires if this
	// process dies without releasing it.
	TTL time.Duration
	// RenewEvery is how often the background goroutine extends the TTL.
	// Should be well under TTL so a missed renewal or two doesn't cause
	// the lock to lapse.
	RenewEvery time.Duration
}

// DefaultOptions matches spec §6's defaults: 30s TTL, renewed every 10s.
func DefaultOptions() Options {
	return Options{TTL: 30 * time.Second, RenewEvery: 10 * time.Second}
}

// Acquire attempts to take the lock for processorID, returning (nil, false,
// nil) when another holder already has it and a non-nil error only when the
// Redis call itself fails. Acquire does not retry; the coordinator's
// supervisor loop is responsible for backing off and calling again.
func Acquire(ctx context.Context, client *redis.Client, logger *zap.Logger, processorID string, opts Options) (*Lock, bool, error) {
	token, err := randomToken()
	if err != nil {
		return nil, false, fmt.Errorf("lock: generate token: %w", err)
	}

	key := keyPrefix + processorID
	ok, err := client.SetNX(ctx, key, token, opts.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	l := &Lock{
		client:      client,
		logger:      logger,
		key:         key,
		token:       token,
		ttl:         opts.TTL,
		renewEvery:  opts.RenewEvery,
		stopRenewal: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.renewLoop()

	logger.Info("lock acquired", zap.String("processor_id", processorID), zap.Duration("ttl", opts.TTL))
	return l, true, nil
}

func (l *Lock) renewLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenewal:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("lock: renewal failed", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Warn("lock: lost ownership during renewal, another holder took it", zap.String("key", l.key))
				return
			}
		}
	}
}

// Release stops renewal and deletes the key if still owned. Safe to call
// more than once.
func (l *Lock) Release(ctx context.Context) error {
	select {
	case <-l.stopRenewal:
		return nil
	default:
		close(l.stopRenewal)
	}
	l.wg.Wait()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	if n == 0 {
		l.logger.Warn("lock: release found no matching token, already expired or stolen", zap.String("key", l.key))
	}
	return nil
}

// Held reports whether this holder's token is still the current value of
// the lock key — i.e. it has not expired or been stolen since Acquire.
// Used by the coordinator's Health probe.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("lock: check held %s: %w", l.key, err)
	}
	return v == l.token, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
