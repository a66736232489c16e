package memcache

import (
	"context"
	"fmt"
	"os"
	"time"
)

const lockPrefix = "lock:"

// LockOptions configures WithLock.
type LockOptions struct {
	// Expiry bounds how long a crashed holder blocks others. Zero uses
	// Config.LockExpiry.
	Expiry time.Duration
	// NoWait returns ErrLockHeld instead of polling.
	NoWait bool
	// Keep leaves the lock in place after fn returns.
	Keep bool
}

func lockKey(key string) string { return lockPrefix + key }

func lockOwner() []byte {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return []byte(host)
}

// Lock tries once to take the advisory lock for key. The lock value is
// this host's name and it expires after expiry (Config.LockExpiry when
// zero).
func (c *Client) Lock(ctx context.Context, key string, expiry time.Duration) (bool, error) {
	if expiry <= 0 {
		expiry = c.cfg.LockExpiry
	}
	return c.Add(ctx, lockKey(key), lockOwner(), SetOptions{Expiry: expiry})
}

// Unlock releases the lock for key regardless of who holds it.
func (c *Client) Unlock(ctx context.Context, key string) (bool, error) {
	return c.Delete(ctx, lockKey(key))
}

// Locked reports whether key is locked and by which host.
func (c *Client) Locked(ctx context.Context, key string) (owner string, locked bool, err error) {
	it, err := c.Get(ctx, lockKey(key))
	if err != nil || it == nil {
		return "", false, err
	}
	return string(it.Value), true, nil
}

// WithLock runs fn while holding the lock for key, polling every
// Config.LockPoll until it is free. The lock is released when fn returns,
// even on error, unless opts.Keep is set.
func (c *Client) WithLock(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) error {
	for {
		ok, err := c.Lock(ctx, key, opts.Expiry)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if opts.NoWait {
			return fmt.Errorf("%w: %s", ErrLockHeld, key)
		}

		t := time.NewTimer(c.cfg.LockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if !opts.Keep {
		defer func() {
			if _, err := c.Unlock(context.WithoutCancel(ctx), key); err != nil {
				c.cfg.Logger.Warn("memcache unlock failed", "key", key, "err", err)
			}
		}()
	}
	return fn(ctx)
}
