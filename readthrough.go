package memcache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// GetOrSet returns the cached value, or produces and sets it on a miss.
// Concurrent misses for the same key within this process share one
// producer call; across processes two producers may still run.
func (c *Client) GetOrSet(ctx context.Context, key string, produce Producer, opts SetOptions) ([]byte, error) {
	return c.readThrough(ctx, ModeSet, key, produce, opts)
}

// GetOrAdd is GetOrSet storing with add: when another writer stored the
// key first, its value is returned instead of the produced one.
func (c *Client) GetOrAdd(ctx context.Context, key string, produce Producer, opts SetOptions) ([]byte, error) {
	return c.readThrough(ctx, ModeAdd, key, produce, opts)
}

func (c *Client) readThrough(ctx context.Context, mode StoreMode, key string, produce Producer, opts SetOptions) ([]byte, error) {
	it, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if it != nil {
		return it.Value, nil
	}

	wire, err := EncodeKey(c.namespace, key)
	if err != nil {
		return nil, err
	}
	v, err, _ := c.flight.Do(mode.String()+" "+wire, func() (any, error) {
		value, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if mode == ModeSet {
			return value, c.Set(ctx, key, value, opts)
		}
		return c.AddOrGet(ctx, key, value, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// AddOrGet adds value, or returns the existing value when key is already
// present.
func (c *Client) AddOrGet(ctx context.Context, key string, value []byte, opts SetOptions) ([]byte, error) {
	ok, err := c.Add(ctx, key, value, opts)
	if err != nil {
		return nil, err
	}
	if ok {
		return value, nil
	}
	it, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if it == nil {
		// deleted between add and get
		return value, nil
	}
	return it.Value, nil
}

// Update reads key with its CAS token, passes the item to fn (nil when
// absent) and writes the result with cas, or add when the key was absent.
// false means a concurrent writer won.
func (c *Client) Update(ctx context.Context, key string, fn func(old *Item) ([]byte, error), opts SetOptions) (bool, error) {
	it, err := c.Gets(ctx, key)
	if err != nil {
		return false, err
	}
	value, err := fn(it)
	if err != nil {
		return false, err
	}
	if it == nil {
		return c.Add(ctx, key, value, opts)
	}
	res, err := c.CompareAndSwap(ctx, key, value, it.CAS, opts)
	return res == Stored && err == nil, err
}

// GetAndTouch returns the item and rewrites it with a new expiry, keeping
// its flags. The rewrite is skipped if the item changed meanwhile.
func (c *Client) GetAndTouch(ctx context.Context, key string, expiry time.Duration) (*Item, error) {
	it, err := c.Gets(ctx, key)
	if err != nil || it == nil {
		return nil, err
	}
	opts := SetOptions{Expiry: expiry, Flags: it.Flags}
	if _, err := c.CompareAndSwap(ctx, key, it.Value, it.CAS, opts); err != nil {
		return nil, err
	}
	return it, nil
}

// GetSomeOptions configures GetSome.
type GetSomeOptions struct {
	SetOptions
	// Validate drops cached entries it rejects; they are fetched again.
	Validate func(key string, it *Item) bool
	// Overwrite stores fetched values with set instead of add.
	Overwrite bool
	// Disable skips the cache entirely: everything is fetched, nothing
	// stored.
	Disable bool
	// DisableWrite reads the cache but never stores fetched values.
	DisableWrite bool
	// StrictWrite fails on the first store error instead of logging it.
	StrictWrite bool
}

// GetSome returns values for keys, reading what it can from the cache and
// calling fetch once with the keys that were missing. Fetched values are
// written back unless disabled.
func (c *Client) GetSome(ctx context.Context, keys []string, fetch func(ctx context.Context, missing []string) (map[string][]byte, error), opts GetSomeOptions) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if !opts.Disable {
		items, err := c.GetMulti(ctx, keys)
		if err != nil {
			return nil, err
		}
		for k, it := range items {
			if opts.Validate != nil && !opts.Validate(k, it) {
				continue
			}
			out[k] = it.Value
		}
	}

	var missing []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := out[k]; ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for k, v := range fetched {
		out[k] = v
		if opts.Disable || opts.DisableWrite {
			continue
		}
		var werr error
		if opts.Overwrite {
			werr = c.Set(ctx, k, v, opts.SetOptions)
		} else {
			_, werr = c.Add(ctx, k, v, opts.SetOptions)
		}
		if werr == nil {
			continue
		}
		if opts.StrictWrite {
			return nil, werr
		}
		c.cfg.Logger.Warn("memcache get_some store failed", "key", k, "err", werr)
	}
	return out, nil
}

// GetObject decodes the value under key into v with the configured codec.
// It reports false on a miss.
func (c *Client) GetObject(ctx context.Context, key string, v any) (bool, error) {
	it, err := c.Get(ctx, key)
	if err != nil || it == nil {
		return false, err
	}
	if err := c.cfg.Codec.Unmarshal(it.Value, v); err != nil {
		return false, errors.Join(ErrCodec, fmt.Errorf("decode %q: %w", key, err))
	}
	return true, nil
}

// SetObject encodes v with the configured codec and sets it.
func (c *Client) SetObject(ctx context.Context, key string, v any, opts SetOptions) error {
	b, err := c.cfg.Codec.Marshal(v)
	if err != nil {
		return errors.Join(ErrCodec, fmt.Errorf("encode %q: %w", key, err))
	}
	return c.Set(ctx, key, b, opts)
}
