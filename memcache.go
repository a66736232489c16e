// Package memcache is a client for memcached-compatible nodes speaking the
// text protocol. A Client shards keys over a fixed node list, optionally
// segments values larger than a node's item limit, and layers namespaces,
// read-through helpers, locks and a backup tier on top.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Client routes commands to the node owning each key. It is safe for
// concurrent use when configured Multithreaded. Namespaced children made
// by WithNamespace share the parent's connections.
type Client struct {
	*shared
	namespace string
	backup    *Client
}

type shared struct {
	cfg      Config
	nodes    []*NodeClient
	backends []Backend
	table    bucketTable
	flight   singleflight.Group
	closed   atomic.Bool
}

// New builds a Client. No connections are opened until first use.
func New(cfg Config) (*Client, error) {
	cfg.FillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	nodes, err := cfg.nodeList()
	if err != nil {
		return nil, err
	}

	s := &shared{cfg: cfg}
	opts := cfg.nodeOptions()
	weights := make([]int, 0, len(nodes))
	for _, n := range nodes {
		nc := NewNodeClient(n, opts)
		var b Backend = nc
		if cfg.SegmentLargeValues {
			seg := NewSegmenter(nc, cfg.MaxSegmentSize, cfg.Logger)
			seg.now = cfg.Now
			b = seg
		}
		s.nodes = append(s.nodes, nc)
		s.backends = append(s.backends, b)
		weights = append(weights, n.Weight)
	}
	s.table = newBucketTable(weights)

	c := &Client{shared: s, namespace: cfg.Namespace, backup: cfg.Backup}
	if c.backup != nil && cfg.Namespace != "" {
		c.backup = c.backup.WithNamespace(cfg.Namespace)
	}
	return c, nil
}

// Namespace returns the active key prefix.
func (c *Client) Namespace() string { return c.namespace }

// WithNamespace returns a child client using ns instead of the current
// namespace. The backup tier, if any, gets the same namespace.
func (c *Client) WithNamespace(ns string) *Client {
	child := &Client{shared: c.shared, namespace: ns}
	if c.backup != nil {
		child.backup = c.backup.WithNamespace(ns)
	}
	return child
}

// InNamespace runs fn with a child client whose namespace is the current
// one extended by suffix. The receiver is never modified.
func (c *Client) InNamespace(suffix string, fn func(*Client) error) error {
	return fn(c.WithNamespace(QualifyKey(c.namespace, suffix)))
}

// Backup returns the backup tier, or nil.
func (c *Client) Backup() *Client { return c.backup }

// Nodes returns the node clients in configuration order.
func (c *Client) Nodes() []*NodeClient {
	return append([]*NodeClient(nil), c.nodes...)
}

// Shard returns the index of the node that owns key.
func (c *Client) Shard(key string) (int, error) {
	wire, err := EncodeKey(c.namespace, key)
	if err != nil {
		return 0, err
	}
	return c.shardOf(key, wire), nil
}

func (c *Client) shardOf(key, wire string) int {
	if len(c.backends) == 1 {
		return 0
	}
	hk := wire
	if c.cfg.HashIgnoresNamespace {
		hk = EscapeKey(key)
	}
	return c.table.pick(HashKey(hk))
}

// route encodes key and returns its wire form and owning backend.
func (c *Client) route(key string) (string, Backend, error) {
	if c.closed.Load() {
		return "", nil, ErrClosed
	}
	wire, err := EncodeKey(c.namespace, key)
	if err != nil {
		return "", nil, err
	}
	return wire, c.backends[c.shardOf(key, wire)], nil
}

func (c *Client) exptime(opts SetOptions) int64 {
	d := opts.Expiry
	if d == 0 {
		d = c.cfg.DefaultExpiry
	}
	return wireExpiry(d, opts.ExpireAt, c.cfg.Now())
}

func (c *Client) checkWrite(flags uint32) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.cfg.Readonly {
		return ErrReadonly
	}
	if flags&PartialValue != 0 {
		return ErrReservedFlags
	}
	return nil
}

// mirror applies a write to the backup tier. Failures there are logged
// and never fail the primary write.
func (c *Client) mirror(op, key string, fn func(b *Client) error) {
	if c.backup == nil || c.cfg.Readonly || c.closed.Load() {
		return
	}
	if err := fn(c.backup); err != nil {
		c.cfg.Logger.Warn("memcache backup write failed", "op", op, "key", key, "err", err)
	}
}

// Get returns the item stored under key, or nil when it is absent.
func (c *Client) Get(ctx context.Context, key string) (*Item, error) {
	return c.get(ctx, key, false)
}

// Gets is Get with the CAS token populated.
func (c *Client) Gets(ctx context.Context, key string) (*Item, error) {
	return c.get(ctx, key, true)
}

func (c *Client) get(ctx context.Context, key string, withCAS bool) (*Item, error) {
	wire, b, err := c.route(key)
	if err != nil {
		return nil, err
	}
	items, err := b.Get(ctx, []string{wire}, withCAS)
	if err != nil {
		return nil, err
	}
	if it, ok := items[wire]; ok {
		it.Key = key
		c.cfg.Metrics.Lookup(1, 0)
		return it, nil
	}
	c.cfg.Metrics.Lookup(0, 1)
	if c.backup != nil && !withCAS {
		return c.backup.Get(ctx, key)
	}
	return nil, nil
}

// GetMulti fetches many keys with one command per node. Missing keys are
// absent from the result, which is keyed by the caller's keys.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]*Item, error) {
	return c.getMulti(ctx, keys, false)
}

// GetsMulti is GetMulti with CAS tokens populated.
func (c *Client) GetsMulti(ctx context.Context, keys []string) (map[string]*Item, error) {
	return c.getMulti(ctx, keys, true)
}

func (c *Client) getMulti(ctx context.Context, keys []string, withCAS bool) (map[string]*Item, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(keys) == 0 {
		return map[string]*Item{}, nil
	}

	groups := make([][]string, len(c.backends))
	logical := make(map[string]string, len(keys))
	for _, key := range keys {
		wire, err := EncodeKey(c.namespace, key)
		if err != nil {
			return nil, err
		}
		if _, dup := logical[wire]; dup {
			continue
		}
		logical[wire] = key
		i := c.shardOf(key, wire)
		groups[i] = append(groups[i], wire)
	}

	found := make([]map[string]*Item, len(c.backends))
	var g errgroup.Group
	for i, wires := range groups {
		if len(wires) == 0 {
			continue
		}
		g.Go(func() error {
			items, err := c.backends[i].Get(ctx, wires, withCAS)
			found[i] = items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make(map[string]*Item, len(logical))
	for _, items := range found {
		for wire, it := range items {
			key, ok := logical[wire]
			if !ok {
				continue
			}
			it.Key = key
			results[key] = it
		}
	}
	c.cfg.Metrics.Lookup(len(results), len(logical)-len(results))

	if c.backup != nil && !withCAS && len(results) < len(logical) {
		missing := make([]string, 0, len(logical)-len(results))
		for _, key := range keys {
			if _, ok := results[key]; !ok {
				missing = append(missing, key)
			}
		}
		extra, err := c.backup.GetMulti(ctx, missing)
		if err != nil {
			return nil, err
		}
		for k, it := range extra {
			results[k] = it
		}
	}
	return results, nil
}

func (c *Client) store(ctx context.Context, mode StoreMode, key string, value []byte, cas uint64, opts SetOptions) (StoreResult, error) {
	if err := c.checkWrite(opts.Flags); err != nil {
		return 0, err
	}
	wire, b, err := c.route(key)
	if err != nil {
		return 0, err
	}
	it := &Item{Key: wire, Value: value, Flags: opts.Flags, CAS: cas}
	return b.Store(ctx, mode, it, c.exptime(opts))
}

// Set stores value unconditionally.
func (c *Client) Set(ctx context.Context, key string, value []byte, opts SetOptions) error {
	c.mirror("set", key, func(b *Client) error { return b.Set(ctx, key, value, opts) })
	res, err := c.store(ctx, ModeSet, key, value, 0, opts)
	if err != nil {
		return err
	}
	if res != Stored {
		return fmt.Errorf("memcache: set %q: %s", key, res)
	}
	return nil
}

// Add stores value only if key is absent. false is an ordinary outcome.
func (c *Client) Add(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	c.mirror("add", key, func(b *Client) error { _, err := b.Add(ctx, key, value, opts); return err })
	res, err := c.store(ctx, ModeAdd, key, value, 0, opts)
	return res == Stored && err == nil, err
}

// Replace stores value only if key is present.
func (c *Client) Replace(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error) {
	c.mirror("replace", key, func(b *Client) error { _, err := b.Replace(ctx, key, value, opts); return err })
	res, err := c.store(ctx, ModeReplace, key, value, 0, opts)
	return res == Stored && err == nil, err
}

// CompareAndSwap stores value only if the item still carries the CAS
// token from a previous Gets. Exists means another writer got there first,
// NotFound that the item is gone.
func (c *Client) CompareAndSwap(ctx context.Context, key string, value []byte, cas uint64, opts SetOptions) (StoreResult, error) {
	res, err := c.store(ctx, ModeCAS, key, value, cas, opts)
	if err == nil && res == Stored {
		// a primary token means nothing to the backup tier
		c.mirror("cas", key, func(b *Client) error { return b.Set(ctx, key, value, opts) })
	}
	return res, err
}

// Append adds value after the existing data. false means key is absent.
func (c *Client) Append(ctx context.Context, key string, value []byte) (bool, error) {
	c.mirror("append", key, func(b *Client) error { _, err := b.Append(ctx, key, value); return err })
	res, err := c.store(ctx, ModeAppend, key, value, 0, SetOptions{})
	return res == Stored && err == nil, err
}

// Prepend adds value before the existing data.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) (bool, error) {
	c.mirror("prepend", key, func(b *Client) error { _, err := b.Prepend(ctx, key, value); return err })
	res, err := c.store(ctx, ModePrepend, key, value, 0, SetOptions{})
	return res == Stored && err == nil, err
}

// Incr adds delta to a numeric value. found is false when key is absent.
func (c *Client) Incr(ctx context.Context, key string, delta uint64) (value uint64, found bool, err error) {
	c.mirror("incr", key, func(b *Client) error { _, _, err := b.Incr(ctx, key, delta); return err })
	if err := c.checkWrite(0); err != nil {
		return 0, false, err
	}
	wire, b, err := c.route(key)
	if err != nil {
		return 0, false, err
	}
	return b.Incr(ctx, wire, delta)
}

// Decr subtracts delta from a numeric value, stopping at zero.
func (c *Client) Decr(ctx context.Context, key string, delta uint64) (value uint64, found bool, err error) {
	c.mirror("decr", key, func(b *Client) error { _, _, err := b.Decr(ctx, key, delta); return err })
	if err := c.checkWrite(0); err != nil {
		return 0, false, err
	}
	wire, b, err := c.route(key)
	if err != nil {
		return 0, false, err
	}
	return b.Decr(ctx, wire, delta)
}

// Delete removes key. false means it was not present.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	c.mirror("delete", key, func(b *Client) error { _, err := b.Delete(ctx, key); return err })
	if err := c.checkWrite(0); err != nil {
		return false, err
	}
	wire, b, err := c.route(key)
	if err != nil {
		return false, err
	}
	return b.Delete(ctx, wire)
}

// Count reads a counter maintained with Incr and Decr.
func (c *Client) Count(ctx context.Context, key string) (int64, bool, error) {
	it, err := c.Get(ctx, key)
	if err != nil || it == nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(it.Value)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("memcache: count %q: %w", key, err)
	}
	return n, true, nil
}

// FlushOptions staggers flush_all over the nodes: node i is flushed after
// Delay + i*Interval.
type FlushOptions struct {
	Delay    time.Duration
	Interval time.Duration
}

// FlushAll invalidates every item on every node. All nodes are attempted;
// failures are joined.
func (c *Client) FlushAll(ctx context.Context, opts FlushOptions) error {
	if err := c.checkWrite(0); err != nil {
		return err
	}
	var errs []error
	delay := opts.Delay
	for _, b := range c.backends {
		if err := b.FlushAll(ctx, delay); err != nil {
			errs = append(errs, err)
		}
		delay += opts.Interval
	}
	return errors.Join(errs...)
}

// Stats returns each node's statistics keyed by node name.
func (c *Client) Stats(ctx context.Context) (map[string]Stats, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	out := make(map[string]Stats, len(c.backends))
	var errs []error
	for _, b := range c.backends {
		st, err := b.Stats(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[b.Name()] = st
	}
	return out, errors.Join(errs...)
}

// StatsField returns one stat per node, in node order. Nodes that did not
// report it yield nil.
func (c *Client) StatsField(ctx context.Context, field string) ([]any, error) {
	all, err := c.Stats(ctx)
	out := make([]any, len(c.backends))
	for i, b := range c.backends {
		if st, ok := all[b.Name()]; ok {
			out[i] = st[field]
		}
	}
	return out, err
}

// Reset closes every socket without marking nodes dead and clears any
// backoff.
func (c *Client) Reset() {
	for _, n := range c.nodes {
		n.Reset()
	}
}

// Close closes every node connection. The backup tier is left open; it
// belongs to whoever built it.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, n := range c.nodes {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
