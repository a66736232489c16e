package memcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// keyOnShard returns a key owned by node i.
func keyOnShard(t *testing.T, c *Client, i int) string {
	t.Helper()
	for n := 0; n < 10_000; n++ {
		k := fmt.Sprintf("key-%d", n)
		s, err := c.Shard(k)
		require.NoError(t, err)
		if s == i {
			return k
		}
	}
	t.Fatalf("no key found for shard %d", i)
	return ""
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoServers)

	_, err = New(Config{Servers: []string{"localhost:notaport"}})
	require.Error(t, err)

	_, err = New(Config{Servers: []string{"localhost"}, Namespace: "bad\x00ns"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClientBasicOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	it, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, it)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), SetOptions{Flags: 9}))
	it, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "k", it.Key)
	require.Equal(t, "v", string(it.Value))
	require.Equal(t, uint32(9), it.Flags)

	ok, err := c.Add(ctx, "k", []byte("x"), SetOptions{})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Replace(ctx, "k", []byte("w"), SetOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.Append(ctx, "k", []byte("!"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Prepend(ctx, "k", []byte("<"))
	require.NoError(t, err)
	require.True(t, ok)

	it, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "<w!", string(it.Value))

	ok, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	it, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestClientCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 2, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("v1"), SetOptions{}))
	it, err := c.Gets(ctx, "k")
	require.NoError(t, err)
	require.NotZero(t, it.CAS)

	require.NoError(t, c.Set(ctx, "k", []byte("v2"), SetOptions{}))
	res, err := c.CompareAndSwap(ctx, "k", []byte("v3"), it.CAS, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, Exists, res)

	it, err = c.Gets(ctx, "k")
	require.NoError(t, err)
	res, err = c.CompareAndSwap(ctx, "k", []byte("v3"), it.CAS, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, Stored, res)

	res, err = c.CompareAndSwap(ctx, "nope", []byte("v"), 42, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, NotFound, res)
}

func TestClientShardingIsStable(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 3, nil)

	perNode := make([]int, len(servers))
	for i := range 300 {
		key := fmt.Sprintf("user:%d", i)
		shard, err := c.Shard(key)
		require.NoError(t, err)
		again, _ := c.Shard(key)
		require.Equal(t, shard, again)

		require.NoError(t, c.Set(ctx, key, []byte("x"), SetOptions{}))
		_, _, ok := servers[shard].Item(EscapeKey(key))
		require.True(t, ok, key)
		perNode[shard]++
	}
	for i, n := range perNode {
		require.Greater(t, n, 50, "node %d", i)
	}
}

func TestClientWeightedNodes(t *testing.T) {
	a, b := startNode(t), startNode(t)
	cfg := Default()
	cfg.Servers = []string{a.Addr() + ":1", b.Addr() + ":3"}
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	onB := 0
	for i := range 4000 {
		s, err := c.Shard(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		onB += s
	}
	require.InDelta(t, 3000, onB, 300)
}

func TestClientGetMulti(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 3, nil)

	want := map[string]string{}
	for i := range 30 {
		k := fmt.Sprintf("multi %d", i)
		want[k] = fmt.Sprintf("value-%d", i)
		require.NoError(t, c.Set(ctx, k, []byte(want[k]), SetOptions{}))
	}
	for _, s := range servers {
		require.Positive(t, s.Len())
	}

	keys := []string{"absent"}
	for k := range want {
		keys = append(keys, k, k)
	}
	items, err := c.GetMulti(ctx, keys)
	require.NoError(t, err)

	got := map[string]string{}
	for k, it := range items {
		require.Equal(t, k, it.Key)
		got[k] = string(it.Value)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GetMulti mismatch (-want +got):\n%s", diff)
	}

	withCAS, err := c.GetsMulti(ctx, []string{"multi 1", "multi 2"})
	require.NoError(t, err)
	require.Len(t, withCAS, 2)
	for _, it := range withCAS {
		require.NotZero(t, it.CAS)
	}

	_, err = c.GetMulti(ctx, []string{"ok", ""})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestClientNamespaces(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 1, func(cfg *Config) { cfg.Namespace = "app" })
	s := servers[0]

	require.NoError(t, c.Set(ctx, "k", []byte("root"), SetOptions{}))
	_, _, ok := s.Item("app:k")
	require.True(t, ok)

	err := c.InNamespace("users", func(u *Client) error {
		require.Equal(t, "app:users", u.Namespace())
		return u.Set(ctx, "k", []byte("user"), SetOptions{})
	})
	require.NoError(t, err)
	require.Equal(t, "app", c.Namespace())

	v, _, ok := s.Item("app:users:k")
	require.True(t, ok)
	require.Equal(t, "user", string(v))

	other := c.WithNamespace("other")
	it, err := other.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, it)

	bare := c.WithNamespace("")
	require.NoError(t, bare.Set(ctx, "with space", []byte("x"), SetOptions{}))
	_, _, ok = s.Item(`with\sspace`)
	require.True(t, ok)
}

func TestClientHashIgnoresNamespace(t *testing.T) {
	c, _ := newTestCluster(t, 4, func(cfg *Config) { cfg.HashIgnoresNamespace = true })
	for i := range 50 {
		k := fmt.Sprintf("k%d", i)
		a, err := c.WithNamespace("a").Shard(k)
		require.NoError(t, err)
		b, err := c.WithNamespace("b").Shard(k)
		require.NoError(t, err)
		require.Equal(t, a, b, k)
	}
}

func TestClientExpiry(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 1, nil)

	require.NoError(t, c.Set(ctx, "short", []byte("v"), SetOptions{Expiry: 2 * time.Second}))
	require.NoError(t, c.Set(ctx, "forever", []byte("v"), SetOptions{}))

	servers[0].Advance(3 * time.Second)
	it, err := c.Get(ctx, "short")
	require.NoError(t, err)
	require.Nil(t, it)
	it, err = c.Get(ctx, "forever")
	require.NoError(t, err)
	require.NotNil(t, it)

	require.NoError(t, c.Set(ctx, "past", []byte("v"), SetOptions{ExpireAt: time.Now().Add(-time.Hour)}))
	it, err = c.Get(ctx, "past")
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestClientDefaultExpiry(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 1, func(cfg *Config) { cfg.DefaultExpiry = time.Minute })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), SetOptions{}))
	servers[0].Advance(61 * time.Second)
	it, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestClientCounters(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 2, nil)

	_, found, err := c.Incr(ctx, "hits", 1)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, c.Set(ctx, "hits", []byte("5"), SetOptions{}))
	v, found, err := c.Incr(ctx, "hits", 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(8), v)

	v, _, err = c.Decr(ctx, "hits", 10)
	require.NoError(t, err)
	require.Zero(t, v)

	n, ok, err := c.Count(ctx, "hits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, n)

	_, ok, err = c.Count(ctx, "nothing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientRejectsReservedFlags(t *testing.T) {
	c, servers := newTestCluster(t, 1, nil)
	err := c.Set(context.Background(), "k", []byte("v"), SetOptions{Flags: PartialValue})
	require.ErrorIs(t, err, ErrReservedFlags)
	require.Zero(t, servers[0].Accepted())
}

func TestClientReadonly(t *testing.T) {
	ctx := context.Background()
	s := startNode(t)
	rw, _ := newTestCluster(t, 0, func(cfg *Config) { cfg.Servers = []string{s.Addr()} })
	require.NoError(t, rw.Set(ctx, "k", []byte("v"), SetOptions{}))

	ro, _ := newTestCluster(t, 0, func(cfg *Config) {
		cfg.Servers = []string{s.Addr()}
		cfg.Readonly = true
	})
	it, err := ro.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(it.Value))

	require.ErrorIs(t, ro.Set(ctx, "k", []byte("w"), SetOptions{}), ErrReadonly)
	_, err = ro.Delete(ctx, "k")
	require.ErrorIs(t, err, ErrReadonly)
	_, _, err = ro.Incr(ctx, "k", 1)
	require.ErrorIs(t, err, ErrReadonly)
	require.ErrorIs(t, ro.FlushAll(ctx, FlushOptions{}), ErrReadonly)
}

func TestClientClosed(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 2, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.GetMulti(ctx, []string{"k"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Set(ctx, "k", nil, SetOptions{}), ErrClosed)
	_, err = c.Stats(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientDeadNodeLenientReads(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 2, nil)

	k0, k1 := keyOnShard(t, c, 0), keyOnShard(t, c, 1)
	require.NoError(t, c.Set(ctx, k0, []byte("a"), SetOptions{}))
	require.NoError(t, c.Set(ctx, k1, []byte("b"), SetOptions{}))

	servers[1].Pause()

	items, err := c.GetMulti(ctx, []string{k0, k1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Contains(t, items, k0)
	require.Equal(t, StateDead, c.Nodes()[1].Status().State)

	err = c.Set(ctx, k1, []byte("b"), SetOptions{})
	require.ErrorIs(t, err, ErrNodeDead)
	require.NoError(t, c.Set(ctx, k0, []byte("a2"), SetOptions{}))

	require.NoError(t, servers[1].Resume())
	c.Reset()
	it, err := c.Get(ctx, k1)
	require.NoError(t, err)
	require.Equal(t, "b", string(it.Value))
}

func TestClientStrictReadsSurfaceErrors(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 1, func(cfg *Config) { cfg.StrictReads = true })
	servers[0].Pause()

	_, err := c.Get(ctx, "k")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestClientBackupTier(t *testing.T) {
	ctx := context.Background()
	backup, backupServers := newTestCluster(t, 1, nil)
	c, servers := newTestCluster(t, 1, func(cfg *Config) {
		cfg.Backup = backup
		cfg.Namespace = "ns"
	})

	require.NoError(t, c.Set(ctx, "k", []byte("v"), SetOptions{}))
	_, _, ok := backupServers[0].Item("ns:k")
	require.True(t, ok, "writes are mirrored under the same namespace")

	require.True(t, servers[0].Remove("ns:k"))
	it, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(it.Value))

	items, err := c.GetMulti(ctx, []string{"k"})
	require.NoError(t, err)
	require.Contains(t, items, "k")

	// CAS reads never fall through
	it, err = c.Gets(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, it)

	_, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	require.Zero(t, backupServers[0].Len())

	// a failing backup does not fail the primary write
	backupServers[0].Pause()
	require.NoError(t, c.Set(ctx, "k2", []byte("v"), SetOptions{}))
}

func TestClientFlushAllStaggered(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 2, nil)
	k0, k1 := keyOnShard(t, c, 0), keyOnShard(t, c, 1)
	require.NoError(t, c.Set(ctx, k0, []byte("a"), SetOptions{}))
	require.NoError(t, c.Set(ctx, k1, []byte("b"), SetOptions{}))

	require.NoError(t, c.FlushAll(ctx, FlushOptions{Interval: 10 * time.Second}))
	require.Zero(t, servers[0].Len())
	require.Equal(t, 1, servers[1].Len())

	servers[1].Advance(11 * time.Second)
	require.Zero(t, servers[1].Len())
}

func TestClientStats(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 2, nil)
	require.NoError(t, c.Set(ctx, keyOnShard(t, c, 0), []byte("a"), SetOptions{}))

	all, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, n := range c.Nodes() {
		require.Contains(t, all, n.Name())
	}

	items, err := c.StatsField(ctx, "curr_items")
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(0)}, items)
}

func TestClientSegmentsLargeValues(t *testing.T) {
	ctx := context.Background()
	big := payload(2_500_000)

	plain, _ := newTestCluster(t, 1, nil)
	err := plain.Set(ctx, "big", big, SetOptions{})
	var serr *ServerError
	require.ErrorAs(t, err, &serr)

	c, servers := newTestCluster(t, 1, func(cfg *Config) { cfg.SegmentLargeValues = true })
	require.NoError(t, c.Set(ctx, "big", big, SetOptions{}))
	require.Equal(t, 4, servers[0].Len())

	it, err := c.Get(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, len(big), len(it.Value))
	require.Equal(t, big, it.Value)
	require.Zero(t, it.Flags&PartialValue)
}

func TestGetOrSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	var calls atomic.Int32
	produce := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}

	v, err := c.GetOrSet(ctx, "k", produce, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, "computed", string(v))
	v, err = c.GetOrSet(ctx, "k", produce, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, "computed", string(v))
	require.Equal(t, int32(1), calls.Load())

	boom := errors.New("boom")
	_, err = c.GetOrSet(ctx, "other", func(context.Context) ([]byte, error) { return nil, boom }, SetOptions{})
	require.ErrorIs(t, err, boom)
	it, err := c.Get(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestGetOrSetSharesProducer(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	var calls atomic.Int32
	release := make(chan struct{})
	produce := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrSet(ctx, "k", produce, SetOptions{})
			if err == nil {
				results[i] = string(v)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		require.Equal(t, "v", r)
	}
	require.LessOrEqual(t, calls.Load(), int32(2))
}

func TestGetOrAddKeepsFirstWriter(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	v, err := c.GetOrAdd(ctx, "k", func(ctx context.Context) ([]byte, error) {
		// another writer wins the race
		require.NoError(t, c.Set(ctx, "k", []byte("first"), SetOptions{}))
		return []byte("second"), nil
	}, SetOptions{})
	require.NoError(t, err)
	require.Equal(t, "first", string(v))

	v, err = c.AddOrGet(ctx, "fresh", []byte("mine"), SetOptions{})
	require.NoError(t, err)
	require.Equal(t, "mine", string(v))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	inc := func(old *Item) ([]byte, error) {
		if old == nil {
			return []byte("1"), nil
		}
		return append(old.Value, '+'), nil
	}
	ok, err := c.Update(ctx, "k", inc, SetOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Update(ctx, "k", inc, SetOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	it, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "1+", string(it.Value))

	ok, err = c.Update(ctx, "k", func(old *Item) ([]byte, error) {
		require.NoError(t, c.Set(ctx, "k", []byte("raced"), SetOptions{}))
		return []byte("lost"), nil
	}, SetOptions{})
	require.NoError(t, err)
	require.False(t, ok)

	it, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "raced", string(it.Value))
}

func TestGetAndTouch(t *testing.T) {
	ctx := context.Background()
	c, servers := newTestCluster(t, 1, nil)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), SetOptions{Expiry: 5 * time.Second, Flags: 4}))
	it, err := c.GetAndTouch(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "v", string(it.Value))

	servers[0].Advance(30 * time.Second)
	it, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, it)
	require.Equal(t, uint32(4), it.Flags)

	it, err = c.GetAndTouch(ctx, "absent", time.Minute)
	require.NoError(t, err)
	require.Nil(t, it)
}

func TestGetSome(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 2, nil)
	require.NoError(t, c.Set(ctx, "a", []byte("cached-a"), SetOptions{}))
	require.NoError(t, c.Set(ctx, "stale", []byte("old"), SetOptions{}))

	var asked []string
	fetch := func(_ context.Context, missing []string) (map[string][]byte, error) {
		asked = append(asked, missing...)
		out := map[string][]byte{}
		for _, k := range missing {
			out[k] = []byte("fetched-" + k)
		}
		return out, nil
	}

	got, err := c.GetSome(ctx, []string{"a", "b", "stale", "b"}, fetch, GetSomeOptions{
		Validate: func(key string, it *Item) bool { return string(it.Value) != "old" },
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "stale"}, asked)

	want := map[string][]byte{
		"a":     []byte("cached-a"),
		"b":     []byte("fetched-b"),
		"stale": []byte("fetched-stale"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GetSome mismatch (-want +got):\n%s", diff)
	}

	// b was added, stale was not overwritten without Overwrite
	it, _ := c.Get(ctx, "b")
	require.Equal(t, "fetched-b", string(it.Value))
	it, _ = c.Get(ctx, "stale")
	require.Equal(t, "old", string(it.Value))

	asked = nil
	_, err = c.GetSome(ctx, []string{"a"}, fetch, GetSomeOptions{Disable: true})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, asked)

	asked = nil
	_, err = c.GetSome(ctx, []string{"c"}, fetch, GetSomeOptions{DisableWrite: true})
	require.NoError(t, err)
	it, _ = c.Get(ctx, "c")
	require.Nil(t, it)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, func(cfg *Config) { cfg.LockPoll = 10 * time.Millisecond })

	ok, err := c.Lock(ctx, "job", 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.Lock(ctx, "job", 0)
	require.NoError(t, err)
	require.False(t, ok)

	owner, locked, err := c.Locked(ctx, "job")
	require.NoError(t, err)
	require.True(t, locked)
	host, _ := os.Hostname()
	if host != "" {
		require.Equal(t, host, owner)
	}

	err = c.WithLock(ctx, "job", LockOptions{NoWait: true}, func(context.Context) error {
		t.Fatal("ran without the lock")
		return nil
	})
	require.ErrorIs(t, err, ErrLockHeld)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = c.Unlock(ctx, "job")
	}()
	ran := false
	err = c.WithLock(ctx, "job", LockOptions{}, func(context.Context) error {
		ran = true
		_, locked, err := c.Locked(ctx, "job")
		require.NoError(t, err)
		require.True(t, locked)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	_, locked, err = c.Locked(ctx, "job")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestWithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t, 1, nil)

	boom := errors.New("boom")
	err := c.WithLock(ctx, "job", LockOptions{}, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	_, locked, err := c.Locked(ctx, "job")
	require.NoError(t, err)
	require.False(t, locked)

	require.NoError(t, c.WithLock(ctx, "kept", LockOptions{Keep: true}, func(context.Context) error { return nil }))
	_, locked, _ = c.Locked(ctx, "kept")
	require.True(t, locked)
}

func TestWithLockHonorsContext(t *testing.T) {
	c, _ := newTestCluster(t, 1, func(cfg *Config) { cfg.LockPoll = 10 * time.Millisecond })
	ok, err := c.Lock(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.WithLock(ctx, "job", LockOptions{}, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type profile struct {
	Name  string
	Tags  []string
	Score int
}

func TestObjects(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []Codec{CBORCodec{}, JSONCodec{}} {
		c, _ := newTestCluster(t, 1, func(cfg *Config) { cfg.Codec = codec })

		in := profile{Name: "ada", Tags: []string{"x", "y"}, Score: 7}
		require.NoError(t, c.SetObject(ctx, "p", in, SetOptions{}))

		var out profile
		ok, err := c.GetObject(ctx, "p", &out)
		require.NoError(t, err)
		require.True(t, ok)
		if diff := cmp.Diff(in, out); diff != "" {
			t.Fatalf("%T round trip (-want +got):\n%s", codec, diff)
		}

		ok, err = c.GetObject(ctx, "nothing", &out)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, c.Set(ctx, "junk", []byte{0xff, 0x00}, SetOptions{}))
		_, err = c.GetObject(ctx, "junk", &out)
		require.ErrorIs(t, err, ErrCodec)
	}
}

func TestClientMetrics(t *testing.T) {
	ctx := context.Background()
	m := &recordingMetrics{}
	c, servers := newTestCluster(t, 1, func(cfg *Config) { cfg.Metrics = m })

	require.NoError(t, c.Set(ctx, "k", []byte("v"), SetOptions{}))
	_, _ = c.GetMulti(ctx, []string{"k", "x"})
	servers[0].FailNext(2)
	_ = c.Set(ctx, "k", []byte("v"), SetOptions{})

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, 1, m.hits)
	require.Equal(t, 1, m.misses)
	require.Equal(t, 1, m.retries)
	require.Equal(t, 1, m.dead)
	require.GreaterOrEqual(t, m.commands, 3)
}

type recordingMetrics struct {
	mu                                     sync.Mutex
	commands, retries, dead, hits, misses int
}

func (m *recordingMetrics) Command(string, string, time.Duration, error) {
	m.mu.Lock()
	m.commands++
	m.mu.Unlock()
}

func (m *recordingMetrics) Retry(string, string) {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

func (m *recordingMetrics) NodeDead(string) {
	m.mu.Lock()
	m.dead++
	m.mu.Unlock()
}

func (m *recordingMetrics) Lookup(hits, misses int) {
	m.mu.Lock()
	m.hits += hits
	m.misses += misses
	m.mu.Unlock()
}
