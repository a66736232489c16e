package memcache

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/memcache/internal/memtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func startNode(t *testing.T) *memtest.Server {
	t.Helper()
	s, err := memtest.Start(memtest.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nodeFor(t *testing.T, s *memtest.Server) Node {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return Node{Host: host, Port: p, Weight: 1}
}

func newTestNodeClient(t *testing.T, s *memtest.Server, opts NodeOptions) *NodeClient {
	t.Helper()
	opts.Multithreaded = true
	n := NewNodeClient(nodeFor(t, s), opts)
	t.Cleanup(func() { n.Close() })
	return n
}

// newTestCluster starts n nodes and a client over them.
func newTestCluster(t *testing.T, n int, mutate func(*Config)) (*Client, []*memtest.Server) {
	t.Helper()
	servers := make([]*memtest.Server, n)
	cfg := Default()
	for i := range servers {
		servers[i] = startNode(t)
		cfg.Servers = append(cfg.Servers, servers[i].Addr())
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, servers
}
