package memtest

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type rawConn struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, s *Server) *rawConn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &rawConn{t: t, c: c, r: bufio.NewReader(c)}
}

func (rc *rawConn) send(s string) {
	rc.t.Helper()
	_, err := rc.c.Write([]byte(s))
	require.NoError(rc.t, err)
}

func (rc *rawConn) line() string {
	rc.t.Helper()
	_ = rc.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	l, err := rc.r.ReadString('\n')
	require.NoError(rc.t, err)
	return strings.TrimRight(l, "\r\n")
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := Start(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorageAndRetrieval(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("set k 7 0 5\r\nhello\r\n")
	require.Equal(t, "STORED", c.line())

	c.send("get k missing\r\n")
	require.Equal(t, "VALUE k 7 5", c.line())
	require.Equal(t, "hello", c.line())
	require.Equal(t, "END", c.line())

	c.send("add k 0 0 1\r\nx\r\n")
	require.Equal(t, "NOT_STORED", c.line())

	c.send("append k 0 0 1\r\n!\r\n")
	require.Equal(t, "STORED", c.line())
	v, flags, ok := s.Item("k")
	require.True(t, ok)
	require.Equal(t, "hello!", string(v))
	require.Equal(t, uint32(7), flags)
}

func TestCASConflict(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("set k 0 0 1\r\na\r\n")
	require.Equal(t, "STORED", c.line())
	c.send("gets k\r\n")
	hdr := strings.Fields(c.line())
	require.Len(t, hdr, 5)
	c.line()
	c.line()

	c.send("set k 0 0 1\r\nb\r\n")
	require.Equal(t, "STORED", c.line())
	c.send("cas k 0 0 1 " + hdr[4] + "\r\nc\r\n")
	require.Equal(t, "EXISTS", c.line())
	c.send("cas nope 0 0 1 1\r\nc\r\n")
	require.Equal(t, "NOT_FOUND", c.line())
}

func TestCounters(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("set n 0 0 1\r\n5\r\n")
	require.Equal(t, "STORED", c.line())
	c.send("incr n 10\r\n")
	require.Equal(t, "15", c.line())
	c.send("decr n 100\r\n")
	require.Equal(t, "0", c.line())
	c.send("incr missing 1\r\n")
	require.Equal(t, "NOT_FOUND", c.line())

	c.send("set s 0 0 3\r\nabc\r\n")
	require.Equal(t, "STORED", c.line())
	c.send("incr s 1\r\n")
	require.True(t, strings.HasPrefix(c.line(), "CLIENT_ERROR"))
}

func TestExpiryFollowsClock(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("set k 0 2 1\r\nv\r\n")
	require.Equal(t, "STORED", c.line())
	_, _, ok := s.Item("k")
	require.True(t, ok)

	s.Advance(3 * time.Second)
	_, _, ok = s.Item("k")
	require.False(t, ok)
}

func TestDelayedFlush(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("set k 0 0 1\r\nv\r\n")
	require.Equal(t, "STORED", c.line())
	c.send("flush_all 10\r\n")
	require.Equal(t, "OK", c.line())
	require.Equal(t, 1, s.Len())

	s.Advance(11 * time.Second)
	require.Equal(t, 0, s.Len())
}

func TestFailureInjection(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	s.InjectReply("SERVER_ERROR out of memory")
	c.send("set k 0 0 1\r\nv\r\n")
	require.Equal(t, "SERVER_ERROR out of memory", c.line())

	s.FailNext(1)
	c.send("version\r\n")
	_ = c.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadString('\n')
	require.Error(t, err)
}

func TestPauseRefusesConnections(t *testing.T) {
	s := startServer(t)
	addr := s.Addr()

	s.Pause()
	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)

	require.NoError(t, s.Resume())
	c := dial(t, s)
	c.send("version\r\n")
	require.True(t, strings.HasPrefix(c.line(), "VERSION "))
}

func TestStats(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	c.send("stats\r\n")
	seen := map[string]bool{}
	for {
		l := c.line()
		if l == "END" {
			break
		}
		f := strings.Fields(l)
		require.Equal(t, "STAT", f[0])
		seen[f[1]] = true
	}
	require.True(t, seen["curr_items"])
	require.True(t, seen["rusage_user"])
}
