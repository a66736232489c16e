// Package memtest runs an in-process node speaking the memcached text
// protocol. It is a test double: single process, no eviction, a clock the
// test controls and hooks for injecting failures.
package memtest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxItemSize = 1 << 20
	maxKeyLength       = 250
	version            = "1.6.0-memtest"
)

// Options configures a Server. Zero values take the defaults.
type Options struct {
	// Addr defaults to 127.0.0.1:0.
	Addr        string
	MaxItemSize int
	// Clock defaults to time.Now. Advance shifts it further.
	Clock func() time.Time
	// Logf receives connection errors. Defaults to discarding them.
	Logf func(format string, args ...any)
}

// Server is a running node.
type Server struct {
	opts  Options
	store *store
	start time.Time

	mu       sync.Mutex
	addr     string
	listener net.Listener
	conns    map[net.Conn]struct{}
	replies  []string
	stopped  bool
	wg       sync.WaitGroup

	accepted atomic.Int64
	failNext atomic.Int64
}

// Start listens and serves in the background.
func Start(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.MaxItemSize <= 0 {
		opts.MaxItemSize = DefaultMaxItemSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}

	s := &Server{
		opts:  opts,
		store: newStore(opts.MaxItemSize, opts.Clock),
		start: opts.Clock(),
		conns: make(map[net.Conn]struct{}),
	}
	if err := s.listen(opts.Addr); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("memtest: listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.addr = l.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.opts.Logf("memtest: accept: %v", err)
			}
			return
		}
		s.accepted.Add(1)

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns host:port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Accepted counts connections accepted so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Advance moves the server clock forward.
func (s *Server) Advance(d time.Duration) { s.store.offset.Add(int64(d)) }

// Now is the server's current time.
func (s *Server) Now() time.Time { return time.Unix(0, s.store.now()) }

// Item returns the raw stored value and flags of key.
func (s *Server) Item(key string) (value []byte, flags uint32, ok bool) {
	e, ok := s.store.peek(key)
	return e.value, e.flags, ok
}

// Remove deletes key out of band.
func (s *Server) Remove(key string) bool { return s.store.delete(key) }

// Keys lists the live keys in no particular order.
func (s *Server) Keys() []string { return s.store.keys() }

// Len is the number of live items.
func (s *Server) Len() int { return s.store.size() }

// FailNext makes the next n commands close their connection instead of
// replying.
func (s *Server) FailNext(n int) { s.failNext.Store(int64(n)) }

// InjectReply makes the next command answer with line instead of being
// executed.
func (s *Server) InjectReply(line string) {
	s.mu.Lock()
	s.replies = append(s.replies, line)
	s.mu.Unlock()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Pause stops accepting connections and drops open ones, so dials are
// refused until Resume.
func (s *Server) Pause() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	s.DropConnections()
}

// Resume listens again on the same address.
func (s *Server) Resume() error {
	s.mu.Lock()
	if s.listener != nil || s.stopped {
		s.mu.Unlock()
		return nil
	}
	addr := s.addr
	s.mu.Unlock()
	return s.listen(addr)
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.Pause()
	s.wg.Wait()
	return nil
}

func (s *Server) takeReply() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return "", false
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, true
}

func (s *Server) shouldFail() bool {
	for {
		n := s.failNext.Load()
		if n <= 0 {
			return false
		}
		if s.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.opts.Logf("memtest: read: %v", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		// storage commands carry a data block that must be consumed even
		// when the reply is injected
		var data []byte
		if isStorage(fields[0]) {
			if data, err = readData(r, fields); err != nil {
				writeLine(w, "CLIENT_ERROR bad data chunk")
				_ = w.Flush()
				return
			}
		}

		if s.shouldFail() {
			return
		}
		if reply, ok := s.takeReply(); ok {
			writeLine(w, reply)
			if err := w.Flush(); err != nil {
				return
			}
			continue
		}

		quit := s.execute(w, fields, data)
		if err := w.Flush(); err != nil || quit {
			return
		}
	}
}

func isStorage(cmd string) bool {
	switch cmd {
	case "set", "add", "replace", "append", "prepend", "cas":
		return true
	}
	return false
}

func readData(r *bufio.Reader, fields []string) ([]byte, error) {
	if len(fields) < 5 {
		return nil, errors.New("short storage command")
	}
	n, err := strconv.Atoi(fields[4])
	if err != nil || n < 0 {
		return nil, errors.New("bad length")
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(buf, []byte("\r\n")) {
		return nil, errors.New("missing terminator")
	}
	return buf[:n], nil
}

func writeLine(w *bufio.Writer, line string) {
	w.WriteString(line)
	w.WriteString("\r\n")
}

func noreply(fields []string, idx int) bool {
	return len(fields) > idx && fields[idx] == "noreply"
}

// execute runs one command and reports whether the connection should
// close.
func (s *Server) execute(w *bufio.Writer, fields []string, data []byte) bool {
	cmd := fields[0]
	switch cmd {
	case "get", "gets":
		if len(fields) < 2 {
			writeLine(w, "ERROR")
			return false
		}
		for _, key := range fields[1:] {
			e, ok := s.store.get(key)
			if !ok {
				continue
			}
			if cmd == "gets" {
				fmt.Fprintf(w, "VALUE %s %d %d %d\r\n", key, e.flags, len(e.value), e.cas)
			} else {
				fmt.Fprintf(w, "VALUE %s %d %d\r\n", key, e.flags, len(e.value))
			}
			w.Write(e.value)
			w.WriteString("\r\n")
		}
		writeLine(w, "END")

	case "set", "add", "replace", "append", "prepend", "cas":
		s.storage(w, fields, data)

	case "delete":
		if len(fields) < 2 || !validKey(fields[1]) {
			writeLine(w, "CLIENT_ERROR bad command line format")
			return false
		}
		deleted := s.store.delete(fields[1])
		if noreply(fields, 2) {
			return false
		}
		if deleted {
			writeLine(w, "DELETED")
		} else {
			writeLine(w, "NOT_FOUND")
		}

	case "incr", "decr":
		if len(fields) < 3 || !validKey(fields[1]) {
			writeLine(w, "ERROR")
			return false
		}
		delta, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			writeLine(w, "CLIENT_ERROR invalid numeric delta argument")
			return false
		}
		v, found, err := s.store.counter(fields[1], delta, cmd == "incr")
		if noreply(fields, 3) {
			return false
		}
		switch {
		case err != nil:
			writeLine(w, "CLIENT_ERROR "+err.Error())
		case !found:
			writeLine(w, "NOT_FOUND")
		default:
			writeLine(w, strconv.FormatUint(v, 10))
		}

	case "touch":
		if len(fields) < 3 {
			writeLine(w, "ERROR")
			return false
		}
		exp, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			writeLine(w, "CLIENT_ERROR invalid exptime argument")
			return false
		}
		if s.store.touch(fields[1], exp) {
			writeLine(w, "TOUCHED")
		} else {
			writeLine(w, "NOT_FOUND")
		}

	case "flush_all":
		var delay int64
		if len(fields) > 1 && fields[1] != "noreply" {
			d, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				writeLine(w, "CLIENT_ERROR bad command line format")
				return false
			}
			delay = d
		}
		s.store.flush(time.Duration(delay) * time.Second)
		if !noreply(fields, len(fields)-1) {
			writeLine(w, "OK")
		}

	case "stats":
		s.writeStats(w)

	case "version":
		writeLine(w, "VERSION "+version)

	case "quit":
		return true

	default:
		writeLine(w, "ERROR")
	}
	return false
}

func (s *Server) storage(w *bufio.Writer, fields []string, data []byte) {
	cmd := fields[0]
	key := fields[1]
	if !validKey(key) {
		writeLine(w, "CLIENT_ERROR bad command line format")
		return
	}
	flags, err1 := strconv.ParseUint(fields[2], 10, 32)
	exptime, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		writeLine(w, "CLIENT_ERROR bad command line format")
		return
	}

	var cas uint64
	replyIdx := 5
	if cmd == "cas" {
		if len(fields) < 6 {
			writeLine(w, "ERROR")
			return
		}
		c, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			writeLine(w, "CLIENT_ERROR bad command line format")
			return
		}
		cas = c
		replyIdx = 6
	}

	res, err := s.store.store(cmd, key, data, uint32(flags), exptime, cas)
	if noreply(fields, replyIdx) {
		return
	}
	if err != nil {
		writeLine(w, "SERVER_ERROR "+err.Error())
		return
	}
	writeLine(w, string(res))
}

func (s *Server) writeStats(w *bufio.Writer) {
	now := s.Now()
	stat := func(name string, v any) { fmt.Fprintf(w, "STAT %s %v\r\n", name, v) }
	stat("pid", os.Getpid())
	stat("uptime", int64(now.Sub(s.start).Seconds()))
	stat("time", now.Unix())
	stat("version", version)
	stat("rusage_user", "0.000000")
	stat("rusage_system", "0.000000")
	stat("curr_connections", s.openConns())
	stat("total_connections", s.accepted.Load())
	stat("cmd_get", s.store.cmdGet.Load())
	stat("cmd_set", s.store.cmdSet.Load())
	stat("get_hits", s.store.getHits.Load())
	stat("get_misses", s.store.getMisses.Load())
	stat("curr_items", s.store.size())
	stat("total_items", s.store.totalItems.Load())
	stat("limit_maxbytes", 64<<20)
	writeLine(w, "END")
}

func (s *Server) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func validKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// Logger adapts the standard logger for Options.Logf.
func Logger(l *log.Logger) func(string, ...any) {
	return func(format string, args ...any) { l.Printf(format, args...) }
}
