package memcache

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultConnectTimeout = time.Second
	DefaultRetryDelay     = 5 * time.Second

	connBufSize = 64 << 10
)

// NodeState is the connection state of a NodeClient.
type NodeState uint8

const (
	StateNotConnected NodeState = iota
	StateConnected
	StateDead
)

func (s NodeState) String() string {
	switch s {
	case StateNotConnected:
		return "NOT CONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// NodeStatus is a snapshot of a NodeClient's connection state.
type NodeStatus struct {
	State   NodeState
	RetryAt time.Time
	Err     error
}

func (s NodeStatus) String() string {
	if s.State != StateDead {
		return s.State.String()
	}
	return fmt.Sprintf("DEAD: %v, will retry at %s", s.Err, s.RetryAt.Format(time.RFC3339))
}

// NodeOptions configures a NodeClient. Zero values take the defaults.
type NodeOptions struct {
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	// StrictReads surfaces transport errors on reads. When false a failed
	// read reports its keys as missing.
	StrictReads bool
	// Readonly rejects every mutating command with ErrReadonly.
	Readonly bool
	// Multithreaded serializes commands through a mutex so the client can
	// be shared between goroutines.
	Multithreaded bool
	Logger        *slog.Logger
	Metrics       Metrics
	// Now is the clock used for backoff. Defaults to time.Now.
	Now func() time.Time
}

func (o *NodeOptions) fillDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// NodeClient speaks the text protocol to a single node over one lazily
// dialed TCP connection. Only one command is in flight at a time.
type NodeClient struct {
	node   Node
	name   string
	opts   NodeOptions
	dialer net.Dialer
	log    *slog.Logger

	mu sync.Locker

	// guarded by mu
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	state   NodeState
	retryAt time.Time
	lastErr error
	closed  bool
}

var _ Backend = (*NodeClient)(nil)

// NewNodeClient returns a client for node. No connection is made until the
// first command.
func NewNodeClient(node Node, opts NodeOptions) *NodeClient {
	opts.fillDefaults()
	node = node.withDefaults()

	n := &NodeClient{
		node: node,
		name: node.String(),
		opts: opts,
		dialer: net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 45 * time.Second,
			Control:   controlSocket,
		},
	}
	n.log = opts.Logger.With("node", n.name)
	if opts.Multithreaded {
		n.mu = &sync.Mutex{}
	} else {
		n.mu = nopLocker{}
	}
	return n
}

func (n *NodeClient) Name() string { return n.name }

func (n *NodeClient) Node() Node { return n.node }

// Status reports the current connection state.
func (n *NodeClient) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return NodeStatus{State: n.state, RetryAt: n.retryAt, Err: n.lastErr}
}

// Reset closes the socket and clears any backoff. The next command dials
// again.
func (n *NodeClient) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropConn()
	n.state = StateNotConnected
	n.retryAt = time.Time{}
	n.lastErr = nil
}

// Close releases the socket. Later commands fail with ErrClosed.
func (n *NodeClient) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	var err error
	if n.conn != nil {
		err = n.conn.Close()
	}
	n.conn, n.r, n.w = nil, nil, nil
	n.state = StateNotConnected
	return err
}

func (n *NodeClient) Get(ctx context.Context, keys []string, withCAS bool) (map[string]*Item, error) {
	if len(keys) == 0 {
		return map[string]*Item{}, nil
	}
	for _, k := range keys {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
	}

	op := "get"
	if withCAS {
		op = "gets"
	}
	results := make(map[string]*Item, len(keys))
	served, err := n.read(ctx, op, n.opts.StrictReads,
		func(w *bufio.Writer) error { return writeRetrieval(w, withCAS, keys) },
		func(r *bufio.Reader) error {
			return readValues(r, withCAS, func(it *Item) { results[it.Key] = it })
		})
	if err != nil {
		return nil, err
	}
	if !served {
		return map[string]*Item{}, nil
	}
	return results, nil
}

func (n *NodeClient) Store(ctx context.Context, mode StoreMode, it *Item, exptime int64) (StoreResult, error) {
	if err := ValidateKey(it.Key); err != nil {
		return 0, err
	}
	var res StoreResult
	err := n.write(ctx, mode.String(),
		func(w *bufio.Writer) error { return writeStorage(w, mode, it, exptime) },
		func(r *bufio.Reader) (err error) {
			res, err = readStoreResult(r)
			return err
		})
	return res, err
}

func (n *NodeClient) Delete(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	var deleted bool
	err := n.write(ctx, "delete",
		func(w *bufio.Writer) error { return writeCommand(w, "delete", key) },
		func(r *bufio.Reader) (err error) {
			deleted, err = readDeleteResult(r)
			return err
		})
	return deleted, err
}

func (n *NodeClient) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return n.counter(ctx, "incr", key, delta)
}

// Decr decrements a numeric value. The node clamps the result at zero.
func (n *NodeClient) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return n.counter(ctx, "decr", key, delta)
}

func (n *NodeClient) counter(ctx context.Context, op, key string, delta uint64) (uint64, bool, error) {
	if err := ValidateKey(key); err != nil {
		return 0, false, err
	}
	var (
		value uint64
		found bool
	)
	err := n.write(ctx, op,
		func(w *bufio.Writer) error {
			return writeCommand(w, op, key, strconv.FormatUint(delta, 10))
		},
		func(r *bufio.Reader) (err error) {
			value, found, err = readCounter(r)
			return err
		})
	return value, found, err
}

// FlushAll invalidates every item on the node after delay.
func (n *NodeClient) FlushAll(ctx context.Context, delay time.Duration) error {
	args := []string{"flush_all"}
	if delay > 0 {
		args = append(args, strconv.FormatInt(int64(math.Ceil(delay.Seconds())), 10))
	}
	return n.write(ctx, "flush_all",
		func(w *bufio.Writer) error { return writeCommand(w, args...) },
		readOK)
}

func (n *NodeClient) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	served, err := n.read(ctx, "stats", n.opts.StrictReads,
		func(w *bufio.Writer) error { return writeCommand(w, "stats") },
		func(r *bufio.Reader) (err error) {
			stats, err = readStats(r)
			return err
		})
	if err != nil {
		return nil, err
	}
	if !served {
		return Stats{}, nil
	}
	return stats, nil
}

// Version returns the node's version string. Failures are always
// reported, regardless of StrictReads.
func (n *NodeClient) Version(ctx context.Context) (string, error) {
	var v string
	_, err := n.read(ctx, "version", true,
		func(w *bufio.Writer) error { return writeCommand(w, "version") },
		func(r *bufio.Reader) (err error) {
			v, err = readVersion(r)
			return err
		})
	return v, err
}

// write runs a mutating command. A transport failure closes the socket and
// the command is sent once more on a fresh connection; a second failure
// marks the node dead. The first command after a backoff gets a single
// reconnect attempt and no retry.
func (n *NodeClient) write(ctx context.Context, op string, send func(*bufio.Writer) error, recv func(*bufio.Reader) error) error {
	if n.opts.Readonly {
		return fmt.Errorf("%w: %s on %s", ErrReadonly, op, n.name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	revived, err := n.usable(op)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err = n.roundTrip(ctx, op, send, recv)
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			n.dropConn()
			return &ConnectionError{Node: n.name, Op: op, Err: cerr}
		}
		if !isFatalTransport(err) {
			return n.annotate(op, err)
		}

		n.dropConn()
		if attempt == 1 && !revived {
			n.log.Warn("memcache write failed, retrying", "op", op, "err", err)
			n.opts.Metrics.Retry(n.name, op)
			continue
		}
		n.markDead(err)
		return &ConnectionError{Node: n.name, Op: op, Err: n.annotate(op, err)}
	}
}

// read runs a retrieval command. served is false when a lenient read was
// skipped because the node is dead or failed; the caller then reports its
// keys as missing.
func (n *NodeClient) read(ctx context.Context, op string, strict bool, send func(*bufio.Writer) error, recv func(*bufio.Reader) error) (served bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.usable(op); err != nil {
		if strict || n.closed {
			return false, err
		}
		return false, nil
	}

	err = n.roundTrip(ctx, op, send, recv)
	if err == nil {
		return true, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		n.dropConn()
		return false, &ConnectionError{Node: n.name, Op: op, Err: cerr}
	}
	if !isFatalTransport(err) {
		return false, n.annotate(op, err)
	}

	n.dropConn()
	n.markDead(err)
	cerr := &ConnectionError{Node: n.name, Op: op, Err: n.annotate(op, err)}
	if strict {
		return false, cerr
	}
	n.log.Warn("memcache read failed, treating keys as missing", "op", op, "err", err)
	return false, nil
}

// usable checks the closed flag and backoff. A dead node becomes
// NotConnected once its retry time has passed and revived reports that
// transition.
func (n *NodeClient) usable(op string) (revived bool, err error) {
	if n.closed {
		return false, ErrClosed
	}
	if n.state == StateDead {
		if n.opts.Now().Before(n.retryAt) {
			return false, &ConnectionError{
				Node: n.name,
				Op:   op,
				Err:  fmt.Errorf("%w until %s: %v", ErrNodeDead, n.retryAt.Format(time.RFC3339), n.lastErr),
			}
		}
		n.state = StateNotConnected
		return true, nil
	}
	return false, nil
}

func (n *NodeClient) roundTrip(ctx context.Context, op string, send func(*bufio.Writer) error, recv func(*bufio.Reader) error) error {
	if err := n.connect(ctx); err != nil {
		return err
	}

	start := time.Now()
	stop := n.watch(ctx)
	err := send(n.w)
	if err == nil {
		err = n.w.Flush()
	}
	if err == nil {
		err = recv(n.r)
	}
	stop()

	n.opts.Metrics.Command(n.name, op, time.Since(start), err)
	return err
}

// watch applies ctx to the socket: its deadline becomes the socket
// deadline and cancellation unblocks any pending read or write. The
// returned func must be called before the socket is used again.
func (n *NodeClient) watch(ctx context.Context) func() {
	conn := n.conn
	dl, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = conn.SetDeadline(dl)
	}
	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		_ = conn.SetDeadline(time.Time{})
	}
}

func (n *NodeClient) connect(ctx context.Context) error {
	if n.conn != nil {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, n.opts.ConnectTimeout)
	defer cancel()
	c, err := n.dialer.DialContext(dctx, "tcp", n.node.Addr())
	if err != nil {
		return err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	n.conn = c
	n.r = bufio.NewReaderSize(c, connBufSize)
	n.w = bufio.NewWriterSize(c, connBufSize)
	n.state = StateConnected
	n.retryAt = time.Time{}
	n.lastErr = nil
	return nil
}

func (n *NodeClient) dropConn() {
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.conn, n.r, n.w = nil, nil, nil
	if n.state == StateConnected {
		n.state = StateNotConnected
	}
}

func (n *NodeClient) markDead(err error) {
	n.state = StateDead
	n.retryAt = n.opts.Now().Add(n.opts.RetryDelay)
	n.lastErr = err
	n.log.Warn("memcache node marked dead", "err", err, "retry_at", n.retryAt)
	n.opts.Metrics.NodeDead(n.name)
}

// annotate fills the node and op of typed reply errors.
func (n *NodeClient) annotate(op string, err error) error {
	switch e := err.(type) {
	case *ServerError:
		e.Node, e.Op = n.name, op
	case *ClientError:
		e.Node, e.Op = n.name, op
	case *ProtocolError:
		e.Node, e.Op = n.name, op
	}
	return err
}
