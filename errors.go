package memcache

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrInvalidKey     = errors.New("memcache: invalid key")
	ErrNodeDead       = errors.New("memcache: node is dead")
	ErrReadonly       = errors.New("memcache: update of readonly cache")
	ErrReservedFlags  = errors.New("memcache: flags use the reserved partial-value bit")
	ErrSegmentedValue = errors.New("memcache: cannot append to a segmented value")
	ErrClosed         = errors.New("memcache: client closed")
	ErrNoServers      = errors.New("memcache: no servers configured")
	ErrInvalidConfig  = errors.New("memcache: invalid configuration")
	ErrLockHeld       = errors.New("memcache: lock is held by another owner")
	ErrCodec          = errors.New("memcache: value codec failure")
)

// ConnectionError is a transport-level failure talking to one node.
type ConnectionError struct {
	Node string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("memcache: %s %s: connection error: %v", e.Op, e.Node, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError is a SERVER_ERROR reply. The node is misbehaving; the
// command is not retried.
type ServerError struct {
	Node string
	Op   string
	Msg  string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("memcache: %s %s: SERVER_ERROR %s", e.Op, e.Node, e.Msg)
}

// ClientError is an ERROR or CLIENT_ERROR reply: the node rejected a
// request this client built.
type ClientError struct {
	Node string
	Op   string
	Msg  string
}

func (e *ClientError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("memcache: %s %s: ERROR", e.Op, e.Node)
	}
	return fmt.Sprintf("memcache: %s %s: CLIENT_ERROR %s", e.Op, e.Node, e.Msg)
}

// ProtocolError reports a reply line that does not match the protocol.
// The stream position is unknown afterwards, so the socket is discarded.
type ProtocolError struct {
	Node string
	Op   string
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("memcache: %s %s: unexpected response %q", e.Op, e.Node, e.Line)
}

// InvalidKeyError is raised before any network call.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("memcache: invalid key %q: %s", e.Key, e.Reason)
}

func (e *InvalidKeyError) Is(target error) bool { return target == ErrInvalidKey }

func invalidKey(key, reason string) error {
	return &InvalidKeyError{Key: key, Reason: reason}
}

// isFatalTransport reports whether err means the socket is unusable and the
// command may be retried on a fresh connection.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		return true
	}

	var serr *ServerError
	var cerr *ClientError
	if errors.As(err, &serr) || errors.As(err, &cerr) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	var oerr *net.OpError
	return errors.As(err, &oerr)
}
