package memcache

import "time"

// Metrics receives client-side events. Implementations must be safe for
// concurrent use. See metrics/prom for a Prometheus adapter.
type Metrics interface {
	// Command is called once per wire command with its outcome.
	Command(node, op string, elapsed time.Duration, err error)
	// Retry is called when a write is re-sent on a fresh connection.
	Retry(node, op string)
	// NodeDead is called when a node enters backoff.
	NodeDead(node string)
	// Lookup reports hits and misses of one logical read.
	Lookup(hits, misses int)
}

// NoopMetrics discards every event. It is the default.
type NoopMetrics struct{}

func (NoopMetrics) Command(string, string, time.Duration, error) {}
func (NoopMetrics) Retry(string, string)                         {}
func (NoopMetrics) NodeDead(string)                              {}
func (NoopMetrics) Lookup(int, int)                              {}

var _ Metrics = NoopMetrics{}
