package memcache

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultLockExpiry = 5 * time.Second
	DefaultLockPoll   = time.Second
)

// Config configures a Client. Start from Default(); a zero Config is
// usable but runs nodes in single-owner (unlocked) mode.
type Config struct {
	// Servers are "host[:port[:weight]]" addresses.
	Servers []string
	// Nodes are appended after Servers.
	Nodes []Node

	Namespace     string
	DefaultExpiry time.Duration

	StrictReads bool
	Readonly    bool

	SegmentLargeValues bool
	MaxSegmentSize     int

	Multithreaded  bool
	ConnectTimeout time.Duration
	RetryDelay     time.Duration

	// HashIgnoresNamespace shards on the un-namespaced key, so a key lands
	// on the same node whatever namespace it is used under.
	HashIgnoresNamespace bool

	// Backup is consulted on misses and receives a copy of every write.
	Backup *Client

	Codec   Codec
	Logger  *slog.Logger
	Metrics Metrics

	LockExpiry time.Duration
	LockPoll   time.Duration

	// Now is the clock for expiry conversion and node backoff.
	Now func() time.Time
}

// Default returns a Config with every default applied and Multithreaded
// enabled.
func Default() Config {
	c := Config{Multithreaded: true}
	c.FillDefaults()
	return c
}

// FillDefaults sets zero fields to their defaults.
func (c *Config) FillDefaults() {
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Codec == nil {
		c.Codec = CBORCodec{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	if c.LockExpiry <= 0 {
		c.LockExpiry = DefaultLockExpiry
	}
	if c.LockPoll <= 0 {
		c.LockPoll = DefaultLockPoll
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// nodeList parses Servers and appends Nodes.
func (c *Config) nodeList() ([]Node, error) {
	nodes := make([]Node, 0, len(c.Servers)+len(c.Nodes))
	for _, s := range c.Servers {
		n, err := ParseNode(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	for _, n := range c.Nodes {
		n = n.withDefaults()
		if err := n.validate(); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return nil, ErrNoServers
	}
	return nodes, nil
}

func (c *Config) validate() error {
	if c.DefaultExpiry < 0 && c.DefaultExpiry != NoExpiration {
		return fmt.Errorf("%w: negative default expiry %s", ErrInvalidConfig, c.DefaultExpiry)
	}
	if c.Namespace != "" {
		if err := ValidateKey(EscapeKey(c.Namespace)); err != nil {
			return fmt.Errorf("%w: namespace: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) nodeOptions() NodeOptions {
	return NodeOptions{
		ConnectTimeout: c.ConnectTimeout,
		RetryDelay:     c.RetryDelay,
		StrictReads:    c.StrictReads,
		Readonly:       c.Readonly,
		Multithreaded:  c.Multithreaded,
		Logger:         c.Logger,
		Metrics:        c.Metrics,
		Now:            c.Now,
	}
}
