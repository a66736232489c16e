package memcache

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when a server address omits the port.
const DefaultPort = 11211

// Node identifies one cache server.
type Node struct {
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

// ParseNode parses "host", "host:port" or "host:port:weight". IPv6 hosts
// must be bracketed.
func ParseNode(s string) (Node, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Node{}, fmt.Errorf("%w: empty server address", ErrInvalidConfig)
	}

	host, rest := s, ""
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Node{}, fmt.Errorf("%w: bad server address %q", ErrInvalidConfig, s)
		}
		host, rest = s[1:end], strings.TrimPrefix(s[end+1:], ":")
	} else if i := strings.IndexByte(s, ':'); i >= 0 {
		host, rest = s[:i], s[i+1:]
	}

	n := Node{Host: host, Port: DefaultPort, Weight: 1}
	if rest == "" {
		return n, n.validate()
	}

	port, weight, hasWeight := strings.Cut(rest, ":")
	p, err := strconv.Atoi(port)
	if err != nil {
		return Node{}, fmt.Errorf("%w: bad port in %q", ErrInvalidConfig, s)
	}
	n.Port = p
	if hasWeight {
		w, err := strconv.Atoi(weight)
		if err != nil {
			return Node{}, fmt.Errorf("%w: bad weight in %q", ErrInvalidConfig, s)
		}
		n.Weight = w
	}
	return n, n.validate()
}

func (n Node) validate() error {
	if n.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidConfig)
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, n.Port)
	}
	if n.Weight < 0 {
		return fmt.Errorf("%w: negative weight for %s", ErrInvalidConfig, n.Host)
	}
	return nil
}

func (n Node) withDefaults() Node {
	if n.Port == 0 {
		n.Port = DefaultPort
	}
	if n.Weight == 0 {
		n.Weight = 1
	}
	return n
}

// Addr returns the dialable host:port.
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// String is the node name used in errors, logs and Client.Stats keys.
func (n Node) String() string { return n.Addr() }
