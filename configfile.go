package memcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

// Duration accepts a Go duration string ("90s", "1h") or a number of
// seconds in config files.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "never" {
			*d = Duration(NoExpiration)
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("duration must be a string or seconds: %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ClusterConfig is one named cluster in a config file.
type ClusterConfig struct {
	Servers              []string `json:"servers"`
	Nodes                []Node   `json:"nodes,omitempty"`
	Namespace            string   `json:"namespace,omitempty"`
	DefaultExpiry        Duration `json:"default_expiry,omitempty"`
	StrictReads          bool     `json:"strict_reads,omitempty"`
	Readonly             bool     `json:"readonly,omitempty"`
	SegmentLargeValues   bool     `json:"segment_large_values,omitempty"`
	MaxSegmentSize       int      `json:"max_segment_size,omitempty"`
	Multithreaded        *bool    `json:"multithreaded,omitempty"`
	ConnectTimeout       Duration `json:"connect_timeout,omitempty"`
	RetryDelay           Duration `json:"retry_delay,omitempty"`
	HashIgnoresNamespace bool     `json:"hash_ignores_namespace,omitempty"`
	LockExpiry           Duration `json:"lock_expiry,omitempty"`
	// Backup names another cluster of the same file.
	Backup string `json:"backup,omitempty"`
	// Codec is "cbor" (default) or "json".
	Codec    string `json:"codec,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Config converts the file form into a Config layered over base, which
// supplies the non-serializable fields (logger, metrics, clock).
func (cc ClusterConfig) Config(base Config) (Config, error) {
	cfg := base
	cfg.Servers = cc.Servers
	cfg.Nodes = cc.Nodes
	cfg.Namespace = cc.Namespace
	cfg.DefaultExpiry = time.Duration(cc.DefaultExpiry)
	cfg.StrictReads = cc.StrictReads
	cfg.Readonly = cc.Readonly
	cfg.SegmentLargeValues = cc.SegmentLargeValues
	cfg.MaxSegmentSize = cc.MaxSegmentSize
	cfg.Multithreaded = cc.Multithreaded == nil || *cc.Multithreaded
	cfg.ConnectTimeout = time.Duration(cc.ConnectTimeout)
	cfg.RetryDelay = time.Duration(cc.RetryDelay)
	cfg.HashIgnoresNamespace = cc.HashIgnoresNamespace
	cfg.LockExpiry = time.Duration(cc.LockExpiry)

	switch cc.Codec {
	case "", "cbor":
		cfg.Codec = CBORCodec{}
	case "json":
		cfg.Codec = JSONCodec{}
	default:
		return Config{}, fmt.Errorf("%w: unknown codec %q", ErrInvalidConfig, cc.Codec)
	}
	return cfg, nil
}

// FileConfig is a parsed config file.
type FileConfig struct {
	Fallback string
	Clusters map[string]ClusterConfig
}

type rawFile struct {
	Defaults map[string]json.RawMessage            `json:"defaults"`
	Fallback string                                `json:"fallback"`
	Clusters map[string]map[string]json.RawMessage `json:"clusters"`
}

// LoadFile reads a JSONC config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memcache: read config: %w", err)
	}
	fc, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fc, nil
}

// ParseConfig parses JSONC. Keys in "defaults" apply to every cluster
// that does not set them itself.
func ParseConfig(data []byte) (*FileConfig, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSONC: %v", ErrInvalidConfig, err)
	}

	var raw rawFile
	if err := json.Unmarshal(std, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	fc := &FileConfig{
		Fallback: raw.Fallback,
		Clusters: make(map[string]ClusterConfig, len(raw.Clusters)),
	}
	for name, fields := range raw.Clusters {
		merged := make(map[string]json.RawMessage, len(raw.Defaults)+len(fields))
		for k, v := range raw.Defaults {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, err
		}
		var cc ClusterConfig
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cc); err != nil {
			return nil, fmt.Errorf("%w: cluster %q: %v", ErrInvalidConfig, name, err)
		}
		fc.Clusters[name] = cc
	}
	if fc.Fallback != "" {
		if _, ok := fc.Clusters[fc.Fallback]; !ok {
			return nil, fmt.Errorf("%w: fallback %q is not a cluster", ErrInvalidConfig, fc.Fallback)
		}
	}
	return fc, nil
}

// Names lists the enabled clusters in sorted order.
func (fc *FileConfig) Names() []string {
	names := make([]string, 0, len(fc.Clusters))
	for n, cc := range fc.Clusters {
		if !cc.Disabled {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Client builds the client for one cluster, including its backup chain.
func (fc *FileConfig) Client(name string, base Config) (*Client, error) {
	return fc.build(name, base, map[string]*Client{}, map[string]bool{})
}

// Registry builds a client for every enabled cluster. Backups shared by
// several clusters are built once.
func (fc *FileConfig) Registry(base Config) (*Registry, error) {
	reg := NewRegistry()
	built := make(map[string]*Client)
	for _, name := range fc.Names() {
		c, err := fc.build(name, base, built, map[string]bool{})
		if err != nil {
			_ = reg.Close()
			return nil, err
		}
		reg.Register(name, c)
	}
	if fc.Fallback != "" {
		reg.SetFallback(fc.Fallback)
	}
	return reg, nil
}

func (fc *FileConfig) build(name string, base Config, built map[string]*Client, visiting map[string]bool) (*Client, error) {
	if c, ok := built[name]; ok {
		return c, nil
	}
	cc, ok := fc.Clusters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cluster %q", ErrInvalidConfig, name)
	}
	if cc.Disabled {
		return nil, fmt.Errorf("%w: cluster %q is disabled", ErrInvalidConfig, name)
	}
	if visiting[name] {
		return nil, fmt.Errorf("%w: backup cycle through %q", ErrInvalidConfig, name)
	}
	visiting[name] = true

	cfg, err := cc.Config(base)
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", name, err)
	}
	if cc.Backup != "" {
		b, err := fc.build(cc.Backup, base, built, visiting)
		if err != nil {
			return nil, err
		}
		cfg.Backup = b
	}
	c, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", name, err)
	}
	built[name] = c
	return c, nil
}
