package memcache

import (
	"context"
	"math"
	"time"
)

// PartialValue is the flag bit marking a segmented master record. It is
// owned by Segmenter; callers may not set it.
const PartialValue uint32 = 0x40000000

// NoExpiration stores an item without an expiry, overriding the client's
// default expiry.
const NoExpiration time.Duration = -1

// relativeExpiryLimit is the largest exptime memcached reads as an offset
// from now; anything above it is a unix timestamp.
const relativeExpiryLimit = 30 * 24 * time.Hour

// Item is one cache entry as returned by a read.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	// CAS is set only by gets-style reads.
	CAS uint64
}

// StoreMode selects the storage command.
type StoreMode uint8

const (
	ModeSet StoreMode = iota
	ModeAdd
	ModeReplace
	ModeCAS
	ModeAppend
	ModePrepend
)

func (m StoreMode) String() string {
	switch m {
	case ModeSet:
		return "set"
	case ModeAdd:
		return "add"
	case ModeReplace:
		return "replace"
	case ModeCAS:
		return "cas"
	case ModeAppend:
		return "append"
	case ModePrepend:
		return "prepend"
	default:
		return "unknown"
	}
}

// StoreResult is the non-error outcome of a storage command. Everything
// other than Stored is an ordinary result, not a failure.
type StoreResult uint8

const (
	Stored StoreResult = iota
	NotStored
	Exists
	NotFound
)

func (r StoreResult) String() string {
	switch r {
	case Stored:
		return "STORED"
	case NotStored:
		return "NOT_STORED"
	case Exists:
		return "EXISTS"
	case NotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Backend is the capability set shared by NodeClient and Segmenter. The
// keys it receives are wire keys: already namespaced, escaped and
// validated.
type Backend interface {
	Name() string
	Get(ctx context.Context, keys []string, withCAS bool) (map[string]*Item, error)
	Store(ctx context.Context, mode StoreMode, it *Item, exptime int64) (StoreResult, error)
	Delete(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error)
	Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error)
	FlushAll(ctx context.Context, delay time.Duration) error
	Stats(ctx context.Context) (Stats, error)
	Version(ctx context.Context) (string, error)
	Close() error
}

// SetOptions controls one write. The zero value stores with the client's
// default expiry and zero flags.
type SetOptions struct {
	// Expiry is relative to now. Zero selects the default expiry,
	// NoExpiration disables expiry.
	Expiry time.Duration
	// ExpireAt takes precedence over Expiry when non-zero.
	ExpireAt time.Time
	Flags    uint32
}

// wireExpiry converts an expiry into the exptime field of a storage
// command. Offsets beyond 30 days become absolute unix times because the
// protocol reads them that way.
func wireExpiry(d time.Duration, at time.Time, now time.Time) int64 {
	if !at.IsZero() {
		if !at.After(now) {
			return -1
		}
		return at.Unix()
	}
	if d <= 0 {
		return 0
	}
	if d > relativeExpiryLimit {
		return now.Add(d).Unix()
	}
	return int64(math.Ceil(d.Seconds()))
}
