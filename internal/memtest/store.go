package memtest

import (
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	xxhash "github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/memcache/internal/mathutil"
)

const (
	// relativeLimit is the largest exptime read as seconds from now.
	relativeLimit = 60 * 60 * 24 * 30
)

var (
	errNotNumeric = errors.New("cannot increment or decrement non-numeric value")
	errTooLarge   = errors.New("object too large for cache")
)

// entry is one stored item.
type entry struct {
	value      []byte
	flags      uint32
	cas        uint64
	storedAt   int64 // ns
	expireTime int64 // absolute ns; 0 => no expiration
}

type shard struct {
	mu   sync.Mutex
	data map[string]*entry
}

// store is a sharded map with lazy expiry and a controllable clock.
type store struct {
	shards    []*shard
	shardMask uint64
	maxItem   int

	clock   func() time.Time
	offset  atomic.Int64 // ns added to clock, see Advance
	casSeq  atomic.Uint64
	flushAt atomic.Int64 // ns; items stored at or before it are invalid once reached

	getHits, getMisses, cmdGet, cmdSet, totalItems atomic.Int64
}

func newStore(maxItem int, clock func() time.Time) *store {
	n := mathutil.NextPowerOf2(runtime.NumCPU() * 2)
	s := &store{
		shards:    make([]*shard, n),
		shardMask: uint64(n - 1),
		maxItem:   maxItem,
		clock:     clock,
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*entry)}
	}
	return s
}

func (s *store) now() int64 {
	return s.clock().UnixNano() + s.offset.Load()
}

func (s *store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// expireAt converts a protocol exptime into absolute ns.
func (s *store) expireAt(exptime int64, now int64) int64 {
	switch {
	case exptime == 0:
		return 0
	case exptime < 0:
		return now - 1
	case exptime <= relativeLimit:
		return now + exptime*int64(time.Second)
	default:
		return exptime * int64(time.Second)
	}
}

func (s *store) live(e *entry, now int64) bool {
	if e.expireTime > 0 && now >= e.expireTime {
		return false
	}
	if fa := s.flushAt.Load(); fa > 0 && now >= fa && e.storedAt <= fa {
		return false
	}
	return true
}

// lookup returns the live entry for key, dropping it when expired. The
// shard lock must be held.
func (s *store) lookup(sh *shard, key string, now int64) (*entry, bool) {
	e, ok := sh.data[key]
	if !ok {
		return nil, false
	}
	if !s.live(e, now) {
		delete(sh.data, key)
		return nil, false
	}
	return e, true
}

func (s *store) get(key string) (entry, bool) {
	s.cmdGet.Add(1)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := s.lookup(sh, key, s.now())
	if !ok {
		s.getMisses.Add(1)
		return entry{}, false
	}
	s.getHits.Add(1)
	return *e, true
}

type storeResult string

const (
	resStored    storeResult = "STORED"
	resNotStored storeResult = "NOT_STORED"
	resExists    storeResult = "EXISTS"
	resNotFound  storeResult = "NOT_FOUND"
)

func (s *store) store(mode, key string, value []byte, flags uint32, exptime int64, cas uint64) (storeResult, error) {
	s.cmdSet.Add(1)
	if len(value) > s.maxItem {
		return "", errTooLarge
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	old, exists := s.lookup(sh, key, now)

	switch mode {
	case "add":
		if exists {
			return resNotStored, nil
		}
	case "replace":
		if !exists {
			return resNotStored, nil
		}
	case "cas":
		if !exists {
			return resNotFound, nil
		}
		if old.cas != cas {
			return resExists, nil
		}
	case "append", "prepend":
		if !exists {
			return resNotStored, nil
		}
		joined := make([]byte, 0, len(old.value)+len(value))
		if mode == "append" {
			joined = append(append(joined, old.value...), value...)
		} else {
			joined = append(append(joined, value...), old.value...)
		}
		if len(joined) > s.maxItem {
			return "", errTooLarge
		}
		old.value = joined
		old.cas = s.casSeq.Add(1)
		return resStored, nil
	}

	sh.data[key] = &entry{
		value:      append([]byte(nil), value...),
		flags:      flags,
		cas:        s.casSeq.Add(1),
		storedAt:   now,
		expireTime: s.expireAt(exptime, now),
	}
	s.totalItems.Add(1)
	return resStored, nil
}

func (s *store) delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := s.lookup(sh, key, s.now()); !ok {
		return false
	}
	delete(sh.data, key)
	return true
}

// counter applies incr/decr. decr stops at zero; incr wraps at 2^64.
func (s *store) counter(key string, delta uint64, incr bool) (uint64, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.lookup(sh, key, s.now())
	if !ok {
		return 0, false, nil
	}
	cur, err := strconv.ParseUint(string(e.value), 10, 64)
	if err != nil {
		return 0, true, errNotNumeric
	}
	switch {
	case incr:
		cur += delta
	case delta > cur:
		cur = 0
	default:
		cur -= delta
	}
	e.value = []byte(strconv.FormatUint(cur, 10))
	e.cas = s.casSeq.Add(1)
	return cur, true, nil
}

func (s *store) touch(key string, exptime int64) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.now()
	e, ok := s.lookup(sh, key, now)
	if !ok {
		return false
	}
	e.expireTime = s.expireAt(exptime, now)
	return true
}

// flush invalidates everything stored up to now+delay once that moment
// is reached.
func (s *store) flush(delay time.Duration) {
	now := s.now()
	if delay <= 0 {
		for _, sh := range s.shards {
			sh.mu.Lock()
			clear(sh.data)
			sh.mu.Unlock()
		}
		return
	}
	s.flushAt.Store(now + int64(delay))
}

// cleanup drops expired entries across shards using one time anchor.
func (s *store) cleanup() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if !s.live(e, now) {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *store) size() int {
	s.cleanup()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.data)
		sh.mu.Unlock()
	}
	return n
}

func (s *store) keys() []string {
	s.cleanup()
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.data {
			out = append(out, k)
		}
		sh.mu.Unlock()
	}
	return out
}

// peek reads an entry without touching counters.
func (s *store) peek(key string) (entry, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := s.lookup(sh, key, s.now())
	if !ok {
		return entry{}, false
	}
	return *e, true
}
