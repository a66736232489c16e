package memcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DefaultMaxSegmentSize is the largest value stored as a single item when
// segmentation is enabled.
const DefaultMaxSegmentSize = 1_000_000

// Segmenter stores values larger than its threshold as numbered parts plus
// a master record flagged with PartialValue, and reassembles them on read.
// It holds no state beyond its configuration and is safe for concurrent
// use when the wrapped backend is.
type Segmenter struct {
	backend Backend
	maxSize int
	log     *slog.Logger
	now     func() time.Time
}

var _ Backend = (*Segmenter)(nil)

// NewSegmenter wraps b. maxSize <= 0 selects DefaultMaxSegmentSize.
func NewSegmenter(b Backend, maxSize int, logger *slog.Logger) *Segmenter {
	if maxSize <= 0 {
		maxSize = DefaultMaxSegmentSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Segmenter{backend: b, maxSize: maxSize, log: logger, now: time.Now}
}

func (s *Segmenter) Name() string { return s.backend.Name() }

// Unwrap returns the wrapped backend.
func (s *Segmenter) Unwrap() Backend { return s.backend }

func (s *Segmenter) Get(ctx context.Context, keys []string, withCAS bool) (map[string]*Item, error) {
	results, err := s.backend.Get(ctx, keys, withCAS)
	if err != nil {
		return nil, err
	}

	var (
		partsOf map[string][]string
		fetch   []string
	)
	for key, it := range results {
		if it.Flags&PartialValue == 0 {
			continue
		}
		pk, ok := partKeys(it.Value)
		if !ok {
			delete(results, key)
			continue
		}
		if partsOf == nil {
			partsOf = make(map[string][]string)
		}
		partsOf[key] = pk
		fetch = append(fetch, pk...)
	}
	if len(fetch) == 0 {
		return results, nil
	}

	parts, err := s.backend.Get(ctx, fetch, false)
	if err != nil {
		return nil, err
	}
	for key, pk := range partsOf {
		value, ok := assemble(parts, pk)
		if !ok {
			delete(results, key)
			continue
		}
		it := results[key]
		it.Value = value
		it.Flags &^= PartialValue
	}
	return results, nil
}

// assemble concatenates parts in index order. Any missing part makes the
// whole value absent.
func assemble(parts map[string]*Item, keys []string) ([]byte, bool) {
	total := 0
	for _, k := range keys {
		p, ok := parts[k]
		if !ok {
			return nil, false
		}
		total += len(p.Value)
	}
	buf := make([]byte, 0, total)
	for _, k := range keys {
		buf = append(buf, parts[k].Value...)
	}
	return buf, true
}

func (s *Segmenter) Store(ctx context.Context, mode StoreMode, it *Item, exptime int64) (StoreResult, error) {
	if it.Flags&PartialValue != 0 {
		return 0, ErrReservedFlags
	}

	switch mode {
	case ModeAppend, ModePrepend:
		old, err := s.segmentsOf(ctx, it.Key)
		if err != nil {
			return 0, err
		}
		if old != nil {
			return 0, fmt.Errorf("%w: %s", ErrSegmentedValue, it.Key)
		}
		return s.backend.Store(ctx, mode, it, exptime)
	case ModeAdd:
		if len(it.Value) <= s.maxSize {
			return s.backend.Store(ctx, mode, it, exptime)
		}
		return s.storeSegmented(ctx, mode, it, exptime, nil)
	}

	// set, replace and cas may overwrite a segmented value whose parts
	// must go once the new master is in place
	old, err := s.segmentsOf(ctx, it.Key)
	if err != nil {
		return 0, err
	}
	if len(it.Value) <= s.maxSize {
		res, err := s.backend.Store(ctx, mode, it, exptime)
		if err == nil && res == Stored {
			s.deleteParts(ctx, it.Key, old)
		}
		return res, err
	}
	return s.storeSegmented(ctx, mode, it, exptime, old)
}

func (s *Segmenter) storeSegmented(ctx context.Context, mode StoreMode, it *Item, exptime int64, old []string) (StoreResult, error) {
	id := s.segmentID(it.Key)
	count := (len(it.Value) + s.maxSize - 1) / s.maxSize

	// parts outlive the master by a second so a live master never points
	// at an expired part
	partExp := exptime
	switch {
	case partExp == int64(relativeExpiryLimit/time.Second):
		// one more second would be read as an absolute time in 1970
		partExp = s.now().Unix() + exptime + 1
	case partExp > 0:
		partExp++
	}

	written := make([]string, 0, count)
	for i := range count {
		lo := i * s.maxSize
		hi := min(lo+s.maxSize, len(it.Value))
		part := &Item{Key: id + ":" + strconv.Itoa(i), Value: it.Value[lo:hi]}
		res, err := s.backend.Store(ctx, ModeSet, part, partExp)
		if err != nil || res != Stored {
			s.deleteParts(ctx, it.Key, written)
			if err != nil {
				return 0, err
			}
			return res, nil
		}
		written = append(written, part.Key)
	}

	master := &Item{
		Key:   it.Key,
		Value: []byte(id + ":" + strconv.Itoa(count)),
		Flags: it.Flags | PartialValue,
		CAS:   it.CAS,
	}
	res, err := s.backend.Store(ctx, mode, master, exptime)
	if err != nil || res != Stored {
		s.deleteParts(ctx, it.Key, written)
		return res, err
	}
	s.deleteParts(ctx, it.Key, old)
	return Stored, nil
}

func (s *Segmenter) Delete(ctx context.Context, key string) (bool, error) {
	old, err := s.segmentsOf(ctx, key)
	if err != nil {
		return false, err
	}
	deleted, err := s.backend.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if deleted {
		s.deleteParts(ctx, key, old)
	}
	return deleted, nil
}

func (s *Segmenter) Incr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return s.backend.Incr(ctx, key, delta)
}

func (s *Segmenter) Decr(ctx context.Context, key string, delta uint64) (uint64, bool, error) {
	return s.backend.Decr(ctx, key, delta)
}

func (s *Segmenter) FlushAll(ctx context.Context, delay time.Duration) error {
	return s.backend.FlushAll(ctx, delay)
}

func (s *Segmenter) Stats(ctx context.Context) (Stats, error) { return s.backend.Stats(ctx) }

func (s *Segmenter) Version(ctx context.Context) (string, error) { return s.backend.Version(ctx) }

func (s *Segmenter) Close() error { return s.backend.Close() }

// segmentsOf returns the part keys of the value currently stored under
// key, or nil when it is absent or not segmented.
func (s *Segmenter) segmentsOf(ctx context.Context, key string) ([]string, error) {
	items, err := s.backend.Get(ctx, []string{key}, false)
	if err != nil {
		return nil, err
	}
	it, ok := items[key]
	if !ok || it.Flags&PartialValue == 0 {
		return nil, nil
	}
	pk, _ := partKeys(it.Value)
	return pk, nil
}

func (s *Segmenter) deleteParts(ctx context.Context, key string, parts []string) {
	for _, pk := range parts {
		if _, err := s.backend.Delete(ctx, pk); err != nil {
			s.log.Warn("memcache segment cleanup failed", "key", key, "part", pk, "err", err)
		}
	}
}

// segmentID returns 16 hex digits unique to this write. It only has to
// avoid collisions; it is not a content address.
func (s *Segmenter) segmentID(key string) string {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(s.now().UnixNano()))
	_, _ = d.Write(ts[:])
	r := uuid.New()
	_, _ = d.Write(r[:])
	return fmt.Sprintf("%016x", d.Sum64())
}

// partKeys parses a master value "<id>:<count>".
func partKeys(master []byte) ([]string, bool) {
	id, cnt, ok := strings.Cut(string(master), ":")
	if !ok || id == "" {
		return nil, false
	}
	n, err := strconv.Atoi(cnt)
	if err != nil || n <= 0 {
		return nil, false
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = id + ":" + strconv.Itoa(i)
	}
	return keys, true
}
