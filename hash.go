package memcache

import xxhash "github.com/cespare/xxhash/v2"

// HashKey returns the 31-bit shard hash of a wire key. The value is stable
// across processes and platforms.
func HashKey(key string) uint32 {
	return uint32(xxhash.Sum64String(key) >> 33)
}

// bucketTable maps hash values to backend indexes. A node with weight w
// owns w consecutive buckets, so with unit weights the shard is
// hash mod nodeCount.
type bucketTable struct {
	buckets []int
}

func newBucketTable(weights []int) bucketTable {
	n := 0
	for _, w := range weights {
		n += max(w, 1)
	}
	b := make([]int, 0, n)
	for i, w := range weights {
		for range max(w, 1) {
			b = append(b, i)
		}
	}
	return bucketTable{buckets: b}
}

func (t bucketTable) pick(h uint32) int {
	return t.buckets[int(h)%len(t.buckets)]
}
