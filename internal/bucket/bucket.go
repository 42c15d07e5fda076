// Package bucket implements the bucketing function and the bootstrap's
// Master role (C7): hashing a composite key to a point in [0.0, 1.0) and
// binary-searching the ordered partition list to find its owning shard.
// Grounded on pyshard/master/master.py's _hash_key/_get_bin.
package bucket

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
)

// Boundary is the modulus the hash digest is reduced against before
// normalizing to [0.0, 1.0), matching the source's 1e7.
const Boundary = 1e7

// CompositeKey builds the string a request's (index, key) is hashed over:
// "{index}:{key}". The same raw key in different indexes therefore lands on
// different shards, by design.
func CompositeKey(index string, key any) string {
	return fmt.Sprintf("%s:%v", index, key)
}

// Hash computes the point in [0.0, 1.0) for compositeKey using an MD5
// digest, the spec's pinned default. The digest is treated as a big integer
// and reduced modulo Boundary before normalizing.
func Hash(compositeKey string) float64 {
	sum := md5.Sum([]byte(compositeKey))
	hexDigest := hex.EncodeToString(sum[:])

	h := new(big.Int)
	h.SetString(hexDigest, 16)

	boundary := big.NewInt(int64(Boundary))
	mod := new(big.Int).Mod(h, boundary)

	return float64(mod.Int64()) / Boundary
}

// BucketIndex finds the index i such that bins[i] < h <= bins[i+1] (with
// bins treated as extending to 1.0), via bisect_left(bins, h) - 1. A point
// exactly on a non-zero bucket start therefore belongs to the preceding
// bucket. bins must be sorted ascending. h == bins[0] == 0.0 returns 0.
func BucketIndex(bins []float64, h float64) int {
	i := sort.Search(len(bins), func(i int) bool { return bins[i] >= h })
	// sort.Search returns the leftmost index where bins[i] >= h, i.e.
	// bisect_left. Subtract one to get the owning bucket, as in the source.
	idx := i - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Addressed is satisfied by anything Master can route to: a remote shard
// reference that knows its own network address.
type Addressed interface {
	Addr() string
}

// Master answers get_shard/get_map style topology queries: given the
// ordered list of bucket starts and the shard reference owning each one, it
// hashes a key to its owning shard. It is generic so both the bootstrap
// service (which only needs addresses) and a future direct-connect client
// (which needs live RPC stubs) can reuse it without an import cycle back to
// the client package.
type Master[T Addressed] struct {
	bins   []float64
	shards []T
}

// NewMaster builds a Master from parallel bins/shards slices. bins must be
// sorted ascending with bins[0] == 0.0, matching the partition-map
// invariants validated at config load time.
func NewMaster[T Addressed](bins []float64, shards []T) (*Master[T], error) {
	if len(bins) != len(shards) {
		return nil, fmt.Errorf("bucket: %d bins but %d shards", len(bins), len(shards))
	}
	if len(bins) == 0 {
		return nil, fmt.Errorf("bucket: at least one bucket is required")
	}
	if bins[0] != 0.0 {
		return nil, fmt.Errorf("bucket: first bucket must start at 0.0, got %v", bins[0])
	}
	for i := 1; i < len(bins); i++ {
		if bins[i] <= bins[i-1] {
			return nil, fmt.Errorf("bucket: bins must be strictly increasing, %v <= %v", bins[i], bins[i-1])
		}
	}

	return &Master[T]{bins: append([]float64(nil), bins...), shards: append([]T(nil), shards...)}, nil
}

// GetShard hashes (index, key) and returns both the point and the shard
// owning it.
func (m *Master[T]) GetShard(index string, key any) (float64, T) {
	h := Hash(CompositeKey(index, key))
	idx := BucketIndex(m.bins, h)
	return h, m.shards[idx]
}

// GetMap returns the bucket-start -> shard-address topology.
func (m *Master[T]) GetMap() map[float64]string {
	out := make(map[float64]string, len(m.bins))
	for i, b := range m.bins {
		out[b] = m.shards[i].Addr()
	}
	return out
}

// Shards returns a copy of the shard references in bucket order.
func (m *Master[T]) Shards() []T {
	return append([]T(nil), m.shards...)
}

// Bins returns a copy of the bucket starts.
func (m *Master[T]) Bins() []float64 {
	return append([]float64(nil), m.bins...)
}
