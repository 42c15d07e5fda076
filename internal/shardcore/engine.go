// Package shardcore implements the shard engine (C4): ownership of one
// bucket's records, the per-shard byte budget, the distribution histogram,
// and inter-shard relocation. It is grounded on pyshard/shard/shard.py,
// generalized from a single flat map to the indexed store the spec adds.
package shardcore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dreamware/pyshard/internal/store"
)

// ErrOutOfMemory is returned by Write when accepting the record would push
// the shard's size past its configured budget.
var ErrOutOfMemory = errors.New("shardcore: out of memory")

// DefaultBinsNum is the default number of sub-buckets the distribution
// histogram tracks across a shard's owned range.
const DefaultBinsNum = 5

// Peer is the minimal remote-shard surface Reloc needs: a pop by (index,
// key) from another shard. rpcclient.ShardClient satisfies this; the
// interface lives here so shardcore doesn't need to import the client
// package (DESIGN NOTES: shared outbound pipe modeled as Option<PeerClient>).
type Peer interface {
	Pop(ctx context.Context, index, key string) (store.Record, bool, error)
	Addr() string
}

// Stat is the observability snapshot returned by get_stat.
type Stat struct {
	Name         string
	Start        float64
	End          float64
	Empty        bool
	MaxSize      int
	Size         int
	FreeMem      int
	Distribution map[float64]int
}

// Engine owns one shard's store plus its range, byte budget, and
// distribution histogram. All mutating methods are safe for concurrent use,
// though in normal operation the dispatcher's processing mutex already
// serializes calls into a single active handler at a time.
type Engine struct {
	mu sync.RWMutex

	store *store.Store

	start, end float64
	binsNum    int
	binStep    float64

	maxSize int
	size    int
	name    string

	distribution map[float64]int
}

// New creates a shard engine owning [start, end) with the given byte budget.
// binsNum <= 0 uses DefaultBinsNum.
func New(st *store.Store, start, end float64, maxSize int, binsNum int) *Engine {
	if binsNum <= 0 {
		binsNum = DefaultBinsNum
	}
	e := &Engine{
		store:        st,
		start:        start,
		end:          end,
		binsNum:      binsNum,
		maxSize:      maxSize,
		distribution: make(map[float64]int),
	}
	e.binStep = e.estimateBinStep()
	return e
}

func (e *Engine) estimateBinStep() float64 {
	return (e.end - e.start) / float64(e.binsNum)
}

// bucketFor maps a hash within [start, end) to the start of its sub-bucket.
func bucketFor(start, binStep, hash float64) float64 {
	if binStep == 0 {
		return start
	}
	steps := math.Floor((hash - start) / binStep)
	return start + binStep*steps
}

// Write stores payload under (index, key) if key is not already present.
// It returns the estimated byte size written, 0 for a duplicate key (no
// overwrite, not an error), or ErrOutOfMemory if the shard's budget would be
// exceeded.
func (e *Engine) Write(index, key string, hash float64, payload any) (int, error) {
	itemSize := store.EstimateSize(payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.size+itemSize > e.maxSize {
		return 0, fmt.Errorf("%w: size=%d + item=%d > max=%d", ErrOutOfMemory, e.size, itemSize, e.maxSize)
	}

	wrote, err := e.store.Write(index, key, store.Record{Hash: hash, Payload: payload})
	if err != nil {
		return 0, err
	}
	if !wrote {
		return 0, nil
	}

	e.size += itemSize
	bin := bucketFor(e.start, e.binStep, hash)
	e.distribution[bin]++

	return itemSize, nil
}

// Read returns the record at (index, key) without side effects.
func (e *Engine) Read(index, key string) (store.Record, bool, error) {
	return e.store.Read(index, key)
}

// Has reports whether (index, key) exists.
func (e *Engine) Has(index, key string) (bool, error) {
	return e.store.Has(index, key)
}

// Pop returns and removes the record at (index, key), updating size and the
// histogram on a hit.
func (e *Engine) Pop(index, key string) (store.Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok, err := e.store.Pop(index, key)
	if err != nil || !ok {
		return rec, ok, err
	}

	itemSize := store.EstimateSize(rec.Payload)
	e.size -= itemSize
	bin := bucketFor(e.start, e.binStep, rec.Hash)
	e.distribution[bin]--

	return rec, ok, nil
}

// Remove drops (index, key) unconditionally and returns the bytes freed
// (0 if the key was absent).
func (e *Engine) Remove(index, key string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, existed, err := e.store.Remove(index, key)
	if err != nil {
		return 0, err
	}
	if !existed {
		return 0, nil
	}

	itemSize := store.EstimateSize(rec.Payload)
	e.size -= itemSize
	bin := bucketFor(e.start, e.binStep, rec.Hash)
	e.distribution[bin]--

	return itemSize, nil
}

// Reloc pulls (index, key) from a peer shard over pipe and writes it
// locally, transferring ownership. It is the only operation that moves a
// record between shards.
func (e *Engine) Reloc(ctx context.Context, index, key string, pipe Peer) (int, error) {
	rec, ok, err := pipe.Pop(ctx, index, key)
	if err != nil {
		return 0, fmt.Errorf("shardcore: reloc pop from peer %s: %w", pipe.Addr(), err)
	}
	if !ok {
		return 0, nil
	}

	return e.Write(index, key, rec.Hash, rec.Payload)
}

// CreateIndex creates a new index in the shard's store.
func (e *Engine) CreateIndex(index string) error {
	return e.store.CreateIndex(index)
}

// DropIndex removes an index from the shard's store.
func (e *Engine) DropIndex(index string) error {
	return e.store.DropIndex(index)
}

// Keys returns all keys in index.
func (e *Engine) Keys(index string) ([]string, error) {
	return e.store.Keys(index)
}

// UpdateDistr recomputes the histogram from scratch by scanning every
// stored record. Call after SetStart/SetEnd change the shard's range.
func (e *Engine) UpdateDistr() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updateDistrLocked()
}

func (e *Engine) updateDistrLocked() {
	e.distribution = make(map[float64]int)
	for _, rec := range e.store.ValuesAll() {
		bin := bucketFor(e.start, e.binStep, rec.Hash)
		e.distribution[bin]++
	}
}

// SetStart updates the shard's range start. The caller must follow with
// UpdateDistr to keep the histogram consistent, as in the source.
func (e *Engine) SetStart(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = value
	e.binStep = e.estimateBinStep()
}

// SetEnd updates the shard's range end.
func (e *Engine) SetEnd(value float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.end = value
	e.binStep = e.estimateBinStep()
}

// SetMaxSize updates the shard's byte budget. It rejects a value below the
// current size.
func (e *Engine) SetMaxSize(value int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if value < e.size {
		return fmt.Errorf("shardcore: max_size %d below current size %d", value, e.size)
	}
	e.maxSize = value
	return nil
}

// SetName sets the shard's human-readable name.
func (e *Engine) SetName(value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = value
}

// Name returns the shard's human-readable name.
func (e *Engine) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// Stat returns an observability snapshot of the shard.
func (e *Engine) Stat() Stat {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dist := make(map[float64]int, len(e.distribution))
	for k, v := range e.distribution {
		dist[k] = v
	}

	return Stat{
		Name:         e.name,
		Start:        e.start,
		End:          e.end,
		Empty:        e.size == 0,
		MaxSize:      e.maxSize,
		Size:         e.size,
		FreeMem:      e.maxSize - e.size,
		Distribution: dist,
	}
}

// Size returns the shard's current estimated byte size.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.size
}

// Range returns the shard's current [start, end) ownership range.
func (e *Engine) Range() (float64, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.start, e.end
}
