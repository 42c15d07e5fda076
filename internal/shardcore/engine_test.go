package shardcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pyshard/internal/store"
)

func newTestEngine(t *testing.T, start, end float64, maxSize int) *Engine {
	t.Helper()
	st := store.New("")
	require.NoError(t, st.CreateIndex("t"))
	return New(st, start, end, maxSize, DefaultBinsNum)
}

func TestWriteReadLifecycle(t *testing.T) {
	e := newTestEngine(t, 0.0, 0.1, 1024)

	n, err := e.Write("t", "k1", 0.05, "v1")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	rec, ok, err := e.Read("t", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Payload)

	// Duplicate write returns 0, doesn't overwrite.
	n, err = e.Write("t", "k1", 0.05, "v2")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec, _, _ = e.Read("t", "k1")
	assert.Equal(t, "v1", rec.Payload)
}

func TestWritePopRoundTrip(t *testing.T) {
	e := newTestEngine(t, 0.0, 0.1, 1024)

	_, err := e.Write("t", "k1", 0.05, "v1")
	require.NoError(t, err)

	rec, ok, err := e.Pop("t", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Payload)

	_, ok, err = e.Read("t", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, e.Size())
}

func TestOutOfMemory(t *testing.T) {
	e := newTestEngine(t, 0.0, 0.1, 3)

	_, err := e.Write("t", "k1", 0.05, "a long string well past budget")
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestSizeInvariantAfterEqualWritesAndRemoves(t *testing.T) {
	e := newTestEngine(t, 0.0, 1.0, 1<<20)

	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		_, err := e.Write("t", key, float64(i)/20, "v")
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		key := string(rune('a' + i))
		_, _, err := e.Pop("t", key)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, e.Size())
	for bin, count := range e.Stat().Distribution {
		assert.Zerof(t, count, "bucket %v should be empty", bin)
	}
}

func TestUpdateDistrMatchesIndependentScan(t *testing.T) {
	e := newTestEngine(t, 0.0, 1.0, 1<<20)

	hashes := []float64{0.05, 0.15, 0.42, 0.91}
	for i, h := range hashes {
		key := string(rune('a' + i))
		_, err := e.Write("t", key, h, "v")
		require.NoError(t, err)
	}

	e.UpdateDistr()

	want := make(map[float64]int)
	for _, h := range hashes {
		want[bucketFor(0.0, 0.2, h)]++
	}

	assert.Equal(t, want, e.Stat().Distribution)
}

type fakePeer struct {
	addr string
	recs map[string]store.Record
}

func (p *fakePeer) Addr() string { return p.addr }

func (p *fakePeer) Pop(_ context.Context, index, key string) (store.Record, bool, error) {
	rec, ok := p.recs[key]
	if ok {
		delete(p.recs, key)
	}
	return rec, ok, nil
}

func TestReloc(t *testing.T) {
	e := newTestEngine(t, 0.0, 1.0, 1024)

	peer := &fakePeer{addr: "peer:1", recs: map[string]store.Record{
		"k1": {Hash: 0.3, Payload: "v1"},
	}}

	n, err := e.Reloc(context.Background(), "t", "k1", peer)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	rec, ok, err := e.Read("t", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Payload)

	_, stillThere := peer.recs["k1"]
	assert.False(t, stillThere)
}

func TestRelocMissingKeyIsNoop(t *testing.T) {
	e := newTestEngine(t, 0.0, 1.0, 1024)
	peer := &fakePeer{addr: "peer:1", recs: map[string]store.Record{}}

	n, err := e.Reloc(context.Background(), "t", "missing", peer)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSetMaxSizeRejectsBelowCurrentSize(t *testing.T) {
	e := newTestEngine(t, 0.0, 1.0, 1024)
	_, err := e.Write("t", "k1", 0.1, "hello")
	require.NoError(t, err)

	err = e.SetMaxSize(1)
	require.Error(t, err)
}
