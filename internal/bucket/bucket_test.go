package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsDeterministic(t *testing.T) {
	a := Hash(CompositeKey("users", "alice"))
	b := Hash(CompositeKey("users", "alice"))
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
}

func TestHashDiffersAcrossIndexes(t *testing.T) {
	a := Hash(CompositeKey("users", "alice"))
	b := Hash(CompositeKey("orders", "alice"))
	assert.NotEqual(t, a, b)
}

func TestBucketIndexZeroMapsToBucketZero(t *testing.T) {
	bins := []float64{0.0, 0.25, 0.5, 0.75}
	assert.Equal(t, 0, BucketIndex(bins, 0.0))
}

func TestBucketIndexMidRange(t *testing.T) {
	bins := []float64{0.0, 0.25, 0.5, 0.75}
	assert.Equal(t, 0, BucketIndex(bins, 0.1))
	assert.Equal(t, 1, BucketIndex(bins, 0.3))
	assert.Equal(t, 2, BucketIndex(bins, 0.6))
	assert.Equal(t, 3, BucketIndex(bins, 0.99))
}

func TestBucketIndexOnBoundaryRoundsDown(t *testing.T) {
	// bisect_left(bins, h) - 1: landing exactly on a non-zero boundary
	// attributes the point to the PRECEDING bucket, matching the source
	// formula literally rather than the more intuitive half-open reading.
	bins := []float64{0.0, 0.5}
	assert.Equal(t, 0, BucketIndex(bins, 0.5))
}

type fakeShard struct {
	addr string
}

func (f fakeShard) Addr() string { return f.addr }

func TestNewMasterRejectsMismatchedLengths(t *testing.T) {
	_, err := NewMaster([]float64{0.0, 0.5}, []fakeShard{{addr: "a"}})
	require.Error(t, err)
}

func TestNewMasterRejectsNonZeroFirstBin(t *testing.T) {
	_, err := NewMaster([]float64{0.1, 0.5}, []fakeShard{{addr: "a"}, {addr: "b"}})
	require.Error(t, err)
}

func TestNewMasterRejectsNonIncreasingBins(t *testing.T) {
	_, err := NewMaster([]float64{0.0, 0.5, 0.5}, []fakeShard{{addr: "a"}, {addr: "b"}, {addr: "c"}})
	require.Error(t, err)
}

func TestMasterGetShardAndGetMap(t *testing.T) {
	m, err := NewMaster([]float64{0.0, 0.5}, []fakeShard{{addr: "shard-0:9000"}, {addr: "shard-1:9000"}})
	require.NoError(t, err)

	h, shard := m.GetShard("users", "alice")
	assert.GreaterOrEqual(t, h, 0.0)
	assert.Less(t, h, 1.0)
	if h < 0.5 {
		assert.Equal(t, "shard-0:9000", shard.Addr())
	} else {
		assert.Equal(t, "shard-1:9000", shard.Addr())
	}

	m2 := m.GetMap()
	assert.Equal(t, map[float64]string{0.0: "shard-0:9000", 0.5: "shard-1:9000"}, m2)
}
