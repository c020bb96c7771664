package copymix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScatter(t *testing.T) {
	t.Run("single weight round trip", func(t *testing.T) {
		dst := make([]float64, 6)
		require.NoError(t, Scatter(dst, []float64{0, 0.37, 0}, []int{1, 4, 2}))
		assert.Equal(t, []float64{0, 0, 0, 0, 0.37, 0}, dst)
	})

	t.Run("shared ids sum", func(t *testing.T) {
		dst := make([]float64, 4)
		require.NoError(t, Scatter(dst, []float64{0.2, 0.3, 0.5}, []int{3, 1, 3}))
		assert.InDeltaSlice(t, []float64{0, 0.3, 0, 0.7}, dst, 1e-12)
	})

	t.Run("errors", func(t *testing.T) {
		assert.Error(t, Scatter(make([]float64, 3), []float64{1}, []int{0, 1}))
		assert.Error(t, Scatter(make([]float64, 3), []float64{1}, []int{3}))
		assert.Error(t, Scatter(make([]float64, 3), []float64{1}, []int{-1}))
	})
}

func TestCopyDistribution(t *testing.T) {
	dists, err := CopyDistribution([][]float64{
		{0.5, 0.5, 0},
		{0, 0.25, 0.75},
	}, []int{2, 0, 2}, 3)
	require.NoError(t, err)
	require.Len(t, dists, 2)
	assert.InDeltaSlice(t, []float64{0.5, 0, 0.5}, dists[0], 1e-12)
	assert.InDeltaSlice(t, []float64{0.25, 0, 0.75}, dists[1], 1e-12)

	_, err = CopyDistribution([][]float64{{1}}, []int{9}, 3)
	assert.Error(t, err)
}

func TestMix(t *testing.T) {
	query := []float64{0.1, 0.9, 0}
	content := []float64{0.6, 0, 0.4}
	dst := make([]float64, 3)

	require.NoError(t, Mix(dst, 1, query, content))
	assert.Equal(t, query, dst)

	require.NoError(t, Mix(dst, 0, query, content))
	assert.Equal(t, content, dst)

	require.NoError(t, Mix(dst, 0.25, query, content))
	assert.InDeltaSlice(t, []float64{0.475, 0.225, 0.3}, dst, 1e-12)

	assert.Error(t, Mix(dst, 1.5, query, content))
	assert.Error(t, Mix(dst, math.NaN(), query, content))
	assert.Error(t, Mix(dst[:2], 0.5, query, content))
}

func TestMaskedSoftmax(t *testing.T) {
	dst := make([]float64, 4)
	MaskedSoftmax(dst, []float64{1, 2, 3, 4}, SegmentBias([]int{0, 1, 1, 0}, 1))
	assert.Equal(t, 0.0, dst[0])
	assert.Equal(t, 0.0, dst[3])
	assert.InDelta(t, 1.0, dst[1]+dst[2], 1e-12)
	assert.Greater(t, dst[2], dst[1])

	MaskedSoftmax(dst, []float64{1, 2, 3, 4}, SegmentBias([]int{0, 0, 0, 0}, 1))
	for i, v := range dst {
		assert.False(t, math.IsNaN(v), "position %d", i)
		assert.Equal(t, 0.0, v)
	}

	MaskedSoftmax(dst, []float64{0, 0, 0, 0}, nil)
	assert.InDeltaSlice(t, []float64{0.25, 0.25, 0.25, 0.25}, dst, 1e-12)
}

func TestAttention(t *testing.T) {
	keys := [][]float64{{1, 0}, {0, 1}, {1, 1}}
	dst := make([]float64, 3)
	Attention(dst, []float64{4, 0}, keys, []float64{0, 0, math.Inf(-1)})
	assert.Equal(t, 0.0, dst[2])
	assert.Greater(t, dst[0], dst[1])
	assert.InDelta(t, 1.0, dst[0]+dst[1], 1e-12)

	ctx := make([]float64, 2)
	Attend(ctx, dst, [][]float64{{2, 0}, {0, 2}, {9, 9}})
	assert.InDeltaSlice(t, []float64{2 * dst[0], 2 * dst[1]}, ctx, 1e-12)
}

func TestGate(t *testing.T) {
	assert.Equal(t, 0.5, Gate([]float64{1, -1}, []float64{1, 1}, 0))
	assert.Greater(t, Gate([]float64{10}, []float64{1}, 0), 0.99)
	assert.Less(t, Gate([]float64{-10}, []float64{1}, 0), 0.01)
	g := Gate([]float64{1e6}, []float64{1}, 0)
	assert.True(t, g >= 0 && g <= 1)
}

func TestSegmentBias(t *testing.T) {
	bias := SegmentBias([]int{0, 1, 0}, 0)
	assert.Equal(t, 0.0, bias[0])
	assert.True(t, math.IsInf(bias[1], -1))
	assert.Equal(t, 0.0, bias[2])
}
