package beam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthPenalty(t *testing.T) {
	assert.Equal(t, 1.0, LengthPenalty(1, 1.0))
	assert.Equal(t, 1.0, LengthPenalty(7, 0))
	assert.InDelta(t, 2.0, LengthPenalty(7, 1.0), 1e-12)
	assert.InDelta(t, math.Sqrt(2), LengthPenalty(7, 0.5), 1e-12)
}

func TestPool(t *testing.T) {
	t.Run("keeps best width entries", func(t *testing.T) {
		p := NewPool(2, 0, false)
		admitted, evicted := p.Add([]int{0, 5, 1}, -3, true)
		assert.True(t, admitted)
		assert.False(t, evicted)
		p.Add([]int{0, 6, 1}, -1, true)
		require.Equal(t, 2, p.Len())

		admitted, evicted = p.Add([]int{0, 7, 1}, -2, true)
		assert.True(t, admitted)
		assert.True(t, evicted)
		require.Equal(t, 2, p.Len())

		hyps := p.Hypotheses()
		assert.Equal(t, -1.0, hyps[0].Score)
		assert.Equal(t, -2.0, hyps[1].Score)

		worst, ok := p.Worst()
		require.True(t, ok)
		assert.Equal(t, []int{0, 7, 1}, worst.Tokens)
	})

	t.Run("rejects entries not better than worst", func(t *testing.T) {
		p := NewPool(1, 0, false)
		p.Add([]int{0, 1}, -1, true)
		admitted, _ := p.Add([]int{0, 2}, -1, true)
		assert.False(t, admitted, "equal score must not replace the kept hypothesis")
		admitted, _ = p.Add([]int{0, 3}, -5, true)
		assert.False(t, admitted)
		best, _ := p.Best()
		assert.Equal(t, []int{0, 1}, best.Tokens)
	})

	t.Run("earlier admission wins ties", func(t *testing.T) {
		p := NewPool(3, 0, false)
		p.Add([]int{0, 1}, -1, true)
		p.Add([]int{0, 2}, -1, true)
		best, _ := p.Best()
		assert.Equal(t, []int{0, 1}, best.Tokens)
	})

	t.Run("length normalization", func(t *testing.T) {
		p := NewPool(2, 1.0, false)
		// 1 generated token: penalty 1; 7 generated tokens: penalty 2
		p.Add([]int{0, 1}, -1.5, true)
		p.Add([]int{0, 1, 2, 3, 4, 5, 6, 7}, -2, true)
		best, _ := p.Best()
		assert.Equal(t, 7, best.Generated())
		assert.InDelta(t, -1.0, best.Normalized, 1e-12)
		assert.Equal(t, -2.0, best.Score)
	})

	t.Run("stores a copy of the tape", func(t *testing.T) {
		p := NewPool(1, 0, false)
		tape := []int{0, 4, 1}
		p.Add(tape, -1, true)
		tape[1] = 9
		best, _ := p.Best()
		assert.Equal(t, []int{0, 4, 1}, best.Tokens)
	})

	t.Run("never exceeds width", func(t *testing.T) {
		p := NewPool(3, 0.6, false)
		for i := 0; i < 50; i++ {
			p.Add([]int{0, i % 7, i % 3}, -float64((i*37)%11), true)
			assert.LessOrEqual(t, p.Len(), 3)
		}
		hyps := p.Hypotheses()
		for i := 1; i < len(hyps); i++ {
			assert.GreaterOrEqual(t, hyps[i-1].Normalized, hyps[i].Normalized)
		}
	})

	t.Run("empty pool", func(t *testing.T) {
		p := NewPool(2, 1, false)
		_, ok := p.Best()
		assert.False(t, ok)
		_, ok = p.Worst()
		assert.False(t, ok)
		assert.Empty(t, p.Hypotheses())
	})
}

func TestPoolIsDone(t *testing.T) {
	tests := []struct {
		name          string
		earlyStopping bool
		entries       []float64
		bestLive      float64
		want          bool
	}{
		{"not full", false, []float64{-1}, -10, false},
		{"not full with early stopping", true, []float64{-1}, -10, false},
		{"full and live cannot improve", false, []float64{-1, -2}, -3, true},
		{"full and live equals worst", false, []float64{-1, -2}, -2, true},
		{"full and live can improve", false, []float64{-1, -2}, -1.5, false},
		{"full with early stopping", true, []float64{-1, -2}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(2, 0, tt.earlyStopping)
			for i, s := range tt.entries {
				p.Add([]int{0, i + 2, 1}, s, true)
			}
			assert.Equal(t, tt.want, p.IsDone(tt.bestLive, 2))
		})
	}
}
