package beam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState(t *testing.T) {
	st := NewState(2, 2, 9)
	require.Equal(t, 4, st.Slots())
	assert.Equal(t, 0, st.Step())
	for slot := 0; slot < st.Slots(); slot++ {
		assert.Equal(t, []int{9}, st.Tape(slot))
		assert.Equal(t, 0.0, st.Score(slot))
	}

	// element 0 keeps both continuations of slot 0, element 1 swaps
	require.NoError(t, st.Advance(
		[]int{0, 0, 3, 2},
		[]int{1, 2, 3, 4},
		[]float64{-0.1, -0.2, -0.3, -0.4},
	))
	assert.Equal(t, 1, st.Step())
	assert.Equal(t, [][]int{{9, 1}, {9, 2}, {9, 3}, {9, 4}}, st.Tapes())

	require.NoError(t, st.Advance(
		[]int{1, 1, 2, 3},
		[]int{5, 6, 7, 8},
		[]float64{-1, -2, -3, -4},
	))
	assert.Equal(t, []int{9, 2, 5}, st.Tape(0))
	assert.Equal(t, []int{9, 2, 6}, st.Tape(1))
	assert.Equal(t, []int{9, 3, 7}, st.Tape(2))
	assert.Equal(t, []int{9, 4, 8}, st.Tape(3))
	assert.Equal(t, []int{9, 3, 7, 1}, st.TapeWith(2, 1))
	assert.Equal(t, -3.0, st.Score(2))
	assert.Equal(t, 1, st.Element(3))
}

func TestStateDoneFlags(t *testing.T) {
	st := NewState(3, 1, 0)
	assert.False(t, st.AllDone())
	st.MarkDone(0)
	st.MarkDone(2)
	assert.True(t, st.Done(0))
	assert.False(t, st.Done(1))
	assert.False(t, st.AllDone())
	st.MarkDone(1)
	assert.True(t, st.AllDone())
}

func TestStateAdvanceErrors(t *testing.T) {
	st := NewState(1, 2, 0)
	assert.Error(t, st.Advance([]int{0}, []int{1}, []float64{0}))
	assert.Error(t, st.Advance([]int{0, 2}, []int{1, 1}, []float64{0, 0}))
	assert.Equal(t, 0, st.Step(), "failed advance must not move the beam")
}
