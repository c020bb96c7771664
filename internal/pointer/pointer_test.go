package pointer

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-rewrite/internal/beam"
	"github.com/23skdu/longbow-rewrite/internal/config"
)

func testSources() []Source {
	return []Source{
		// context "4 5 [SEP]" then query "6 7 [EOS]"
		{IDs: []int{4, 5, 3, 6, 7, 1}, Segments: []int{0, 0, 0, 1, 1, 1}},
		// query only
		{IDs: []int{8, 9, 10, 11, 1}, Segments: []int{1, 1, 1, 1, 1}},
	}
}

func testModel(t *testing.T) *Model {
	t.Helper()
	w, err := RandomWeights(16, 8, 42)
	require.NoError(t, err)
	m, err := NewModel(w)
	require.NoError(t, err)
	return m
}

func TestPositionEncoding(t *testing.T) {
	pe := PositionEncoding(0, 6)
	assert.Equal(t, []float64{0, 0, 0, 1, 1, 1}, pe)

	pe = PositionEncoding(3, 5)
	require.Len(t, pe, 5)
	assert.InDelta(t, math.Sin(3), pe[0], 1e-12)
	assert.InDelta(t, math.Cos(3), pe[2], 1e-12)
	assert.Equal(t, 0.0, pe[4])

	assert.Equal(t, []float64{0}, PositionEncoding(7, 1))
}

func TestWeightsValidate(t *testing.T) {
	good, err := RandomWeights(5, 4, 1)
	require.NoError(t, err)
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(w *Weights)
	}{
		{"zero vocab", func(w *Weights) { w.Vocab = 0 }},
		{"embedding rows", func(w *Weights) { w.Embedding = w.Embedding[:4] }},
		{"embedding cols", func(w *Weights) { w.Embedding[2] = w.Embedding[2][:3] }},
		{"segments", func(w *Weights) { w.Segment = w.Segment[:1] }},
		{"e_dense", func(w *Weights) { w.EDense = nil }},
		{"m_dense", func(w *Weights) { w.MDense[0] = nil }},
		{"gate", func(w *Weights) { w.GateW = w.GateW[:5] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := RandomWeights(5, 4, 1)
			require.NoError(t, err)
			tt.mutate(w)
			assert.Error(t, w.Validate())
		})
	}

	_, err = RandomWeights(0, 4, 1)
	assert.Error(t, err)
}

func TestRandomWeightsDeterministic(t *testing.T) {
	a, err := RandomWeights(6, 4, 7)
	require.NoError(t, err)
	b, err := RandomWeights(6, 4, 7)
	require.NoError(t, err)
	c, err := RandomWeights(6, 4, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a.Embedding, c.Embedding)
}

func TestSaveLoadWeights(t *testing.T) {
	w, err := RandomWeights(6, 4, 3)
	require.NoError(t, err)
	w.GateB = 0.25
	tokens := []string{"[PAD]", "[EOS]", "[UNK]", "[SEP]", "a", "b"}

	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, SaveWeights(path, w, tokens))

	got, err := LoadWeights(path)
	require.NoError(t, err)
	assert.Equal(t, w.Vocab, got.Vocab)
	assert.Equal(t, w.Hidden, got.Hidden)
	assert.InDelta(t, 0.25, got.GateB, 1e-7)
	for i := range w.Embedding {
		assert.InDeltaSlice(t, w.Embedding[i], got.Embedding[i], 1e-6)
	}
	for i := range w.MDense {
		assert.InDeltaSlice(t, w.EDense[i], got.EDense[i], 1e-6)
		assert.InDeltaSlice(t, w.MDense[i], got.MDense[i], 1e-6)
	}
	assert.InDeltaSlice(t, w.GateW, got.GateW, 1e-6)

	assert.Error(t, SaveWeights(path, w, tokens[:3]))
	_, err = LoadWeights(filepath.Join(t.TempDir(), "missing.gguf"))
	assert.Error(t, err)
}

func TestOracleRows(t *testing.T) {
	m := testModel(t)
	o, err := m.Oracle(testSources(), 2)
	require.NoError(t, err)

	tapes := [][]int{{0}, {0}, {0}, {0}}
	rows, cache, err := o.Score(context.Background(), tapes, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	floor := math.Log(probFloor)
	inSource := func(b, tok int) bool {
		for _, id := range testSources()[b].IDs {
			if id == tok {
				return true
			}
		}
		return false
	}
	for s, row := range rows {
		require.Len(t, row, 16)
		sum := 0.0
		for tok, v := range row {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "slot %d token %d", s, tok)
			if !inSource(s/2, tok) {
				assert.Equal(t, floor, v, "slot %d token %d", s, tok)
				continue
			}
			sum += math.Exp(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "slot %d", s)
	}
	// slots with equal tapes and history score the same
	assert.Equal(t, rows[0], rows[1])
	assert.Equal(t, rows[2], rows[3])

	c, ok := cache.(*Cache)
	require.True(t, ok)
	assert.Equal(t, 1, c.Len(0))
}

func TestCacheReorder(t *testing.T) {
	m := testModel(t)
	o, err := m.Oracle(testSources()[:1], 3)
	require.NoError(t, err)
	ctx := context.Background()

	_, cache, err := o.Score(ctx, [][]int{{0}, {0}, {0}}, 0, nil)
	require.NoError(t, err)
	c := cache.(*Cache)

	c.Reorder([]int{0, 0, 0})
	_, cache, err = o.Score(ctx, [][]int{{0, 4}, {0, 6}, {0, 6}}, 1, c)
	require.NoError(t, err)
	c = cache.(*Cache)
	for s := 0; s < 3; s++ {
		assert.Equal(t, 2, c.Len(s))
	}
	// siblings share history but not the appended state
	assert.NotEqual(t, c.states[0][1], c.states[1][1])
	assert.Equal(t, c.states[1][1], c.states[2][1])

	first := c.states[0][1]
	c.Reorder([]int{2, 2, 0})
	assert.Equal(t, c.states[0][1], c.states[1][1])
	assert.Equal(t, first, c.states[2][1])
	assert.Equal(t, 2, c.Len(2))
}

func TestOracleErrors(t *testing.T) {
	m := testModel(t)

	_, err := m.Oracle([]Source{{IDs: []int{1, 2}, Segments: []int{1}}}, 2)
	assert.Error(t, err)
	_, err = m.Oracle([]Source{{IDs: []int{99}, Segments: []int{1}}}, 2)
	assert.Error(t, err)
	_, err = m.Oracle([]Source{{IDs: []int{1}, Segments: []int{5}}}, 2)
	assert.Error(t, err)
	_, err = m.Oracle([]Source{{}}, 2)
	assert.Error(t, err)
	_, err = m.Oracle(testSources(), 0)
	assert.Error(t, err)

	o, err := m.Oracle(testSources(), 2)
	require.NoError(t, err)
	_, _, err = o.Score(context.Background(), [][]int{{0}}, 0, nil)
	assert.Error(t, err)
	_, _, err = o.Score(context.Background(), [][]int{{0}, {0}, {0}, {99}}, 0, nil)
	assert.Error(t, err)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = o.Score(canceled, [][]int{{0}, {0}, {0}, {0}}, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeCopiesFromSource(t *testing.T) {
	m := testModel(t)
	sources := testSources()
	o, err := m.Oracle(sources, 2)
	require.NoError(t, err)

	cfg := config.DefaultDecode()
	cfg.BeamWidth = 2
	cfg.MaxDecodeLength = 8
	cfg.VocabSize = m.Weights().Vocab
	d, err := beam.NewDriver(cfg, o)
	require.NoError(t, err)

	res, err := d.Decode(context.Background(), len(sources), nil)
	require.NoError(t, err)
	require.Len(t, res.Tokens, 2)

	for b, row := range res.Tokens {
		allowed := map[int]bool{cfg.PadTokenID: true}
		for _, id := range sources[b].IDs {
			allowed[id] = true
		}
		for _, tok := range row {
			assert.True(t, allowed[tok], "element %d emitted token %d not in its source", b, tok)
		}
		assert.False(t, math.IsInf(res.Best[b].Score, 0))
	}
}
