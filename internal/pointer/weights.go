// Package pointer implements the pointer-generator oracle: a decoder that
// scores the next token by copying from the query and the context of a
// dialogue, mixed by a learned gate.
package pointer

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-rewrite/internal/gguf"
)

const Architecture = "rewrite-pointer"

// Tensor names in the model file.
const (
	TensorEmbedding = "token_embd.weight"
	TensorSegment   = "segment_embd.weight"
	TensorEDense    = "distribute.e_dense.weight"
	TensorMDense    = "distribute.m_dense.weight"
	TensorGateW     = "distribute.lambda.weight"
	TensorGateB     = "distribute.lambda.bias"
)

// Segments is the number of segment embeddings: context and query.
const Segments = 2

// Weights holds the model parameters. Matrices are row major.
type Weights struct {
	Vocab  int
	Hidden int

	Embedding [][]float64 // [Vocab][Hidden]
	Segment   [][]float64 // [Segments][Hidden]
	EDense    [][]float64 // [Hidden][Hidden], projects encoder states
	MDense    [][]float64 // [Hidden][Hidden], projects decoder self attention
	GateW     []float64   // [3*Hidden] over [D, C_query, C_content]
	GateB     float64
}

func (w *Weights) Validate() error {
	if w.Vocab <= 0 || w.Hidden <= 0 {
		return errors.Errorf("invalid dimensions vocab=%d hidden=%d", w.Vocab, w.Hidden)
	}
	check := func(name string, m [][]float64, rows, cols int) error {
		if len(m) != rows {
			return errors.Errorf("%s: %d rows, want %d", name, len(m), rows)
		}
		for i, r := range m {
			if len(r) != cols {
				return errors.Errorf("%s: row %d has %d columns, want %d", name, i, len(r), cols)
			}
		}
		return nil
	}
	if err := check(TensorEmbedding, w.Embedding, w.Vocab, w.Hidden); err != nil {
		return err
	}
	if err := check(TensorSegment, w.Segment, Segments, w.Hidden); err != nil {
		return err
	}
	if err := check(TensorEDense, w.EDense, w.Hidden, w.Hidden); err != nil {
		return err
	}
	if err := check(TensorMDense, w.MDense, w.Hidden, w.Hidden); err != nil {
		return err
	}
	if len(w.GateW) != 3*w.Hidden {
		return errors.Errorf("%s: %d values, want %d", TensorGateW, len(w.GateW), 3*w.Hidden)
	}
	return nil
}

// RandomWeights builds a reproducible untrained model. Dense layers are
// scaled identities plus noise so freshly initialized models still copy
// tokens they attend to.
func RandomWeights(vocab, hidden int, seed uint64) (*Weights, error) {
	if vocab <= 0 || hidden <= 0 {
		return nil, errors.Errorf("invalid dimensions vocab=%d hidden=%d", vocab, hidden)
	}
	src := rand.NewPCG(seed, seed^0x5851f42d4c957f2d)
	std := 1 / math.Sqrt(float64(hidden))
	norm := distuv.Normal{Mu: 0, Sigma: std, Src: src}

	matrix := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, cols)
			for j := range m[i] {
				m[i][j] = norm.Rand()
			}
		}
		return m
	}
	dense := func() [][]float64 {
		m := matrix(hidden, hidden)
		for i := range m {
			for j := range m[i] {
				m[i][j] *= 0.1
			}
			m[i][i] += 1
		}
		return m
	}

	w := &Weights{
		Vocab:     vocab,
		Hidden:    hidden,
		Embedding: matrix(vocab, hidden),
		Segment:   matrix(Segments, hidden),
		EDense:    dense(),
		MDense:    dense(),
		GateW:     matrix(1, 3*hidden)[0],
	}
	return w, nil
}

// LoadWeights reads a model written by SaveWeights.
func LoadWeights(path string) (*Weights, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load weights")
	}
	defer func() { _ = f.Close() }()

	if arch, _ := f.String("general.architecture"); arch != Architecture {
		return nil, errors.Errorf("%s: architecture %q, want %q", path, arch, Architecture)
	}
	vocab, ok1 := f.Uint(Architecture + ".vocab_size")
	hidden, ok2 := f.Uint(Architecture + ".embedding_length")
	if !ok1 || !ok2 {
		return nil, errors.Errorf("%s: missing model dimensions", path)
	}
	if missing := gguf.NewMetadataAnalyzer(f).FindMissingTensors([]string{
		TensorEmbedding, TensorSegment, TensorEDense, TensorMDense, TensorGateW, TensorGateB,
	}); len(missing) > 0 {
		return nil, errors.Errorf("%s: missing tensors %v", path, missing)
	}

	w := &Weights{Vocab: int(vocab), Hidden: int(hidden)}
	read := func(name string, rows, cols int) ([][]float64, error) {
		flat, err := f.Tensor(name).Float64s()
		if err != nil {
			return nil, err
		}
		if len(flat) != rows*cols {
			return nil, errors.Errorf("%s: %d values, want %d", name, len(flat), rows*cols)
		}
		m := make([][]float64, rows)
		for i := range m {
			m[i] = flat[i*cols : (i+1)*cols : (i+1)*cols]
		}
		return m, nil
	}
	if w.Embedding, err = read(TensorEmbedding, w.Vocab, w.Hidden); err != nil {
		return nil, err
	}
	if w.Segment, err = read(TensorSegment, Segments, w.Hidden); err != nil {
		return nil, err
	}
	if w.EDense, err = read(TensorEDense, w.Hidden, w.Hidden); err != nil {
		return nil, err
	}
	if w.MDense, err = read(TensorMDense, w.Hidden, w.Hidden); err != nil {
		return nil, err
	}
	gw, err := read(TensorGateW, 1, 3*w.Hidden)
	if err != nil {
		return nil, err
	}
	w.GateW = gw[0]
	gb, err := read(TensorGateB, 1, 1)
	if err != nil {
		return nil, err
	}
	w.GateB = gb[0][0]

	return w, w.Validate()
}

// SaveWeights writes w and the vocabulary tokens to path. tokens may be nil
// when the vocabulary is shipped separately.
func SaveWeights(path string, w *Weights, tokens []string) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if tokens != nil && len(tokens) != w.Vocab {
		return errors.Errorf("%d tokens for vocabulary of %d", len(tokens), w.Vocab)
	}

	gw := gguf.NewWriter()
	gw.AddString("general.architecture", Architecture)
	gw.AddUint32(Architecture+".vocab_size", uint32(w.Vocab))
	gw.AddUint32(Architecture+".embedding_length", uint32(w.Hidden))
	if tokens != nil {
		gw.AddStrings("tokenizer.ggml.tokens", tokens)
	}

	for _, t := range []struct {
		name string
		m    [][]float64
		cols int
	}{
		{TensorEmbedding, w.Embedding, w.Hidden},
		{TensorSegment, w.Segment, w.Hidden},
		{TensorEDense, w.EDense, w.Hidden},
		{TensorMDense, w.MDense, w.Hidden},
		{TensorGateW, [][]float64{w.GateW}, 3 * w.Hidden},
		{TensorGateB, [][]float64{{w.GateB}}, 1},
	} {
		if err := gw.AddTensorF32(t.name, []uint64{uint64(t.cols), uint64(len(t.m))}, flatten(t.m)); err != nil {
			return err
		}
	}
	return errors.Wrap(gw.WriteFile(path), "save weights")
}

func flatten(m [][]float64) []float32 {
	var out []float32
	for _, row := range m {
		for _, v := range row {
			out = append(out, float32(v))
		}
	}
	return out
}
