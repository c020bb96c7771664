package pointer

import (
	"context"
	"math"
	"runtime"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-rewrite/internal/beam"
	"github.com/23skdu/longbow-rewrite/internal/copymix"
	"github.com/23skdu/longbow-rewrite/internal/cpu"
	"github.com/23skdu/longbow-rewrite/internal/tokenizer"
)

// probFloor keeps log(p) finite for tokens no source position points at.
const probFloor = 1e-12

// PositionEncoding returns the sinusoidal timing signal for pos: sines over
// the first half of the vector, cosines over the second.
func PositionEncoding(pos, hidden int) []float64 {
	out := make([]float64, hidden)
	num := hidden / 2
	if num == 0 {
		return out
	}
	inc := math.Log(1e4) / math.Max(float64(num-1), 1)
	for i := 0; i < num; i++ {
		t := float64(pos) * math.Exp(-float64(i)*inc)
		out[i] = math.Sin(t)
		out[num+i] = math.Cos(t)
	}
	return out
}

// Source is one encoded dialogue: token ids and their segments.
type Source struct {
	IDs      []int
	Segments []int
}

type Model struct {
	w       *Weights
	backend *cpu.Context
}

func NewModel(w *Weights) (*Model, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Model{w: w, backend: cpu.NewContext()}, nil
}

func (m *Model) Weights() *Weights { return m.w }

func (m *Model) VocabSize() int { return m.w.Vocab }

type encoded struct {
	ids   []int
	keys  [][]float64 // encoder states E
	proj  [][]float64 // EDense·E
	biasQ []float64
	biasC []float64

	hasQuery   bool
	hasContext bool
}

func (m *Model) encode(src Source) (*encoded, error) {
	if len(src.IDs) == 0 {
		return nil, errors.New("empty source")
	}
	if len(src.IDs) != len(src.Segments) {
		return nil, errors.Errorf("%d ids but %d segments", len(src.IDs), len(src.Segments))
	}
	e := &encoded{
		ids:   src.IDs,
		keys:  make([][]float64, len(src.IDs)),
		proj:  make([][]float64, len(src.IDs)),
		biasQ: copymix.SegmentBias(src.Segments, tokenizer.SegmentQuery),
		biasC: copymix.SegmentBias(src.Segments, tokenizer.SegmentContext),
	}
	for i, id := range src.IDs {
		if id < 0 || id >= m.w.Vocab {
			return nil, errors.Errorf("token %d at position %d outside vocabulary of %d", id, i, m.w.Vocab)
		}
		seg := src.Segments[i]
		if seg < 0 || seg >= Segments {
			return nil, errors.Errorf("segment %d at position %d", seg, i)
		}
		e.hasQuery = e.hasQuery || seg == tokenizer.SegmentQuery
		e.hasContext = e.hasContext || seg == tokenizer.SegmentContext
		k := PositionEncoding(i, m.w.Hidden)
		floats.Add(k, m.w.Embedding[id])
		floats.Add(k, m.w.Segment[seg])
		e.keys[i] = k
		e.proj[i] = make([]float64, m.w.Hidden)
		m.backend.MatVec(e.proj[i], m.w.EDense, k)
	}
	return e, nil
}

// Cache holds the decoder states of every slot, one vector per decoded
// position.
type Cache struct {
	states [][][]float64
}

// Reorder makes slot s continue the history of slot parents[s].
func (c *Cache) Reorder(parents []int) {
	next := make([][][]float64, len(parents))
	for s, p := range parents {
		next[s] = slices.Clip(c.states[p])
	}
	c.states = next
}

// Len is the number of cached positions of slot s.
func (c *Cache) Len(s int) int { return len(c.states[s]) }

// Oracle binds the model to a batch of sources. Each source occupies
// beamWidth consecutive slots, matching beam.State.
func (m *Model) Oracle(sources []Source, beamWidth int) (beam.Oracle, error) {
	if beamWidth <= 0 {
		return nil, errors.Errorf("beam width %d", beamWidth)
	}
	o := &oracle{m: m, width: beamWidth, elems: make([]*encoded, len(sources))}
	for i, src := range sources {
		e, err := m.encode(src)
		if err != nil {
			return nil, errors.Wrapf(err, "source %d", i)
		}
		o.elems[i] = e
	}
	return o, nil
}

type oracle struct {
	m     *Model
	width int
	elems []*encoded
}

func (o *oracle) Score(ctx context.Context, tapes [][]int, step int, cache beam.Cache) ([][]float64, beam.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, cache, err
	}
	if len(tapes) != len(o.elems)*o.width {
		return nil, cache, errors.Errorf("%d tapes for %d sources of width %d", len(tapes), len(o.elems), o.width)
	}
	c, _ := cache.(*Cache)
	if c == nil {
		c = &Cache{states: make([][][]float64, len(tapes))}
	}
	if len(c.states) != len(tapes) {
		return nil, cache, errors.Errorf("cache holds %d slots, want %d", len(c.states), len(tapes))
	}

	out := make([][]float64, len(tapes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s, tape := range tapes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := o.slot(c, s, tape)
			if err != nil {
				return errors.Wrapf(err, "slot %d step %d", s, step)
			}
			out[s] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, c, err
	}
	return out, c, nil
}

func (o *oracle) slot(c *Cache, s int, tape []int) ([]float64, error) {
	w := o.m.w
	e := o.elems[s/o.width]
	if len(tape) == 0 {
		return nil, errors.New("empty tape")
	}
	last := tape[len(tape)-1]
	if last < 0 || last >= w.Vocab {
		return nil, errors.Errorf("token %d outside vocabulary of %d", last, w.Vocab)
	}

	x := PositionEncoding(len(tape)-1, w.Hidden)
	floats.Add(x, w.Embedding[last])
	c.states[s] = append(c.states[s], x)
	states := c.states[s]

	// decoder self attention over every cached position
	att := make([]float64, len(states))
	mOut := make([]float64, w.Hidden)
	copymix.Attention(att, x, states, nil)
	copymix.Attend(mOut, att, states)

	d := floats.AddTo(make([]float64, w.Hidden), x, mOut)

	cq := o.cross(d, e, e.biasQ)
	cc := o.cross(d, e, e.biasC)
	gate := copymix.Gate(slices.Concat(d, cq, cc), w.GateW, w.GateB)
	// an empty segment has no copy distribution to contribute
	switch {
	case !e.hasContext:
		gate = 1
	case !e.hasQuery:
		gate = 0
	}

	mq := make([]float64, w.Hidden)
	o.m.backend.MatVec(mq, w.MDense, mOut)
	pq, err := o.copyDist(mq, e, e.biasQ)
	if err != nil {
		return nil, err
	}
	pc, err := o.copyDist(mq, e, e.biasC)
	if err != nil {
		return nil, err
	}

	row := make([]float64, w.Vocab)
	if err := copymix.Mix(row, gate, pq, pc); err != nil {
		return nil, err
	}
	for i, p := range row {
		row[i] = math.Log(math.Max(p, probFloor))
	}
	return row, nil
}

func (o *oracle) cross(q []float64, e *encoded, bias []float64) []float64 {
	att := make([]float64, len(e.keys))
	out := make([]float64, o.m.w.Hidden)
	copymix.Attention(att, q, e.keys, bias)
	copymix.Attend(out, att, e.keys)
	return out
}

func (o *oracle) copyDist(q []float64, e *encoded, bias []float64) ([]float64, error) {
	att := make([]float64, len(e.proj))
	copymix.Attention(att, q, e.proj, bias)
	dist := make([]float64, o.m.w.Vocab)
	if err := copymix.Scatter(dist, att, e.ids); err != nil {
		return nil, err
	}
	return dist, nil
}
