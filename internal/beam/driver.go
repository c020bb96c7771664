package beam

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-rewrite/internal/config"
	"github.com/23skdu/longbow-rewrite/internal/cpu"
	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/metrics"
)

// Result is the outcome of one decode call.
type Result struct {
	// Tokens holds one row per batch element without the start token,
	// right-padded with the pad token to a common width.
	Tokens [][]int
	// Scores is the raw cumulative log-probability of each row.
	Scores []float64
	Best   []Hypothesis
	// Pools lists every kept hypothesis per batch element, best first.
	Pools [][]Hypothesis
	// Truncated marks elements whose best hypothesis never emitted EOS.
	Truncated []bool
	Steps     int
	// Stopped is set when the should-stop predicate ended decoding early.
	Stopped bool
}

type Option func(*Driver)

func WithBackend(b Backend) Option {
	return func(d *Driver) { d.backend = b }
}

func WithLogger(l *logger.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithShouldStop installs a predicate checked before every step. When it
// returns true decoding ends as if max_decode_length had been reached.
func WithShouldStop(f func(step int) bool) Option {
	return func(d *Driver) { d.shouldStop = f }
}

// WithRandSource overrides the seeded generator used in sampling mode.
func WithRandSource(src rand.Source) Option {
	return func(d *Driver) { d.src = src }
}

// Driver runs beam search (beam width 1 is greedy decoding) or beam
// sampling over an Oracle. A Driver holds no per-call state, each Decode
// call builds its own beam and pools.
type Driver struct {
	cfg        config.Decode
	oracle     Oracle
	backend    Backend
	log        *logger.Logger
	shouldStop func(step int) bool
	src        rand.Source
}

// NewDriver validates cfg and returns a driver over oracle. Invalid options
// fail here with a *config.ConfigurationError.
func NewDriver(cfg config.Decode, oracle Oracle, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordDecodeError("config")
		return nil, err
	}
	if oracle == nil {
		return nil, errors.New("beam: nil oracle")
	}
	d := &Driver{
		cfg:    cfg,
		oracle: oracle,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.backend == nil {
		d.backend = cpu.NewContext()
	}
	if d.log == nil {
		d.log = logger.Log.With("component", "beam")
	}
	return d, nil
}

func (d *Driver) Config() config.Decode { return d.cfg }

type candidate struct {
	slot  int
	token int
	score float64
}

// Decode runs one decode call over batchSize elements. cache is handed to
// the oracle on the first step and may be nil.
func (d *Driver) Decode(ctx context.Context, batchSize int, cache Cache) (*Result, error) {
	if batchSize <= 0 {
		metrics.RecordDecodeError("config")
		return nil, &config.ConfigurationError{Field: "batch_size", Value: batchSize, Reason: "must be positive"}
	}
	start := time.Now()
	k := d.cfg.BeamWidth
	src := d.src
	if d.cfg.DoSample && src == nil {
		src = rand.NewPCG(d.cfg.Seed, d.cfg.Seed^0x9e3779b97f4a7c15)
	}

	st := NewState(batchSize, k, d.cfg.StartTokenID)
	pools := make([]*Pool, batchSize)
	for b := range pools {
		pools[b] = NewPool(k, d.cfg.LengthPenalty, d.cfg.EarlyStopping)
	}
	adapter := NewAdapter(d.oracle, d.backend, d.cfg)

	slots := st.Slots()
	parents := make([]int, slots)
	tokens := make([]int, slots)
	scores := make([]float64, slots)
	stopped := false

	for st.Step() < d.cfg.MaxDecodeLength && !st.AllDone() {
		if d.shouldStop != nil && d.shouldStop(st.Step()) {
			stopped = true
			break
		}
		if err := ctx.Err(); err != nil {
			metrics.RecordDecodeError("canceled")
			return nil, errors.Wrapf(err, "decode canceled at step %d", st.Step())
		}

		logp, next, err := adapter.Next(ctx, st, cache)
		if err != nil {
			var oerr *OracleError
			if errors.As(err, &oerr) {
				metrics.RecordDecodeError("oracle")
			} else {
				metrics.RecordDecodeError("canceled")
			}
			return nil, err
		}
		cache = next

		curLen := st.Step() + 1
		for b := 0; b < batchSize; b++ {
			base := b * k
			if st.Done(b) {
				for j := 0; j < k; j++ {
					parents[base+j] = base + j
					tokens[base+j] = d.cfg.PadTokenID
					scores[base+j] = st.Score(base + j)
				}
				continue
			}

			var cands []candidate
			if d.cfg.DoSample {
				cands = d.sampleCandidates(st, logp, b, src)
			} else {
				cands = d.topCandidates(st, logp, b)
			}

			live := 0
			for rank, c := range cands {
				if c.token == d.cfg.EOSTokenID {
					if rank < k {
						_, evicted := pools[b].Add(st.TapeWith(c.slot, c.token), c.score, true)
						metrics.RecordHypothesis("eos", evicted)
					}
					continue
				}
				parents[base+live] = c.slot
				tokens[base+live] = c.token
				scores[base+live] = c.score
				live++
				if live == k {
					break
				}
			}
			bestLive := math.Inf(-1)
			if live > 0 {
				bestLive = scores[base]
			}
			for ; live < k; live++ {
				parents[base+live] = base
				tokens[base+live] = d.cfg.PadTokenID
				scores[base+live] = math.Inf(-1)
			}

			if math.IsInf(bestLive, -1) || pools[b].IsDone(bestLive, curLen) {
				st.MarkDone(b)
			}
		}
		adapter.Release(logp)

		if err := st.Advance(parents, tokens, scores); err != nil {
			return nil, errors.WithStack(err)
		}
		if r, ok := cache.(Reorderer); ok {
			r.Reorder(parents)
		}
	}

	res := d.finalize(st, pools, stopped)
	metrics.RecordDecode(d.cfg.Mode(), batchSize, res.Steps, countTokens(res), time.Since(start))
	d.log.Debug("decode finished",
		"mode", d.cfg.Mode(),
		"batch", batchSize,
		"steps", res.Steps,
		"stopped", stopped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// topCandidates returns the best 2*width continuations of element b, best
// first: higher score, then lower token id, then earlier slot. At step 0
// every slot holds the same tape, so only the first is expanded.
func (d *Driver) topCandidates(st *State, logp [][]float64, b int) []candidate {
	flat, width := d.flatScores(st, logp, b)
	defer d.backend.PutRow(flat)

	idx := d.backend.TopK(len(flat), 2*d.cfg.BeamWidth, d.better(flat))
	return d.collect(st, flat, idx, b, width)
}

// sampleCandidates draws 2*width distinct continuations of element b with
// probability softmax(cumulative score), then orders them like
// topCandidates.
func (d *Driver) sampleCandidates(st *State, logp [][]float64, b int, src rand.Source) []candidate {
	flat, width := d.flatScores(st, logp, b)
	defer d.backend.PutRow(flat)

	weights := d.backend.GetRow(len(flat))
	defer d.backend.PutRow(weights)
	d.backend.LogSoftmax(weights, flat)
	for i, v := range weights {
		weights[i] = math.Exp(v)
	}

	idx := d.backend.Sample(weights, 2*d.cfg.BeamWidth, src)
	better := d.better(flat)
	sort.Slice(idx, func(i, j int) bool { return better(idx[i], idx[j]) })
	return d.collect(st, flat, idx, b, width)
}

// flatScores lays out slot score + log-probability for every (slot, token)
// of element b as index slot*vocab + token.
func (d *Driver) flatScores(st *State, logp [][]float64, b int) ([]float64, int) {
	v := d.cfg.VocabSize
	width := d.cfg.BeamWidth
	// At step 0 every slot holds the same start tape with score 0. Scoring
	// all of them would offer each token beam_width times and fill the
	// beam with copies, so only slot 0 is expanded.
	if st.Step() == 0 {
		width = 1
	}
	flat := d.backend.GetRow(width * v)
	base := b * d.cfg.BeamWidth
	for j := 0; j < width; j++ {
		s := st.Score(base + j)
		row := logp[base+j]
		for t, lp := range row {
			flat[j*v+t] = s + lp
		}
	}
	return flat, width
}

func (d *Driver) better(flat []float64) func(x, y int) bool {
	v := d.cfg.VocabSize
	return func(x, y int) bool {
		if flat[x] != flat[y] {
			return flat[x] > flat[y]
		}
		if x%v != y%v {
			return x%v < y%v
		}
		return x/v < y/v
	}
}

func (d *Driver) collect(st *State, flat []float64, idx []int, b, width int) []candidate {
	v := d.cfg.VocabSize
	base := b * d.cfg.BeamWidth
	out := make([]candidate, 0, len(idx))
	for _, i := range idx {
		if math.IsInf(flat[i], -1) {
			continue
		}
		out = append(out, candidate{slot: base + i/v, token: i % v, score: flat[i]})
	}
	return out
}

// finalize flushes the live beams of unfinished elements into their pools
// and extracts the best hypothesis of every element.
func (d *Driver) finalize(st *State, pools []*Pool, stopped bool) *Result {
	k := d.cfg.BeamWidth
	res := &Result{
		Tokens:    make([][]int, st.Batch()),
		Scores:    make([]float64, st.Batch()),
		Best:      make([]Hypothesis, st.Batch()),
		Pools:     make([][]Hypothesis, st.Batch()),
		Truncated: make([]bool, st.Batch()),
		Steps:     st.Step(),
		Stopped:   stopped,
	}

	truncated := 0
	width := 0
	for b, pool := range pools {
		if !st.Done(b) || pool.Len() == 0 {
			for j := 0; j < k; j++ {
				slot := b*k + j
				if math.IsInf(st.Score(slot), -1) && pool.Len() > 0 {
					continue
				}
				admitted, evicted := pool.Add(st.Tape(slot), st.Score(slot), false)
				if admitted {
					metrics.RecordHypothesis("flush", evicted)
				}
			}
		}

		best, _ := pool.Best()
		row := append([]int(nil), best.Tokens[1:]...)
		if !best.EOS {
			truncated++
			res.Truncated[b] = true
			if len(row) < d.cfg.MaxDecodeLength {
				row = append(row, d.cfg.EOSTokenID)
			}
		}
		res.Tokens[b] = row
		res.Scores[b] = best.Score
		res.Best[b] = best
		res.Pools[b] = pool.Hypotheses()
		width = max(width, len(row))
	}

	for b, row := range res.Tokens {
		for len(row) < width {
			row = append(row, d.cfg.PadTokenID)
		}
		res.Tokens[b] = row
	}

	if truncated > 0 {
		metrics.RecordTruncated(truncated)
		d.log.Warn("decode reached max length without EOS",
			"truncated", truncated,
			"batch", st.Batch(),
			"max_decode_length", d.cfg.MaxDecodeLength,
			"stopped", stopped,
		)
	}
	return res
}

func countTokens(res *Result) int {
	n := 0
	for _, h := range res.Best {
		n += h.Generated()
	}
	return n
}
