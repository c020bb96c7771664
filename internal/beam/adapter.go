package beam

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-rewrite/internal/config"
	"github.com/23skdu/longbow-rewrite/internal/metrics"
)

// Adapter wraps the scoring oracle: it validates the oracle output and
// turns each live row into log-probabilities after repetition penalty,
// temperature and, in sampling mode, top-k/top-p filtering.
type Adapter struct {
	oracle  Oracle
	backend Backend
	cfg     config.Decode
	workers int
}

func NewAdapter(oracle Oracle, backend Backend, cfg config.Decode) *Adapter {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Adapter{oracle: oracle, backend: backend, cfg: cfg, workers: workers}
}

// Next scores every slot of st. Rows of finished batch elements are nil.
// Rows come from the backend pool; hand them back with Release.
func (a *Adapter) Next(ctx context.Context, st *State, cache Cache) ([][]float64, Cache, error) {
	tapes := st.Tapes()
	start := time.Now()
	raw, next, err := a.oracle.Score(ctx, tapes, st.Step(), cache)
	metrics.RecordOracle(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, errors.Wrapf(ctx.Err(), "oracle call at step %d", st.Step())
		}
		return nil, nil, errors.WithStack(&OracleError{Step: st.Step(), Reason: "scoring failed", Err: err})
	}
	if err := a.validate(st, raw); err != nil {
		return nil, nil, err
	}

	out := make([][]float64, st.Slots())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for slot := range out {
		if st.Done(st.Element(slot)) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := a.backend.GetRow(a.cfg.VocabSize)
			copy(row, raw[slot])
			a.process(row, tapes[slot])
			out[slot] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.Release(out)
		return nil, nil, errors.Wrapf(err, "adapter at step %d", st.Step())
	}
	return out, next, nil
}

// Release returns rows obtained from Next to the backend pool.
func (a *Adapter) Release(rows [][]float64) {
	for _, r := range rows {
		if r != nil {
			a.backend.PutRow(r)
		}
	}
}

func (a *Adapter) validate(st *State, raw [][]float64) error {
	step := st.Step()
	if len(raw) != st.Slots() {
		return errors.WithStack(&OracleError{
			Step:   step,
			Reason: fmt.Sprintf("wrong row count: got %d, want %d", len(raw), st.Slots()),
		})
	}
	nanCount, infCount := 0, 0
	var bad error
	for slot, row := range raw {
		if len(row) != a.cfg.VocabSize {
			return errors.WithStack(&OracleError{
				Step:   step,
				Reason: fmt.Sprintf("slot %d has %d scores, want vocab_size %d", slot, len(row), a.cfg.VocabSize),
			})
		}
		if st.Done(st.Element(slot)) {
			continue
		}
		finite := false
		for _, v := range row {
			switch {
			case math.IsNaN(v):
				nanCount++
			case math.IsInf(v, 1):
				infCount++
			case !math.IsInf(v, -1):
				finite = true
			}
		}
		if bad == nil && !finite {
			bad = &OracleError{Step: step, Reason: fmt.Sprintf("slot %d has no finite score", slot)}
		}
	}
	metrics.RecordNumericalInstability(nanCount, infCount)
	if nanCount > 0 || infCount > 0 {
		return errors.WithStack(&OracleError{
			Step:   step,
			Reason: fmt.Sprintf("non-finite scores: %d NaN, %d +Inf", nanCount, infCount),
		})
	}
	if bad != nil {
		return errors.WithStack(bad)
	}
	return nil
}

func (a *Adapter) process(row []float64, tape []int) {
	if a.cfg.RepetitionPenalty != 1.0 {
		applyRepetitionPenalty(row, tape, a.cfg.RepetitionPenalty)
	}
	if a.cfg.Temperature != 1.0 {
		floats.Scale(1/a.cfg.Temperature, row)
	}
	if a.cfg.DoSample {
		if a.cfg.TopK > 0 {
			applyTopK(row, a.cfg.TopK)
		}
		if a.cfg.TopP > 0 && a.cfg.TopP < 1 {
			a.applyTopP(row, a.cfg.TopP)
		}
	}
	a.backend.LogSoftmax(row, row)
}

// applyRepetitionPenalty pushes every token already on the tape towards
// lower probability: non-negative logits are divided by penalty, negative
// ones multiplied. Each distinct token is penalized once.
func applyRepetitionPenalty(row []float64, tape []int, penalty float64) {
	seen := make(map[int]struct{}, len(tape))
	for _, id := range tape {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if id < 0 || id >= len(row) {
			continue
		}
		if row[id] >= 0 {
			row[id] /= penalty
		} else {
			row[id] *= penalty
		}
	}
}

type tokenScore struct {
	id    int
	score float64
}

func sortedTokens(row []float64) []tokenScore {
	ts := make([]tokenScore, len(row))
	for i, v := range row {
		ts[i] = tokenScore{id: i, score: v}
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].score != ts[j].score {
			return ts[i].score > ts[j].score
		}
		return ts[i].id < ts[j].id
	})
	return ts
}

// applyTopK masks all but the k highest scores.
func applyTopK(row []float64, k int) {
	if k >= len(row) {
		return
	}
	for _, t := range sortedTokens(row)[k:] {
		row[t.id] = math.Inf(-1)
	}
}

// applyTopP keeps the smallest high-probability prefix whose mass reaches
// p and masks the rest. The most likely token always survives.
func (a *Adapter) applyTopP(row []float64, p float64) {
	probs := a.backend.GetRow(len(row))
	defer a.backend.PutRow(probs)
	a.backend.LogSoftmax(probs, row)

	ranked := sortedTokens(probs)
	cum := 0.0
	cut := len(ranked)
	for i, t := range ranked {
		if cum >= p && i > 0 {
			cut = i
			break
		}
		cum += math.Exp(t.score)
	}
	for _, t := range ranked[cut:] {
		row[t.id] = math.Inf(-1)
	}
}
