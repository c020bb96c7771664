package beam

import (
	"math"
	"slices"
	"sort"
)

// Hypothesis is a completed candidate: the full tape starting with the start
// token, its raw cumulative log-probability and its length-normalized score.
type Hypothesis struct {
	Tokens     []int
	Score      float64
	Normalized float64
	// EOS is false for hypotheses force-flushed at the end of decoding.
	EOS bool
}

// Generated returns the number of tokens produced after the start token.
func (h Hypothesis) Generated() int {
	return len(h.Tokens) - 1
}

// LengthPenalty returns ((length+5)/6)^alpha.
func LengthPenalty(length int, alpha float64) float64 {
	return math.Pow((5+float64(length))/6, alpha)
}

// Pool keeps the best width completed hypotheses of one batch element,
// sorted by non-decreasing normalized score. Among equal scores the earlier
// admission ranks higher.
type Pool struct {
	width         int
	alpha         float64
	earlyStopping bool
	hyps          []Hypothesis
}

func NewPool(width int, lengthPenalty float64, earlyStopping bool) *Pool {
	return &Pool{
		width:         width,
		alpha:         lengthPenalty,
		earlyStopping: earlyStopping,
		hyps:          make([]Hypothesis, 0, width+1),
	}
}

// Normalize scores a cumulative log-probability for a hypothesis that
// generated length tokens.
func (p *Pool) Normalize(score float64, length int) float64 {
	return score / LengthPenalty(length, p.alpha)
}

// Add records a completed tape. It reports whether the hypothesis was
// admitted and whether admitting it evicted the previous worst entry. The
// pool keeps its own copy of tokens.
func (p *Pool) Add(tokens []int, score float64, eos bool) (admitted, evicted bool) {
	norm := p.Normalize(score, len(tokens)-1)
	if len(p.hyps) >= p.width && !(norm > p.hyps[0].Normalized) {
		return false, false
	}
	h := Hypothesis{
		Tokens:     slices.Clone(tokens),
		Score:      score,
		Normalized: norm,
		EOS:        eos,
	}
	i := sort.Search(len(p.hyps), func(i int) bool {
		return p.hyps[i].Normalized >= norm
	})
	p.hyps = slices.Insert(p.hyps, i, h)
	if len(p.hyps) > p.width {
		p.hyps = slices.Delete(p.hyps, 0, 1)
		evicted = true
	}
	return true, evicted
}

// IsDone reports whether no live beam can still improve the pool: the pool
// is full and either early stopping is set or the best live score,
// normalized at curLen, does not beat the worst kept hypothesis.
func (p *Pool) IsDone(bestLive float64, curLen int) bool {
	if len(p.hyps) < p.width {
		return false
	}
	if p.earlyStopping {
		return true
	}
	return p.Normalize(bestLive, curLen) <= p.hyps[0].Normalized
}

func (p *Pool) Len() int { return len(p.hyps) }

func (p *Pool) Full() bool { return len(p.hyps) >= p.width }

// Best returns the highest ranked hypothesis.
func (p *Pool) Best() (Hypothesis, bool) {
	if len(p.hyps) == 0 {
		return Hypothesis{}, false
	}
	return p.hyps[len(p.hyps)-1], true
}

// Worst returns the lowest ranked hypothesis, the next to be evicted.
func (p *Pool) Worst() (Hypothesis, bool) {
	if len(p.hyps) == 0 {
		return Hypothesis{}, false
	}
	return p.hyps[0], true
}

// Hypotheses returns the pool contents best first.
func (p *Pool) Hypotheses() []Hypothesis {
	out := make([]Hypothesis, len(p.hyps))
	for i, h := range p.hyps {
		out[len(p.hyps)-1-i] = h
	}
	return out
}
