// Package copymix builds pointer-network output distributions: attention
// over source positions scattered into vocabulary space and mixed by a
// learned gate.
package copymix

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Scatter adds weights[i] into dst[srcIDs[i]], so source positions sharing
// a token id pool their attention mass.
func Scatter(dst, weights []float64, srcIDs []int) error {
	if len(weights) != len(srcIDs) {
		return errors.Errorf("scatter: %d weights for %d source ids", len(weights), len(srcIDs))
	}
	for i, id := range srcIDs {
		if id < 0 || id >= len(dst) {
			return errors.Errorf("scatter: source id %d at position %d outside vocabulary of %d", id, i, len(dst))
		}
		dst[id] += weights[i]
	}
	return nil
}

// CopyDistribution scatters one attention row per decode position into a
// vocabulary-sized distribution.
func CopyDistribution(weights [][]float64, srcIDs []int, vocab int) ([][]float64, error) {
	out := make([][]float64, len(weights))
	for pos, w := range weights {
		out[pos] = make([]float64, vocab)
		if err := Scatter(out[pos], w, srcIDs); err != nil {
			return nil, errors.Wrapf(err, "decode position %d", pos)
		}
	}
	return out, nil
}

// Mix writes gate*query + (1-gate)*content into dst.
func Mix(dst []float64, gate float64, query, content []float64) error {
	if len(query) != len(dst) || len(content) != len(dst) {
		return errors.Errorf("mix: length mismatch dst=%d query=%d content=%d", len(dst), len(query), len(content))
	}
	if gate < 0 || gate > 1 || math.IsNaN(gate) {
		return errors.Errorf("mix: gate %v outside [0, 1]", gate)
	}
	floats.ScaleTo(dst, gate, query)
	floats.AddScaled(dst, 1-gate, content)
	return nil
}

// MaskedSoftmax writes softmax(logits + bias) into dst. Positions with a
// -Inf bias get zero weight; a fully masked row yields all zeros.
func MaskedSoftmax(dst, logits, bias []float64) {
	copy(dst, logits)
	if bias != nil {
		floats.Add(dst, bias)
	}
	lse := floats.LogSumExp(dst)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		clear(dst)
		return
	}
	for i, v := range dst {
		dst[i] = math.Exp(v - lse)
	}
}

// Attention writes the masked softmax of q·k_j/sqrt(d) + bias_j over the
// keys into dst.
func Attention(dst, query []float64, keys [][]float64, bias []float64) {
	scale := 1 / math.Sqrt(float64(len(query)))
	for j, k := range keys {
		dst[j] = floats.Dot(query, k) * scale
	}
	MaskedSoftmax(dst, dst, bias)
}

// Attend writes the attention-weighted sum of values into dst.
func Attend(dst []float64, weights []float64, values [][]float64) {
	clear(dst)
	for j, w := range weights {
		if w != 0 {
			floats.AddScaled(dst, w, values[j])
		}
	}
}

// Gate returns sigmoid(w·features + b).
func Gate(features, w []float64, b float64) float64 {
	return 1 / (1 + math.Exp(-(floats.Dot(features, w) + b)))
}

// SegmentBias is 0 for positions whose segment equals visible and -Inf
// elsewhere.
func SegmentBias(segments []int, visible int) []float64 {
	bias := make([]float64, len(segments))
	for i, s := range segments {
		if s != visible {
			bias[i] = math.Inf(-1)
		}
	}
	return bias
}
