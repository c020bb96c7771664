package beam

import (
	"context"
	"math/rand/v2"
)

// Cache is the oracle's recurrent state. The driver never inspects it; it
// only threads the value returned by one Score call into the next.
type Cache interface{}

// Reorderer is implemented by caches holding per-slot state. After every
// step the driver calls Reorder with the parent slot of each new slot.
type Reorderer interface {
	Reorder(parents []int)
}

// Oracle scores the next token for every live slot. It receives one tape
// per slot (batch*width of them, start token first) and must return one
// row of vocab_size scores per tape. -Inf marks a token as impossible.
type Oracle interface {
	Score(ctx context.Context, tapes [][]int, step int, cache Cache) ([][]float64, Cache, error)
}

type OracleFunc func(ctx context.Context, tapes [][]int, step int, cache Cache) ([][]float64, Cache, error)

func (f OracleFunc) Score(ctx context.Context, tapes [][]int, step int, cache Cache) ([][]float64, Cache, error) {
	return f(ctx, tapes, step, cache)
}

// Backend is the numeric kernel set beam search runs on.
type Backend interface {
	GetRow(n int) []float64
	PutRow(r []float64)
	LogSoftmax(dst, src []float64)
	TopK(n, k int, better func(a, b int) bool) []int
	Sample(weights []float64, k int, src rand.Source) []int
}
