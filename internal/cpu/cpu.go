// Package cpu is the pure-Go numeric backend used by the decoder: pooled
// score rows plus the batched kernels beam search needs (log-softmax,
// top-k selection, weighted sampling).
package cpu

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/trees/binaryheap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Context struct {
	mu        sync.Mutex
	pool      map[int][][]float64
	allocated atomic.Int64
}

func NewContext() *Context {
	return &Context{
		pool: make(map[int][][]float64),
	}
}

// Free drops every pooled row.
func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rows := range c.pool {
		for _, r := range rows {
			c.allocated.Add(-int64(cap(r) * 8))
		}
	}
	c.pool = make(map[int][][]float64)
}

// AllocatedBytes reports bytes currently held by rows handed out or pooled.
func (c *Context) AllocatedBytes() int64 {
	return c.allocated.Load()
}

// GetRow returns a zeroed row of length n, reusing a pooled one if possible.
func (c *Context) GetRow(n int) []float64 {
	c.mu.Lock()
	rows := c.pool[n]
	if len(rows) > 0 {
		r := rows[len(rows)-1]
		c.pool[n] = rows[:len(rows)-1]
		c.mu.Unlock()
		clear(r)
		return r
	}
	c.mu.Unlock()
	c.allocated.Add(int64(n * 8))
	return make([]float64, n)
}

func (c *Context) PutRow(r []float64) {
	if r == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[len(r)] = append(c.pool[len(r)], r)
}

// LogSoftmax writes log(softmax(src)) into dst. -Inf entries stay -Inf; a
// row with no finite entry comes out all -Inf instead of NaN.
func (c *Context) LogSoftmax(dst, src []float64) {
	lse := floats.LogSumExp(src)
	if math.IsInf(lse, -1) {
		for i := range dst {
			dst[i] = math.Inf(-1)
		}
		return
	}
	copy(dst, src)
	floats.AddConst(-lse, dst)
}

// Softmax writes softmax(src) into dst with the same -Inf handling as
// LogSoftmax (an all -Inf row becomes all zeros).
func (c *Context) Softmax(dst, src []float64) {
	c.LogSoftmax(dst, src)
	for i, v := range dst {
		dst[i] = math.Exp(v)
	}
}

// TopK returns up to k indices in [0, n) ordered best first, where better
// reports whether index a ranks strictly ahead of index b. better must be
// a strict total order for the result to be deterministic.
func (c *Context) TopK(n, k int, better func(a, b int) bool) []int {
	if k <= 0 || n <= 0 {
		return nil
	}
	// root is the worst of the kept indices
	h := binaryheap.NewWith(func(a, b interface{}) int {
		x, y := a.(int), b.(int)
		switch {
		case better(y, x):
			return -1
		case better(x, y):
			return 1
		}
		return 0
	})
	for i := 0; i < n; i++ {
		if h.Size() < k {
			h.Push(i)
			continue
		}
		worst, _ := h.Peek()
		if better(i, worst.(int)) {
			h.Pop()
			h.Push(i)
		}
	}
	out := make([]int, h.Size())
	for j := len(out) - 1; j >= 0; j-- {
		v, _ := h.Pop()
		out[j] = v.(int)
	}
	return out
}

// Argmax returns the index of the largest entry, the lowest index on ties.
func (c *Context) Argmax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MaxIdx(x)
}

// MatVec computes dst = m·x for a row-major matrix.
func (c *Context) MatVec(dst []float64, m [][]float64, x []float64) {
	for i, row := range m {
		dst[i] = floats.Dot(row, x)
	}
}

// Sample draws up to k distinct indices with probability proportional to
// weights. Zero weights are never drawn.
func (c *Context) Sample(weights []float64, k int, src rand.Source) []int {
	w := sampleuv.NewWeighted(weights, src)
	out := make([]int, 0, k)
	for len(out) < k {
		idx, ok := w.Take()
		if !ok {
			break
		}
		out = append(out, idx)
	}
	return out
}
