// Package rewrite turns multi-turn dialogues into self-contained queries:
// it tokenizes, batches and caches requests around the beam decoder and
// the pointer oracle.
package rewrite

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-rewrite/internal/arrowio"
	"github.com/23skdu/longbow-rewrite/internal/beam"
	"github.com/23skdu/longbow-rewrite/internal/config"
	"github.com/23skdu/longbow-rewrite/internal/cpu"
	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/metrics"
	"github.com/23skdu/longbow-rewrite/internal/pointer"
	"github.com/23skdu/longbow-rewrite/internal/tokenizer"
)

// Model builds an oracle for a batch of encoded dialogues.
type Model interface {
	Oracle(sources []pointer.Source, beamWidth int) (beam.Oracle, error)
	VocabSize() int
}

type Request struct {
	ID    string   `json:"id"`
	Turns []string `json:"turns"`
}

type Response struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Tokens    []int   `json:"tokens"`
	Score     float64 `json:"score"`
	Truncated bool    `json:"truncated"`
	Cached    bool    `json:"cached"`
}

// Recorder observes every batch decode. *monitoring.HealthMonitor
// implements it.
type Recorder interface {
	RecordDecode(tokens int, duration time.Duration, err error)
}

type Option func(*Service)

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithSink forwards every freshly decoded response to sink.
func WithSink(sink arrowio.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

type Service struct {
	cfg      config.Config
	decode   config.Decode
	model    Model
	tok      *tokenizer.Tokenizer
	backend  *cpu.Context
	cache    *ttlcache.Cache[uint64, Response]
	group    singleflight.Group
	sink     arrowio.Sink
	recorder Recorder
	log      *logger.Logger
}

// New validates cfg against the model and tokenizer. A zero decode
// vocab_size is taken from the tokenizer.
func New(cfg config.Config, model Model, tok *tokenizer.Tokenizer, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decode := cfg.Decode
	if decode.VocabSize == 0 {
		decode.VocabSize = tok.Size()
	}
	if decode.VocabSize != tok.Size() || decode.VocabSize != model.VocabSize() {
		return nil, &config.ConfigurationError{
			Field:  "vocab_size",
			Value:  decode.VocabSize,
			Reason: fmt.Sprintf("tokenizer has %d tokens, model %d", tok.Size(), model.VocabSize()),
		}
	}
	if err := decode.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		decode:  decode,
		model:   model,
		tok:     tok,
		backend: cpu.NewContext(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Log.With("component", "rewrite")
	}
	// sampled rewrites depend on their batch, so they are never cached
	if cfg.CacheTTL > 0 && !decode.DoSample {
		s.cache = ttlcache.New[uint64, Response](
			ttlcache.WithTTL[uint64, Response](cfg.CacheTTL),
			ttlcache.WithCapacity[uint64, Response](cfg.CacheCapacity),
		)
		go s.cache.Start()
	}
	return s, nil
}

func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.Stop()
	}
	s.backend.Free()
	if s.sink != nil {
		return s.sink.Close()
	}
	return nil
}

type pending struct {
	key      uint64
	turns    []string
	ids      []int
	segments []int
	indices  []int // positions in the request slice
}

// Rewrite answers every request, in order. Identical dialogues inside one
// call are decoded once.
func (s *Service) Rewrite(ctx context.Context, reqs []Request) ([]Response, error) {
	start := time.Now()
	out := make([]Response, len(reqs))

	var misses []*pending
	byKey := make(map[uint64]*pending)
	for i, req := range reqs {
		ids, segments, err := s.tok.EncodeDialogue(req.Turns)
		if err != nil {
			return nil, fmt.Errorf("request %d (%s): %w", i, req.ID, err)
		}
		key := s.key(req.Turns)
		if p, ok := byKey[key]; ok {
			p.indices = append(p.indices, i)
			continue
		}
		if s.cache != nil {
			if item := s.cache.Get(key); item != nil {
				resp := item.Value()
				resp.Tokens = slices.Clone(resp.Tokens)
				resp.ID = req.ID
				resp.Cached = true
				out[i] = resp
				metrics.RecordCache("hit")
				continue
			}
			metrics.RecordCache("miss")
		}
		p := &pending{key: key, turns: req.Turns, ids: ids, segments: segments, indices: []int{i}}
		byKey[key] = p
		misses = append(misses, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for lo := 0; lo < len(misses); lo += s.cfg.MaxBatch {
		batch := misses[lo:min(lo+s.cfg.MaxBatch, len(misses))]
		g.Go(func() error {
			// The decode may be shared with other callers, so it must not
			// inherit this caller's cancellation.
			ch := s.group.DoChan(batchKey(batch), func() (interface{}, error) {
				dctx, cancel := s.decodeContext(gctx)
				defer cancel()
				return s.decodeBatch(dctx, batch)
			})
			var res singleflight.Result
			select {
			case <-gctx.Done():
				return gctx.Err()
			case res = <-ch:
			}
			if res.Err != nil {
				return res.Err
			}
			if res.Shared {
				s.log.Debug("batch decode shared", "size", len(batch))
			}
			for j, resp := range res.Val.([]Response) {
				for _, idx := range batch[j].indices {
					r := resp
					r.ID = reqs[idx].ID
					r.Tokens = slices.Clone(resp.Tokens)
					out[idx] = r
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.sink != nil && len(misses) > 0 {
		rows := make([]arrowio.Row, 0, len(reqs))
		for _, resp := range out {
			if !resp.Cached {
				rows = append(rows, resp.Row())
			}
		}
		if err := s.sink.Write(ctx, rows); err != nil {
			return nil, fmt.Errorf("sink: %w", err)
		}
	}

	s.log.Debug("rewrite finished",
		"requests", len(reqs),
		"decoded", len(misses),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// decodeContext detaches ctx from its cancellation and applies the
// service's own decode timeout.
func (s *Service) decodeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.DecodeTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.DecodeTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) decodeBatch(ctx context.Context, batch []*pending) ([]Response, error) {
	sources := make([]pointer.Source, len(batch))
	for i, p := range batch {
		sources[i] = pointer.Source{IDs: p.ids, Segments: p.segments}
	}
	oracle, err := s.model.Oracle(sources, s.decode.BeamWidth)
	if err != nil {
		return nil, fmt.Errorf("build oracle: %w", err)
	}
	driver, err := beam.NewDriver(s.decode, oracle, beam.WithBackend(s.backend), beam.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := driver.Decode(ctx, len(batch), nil)
	if s.recorder != nil {
		tokens := 0
		if res != nil {
			for _, row := range res.Tokens {
				tokens += len(trimPad(row, s.decode.PadTokenID))
			}
		}
		s.recorder.RecordDecode(tokens, time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("decode batch of %d: %w", len(batch), err)
	}

	out := make([]Response, len(batch))
	for i, row := range res.Tokens {
		tokens := trimPad(row, s.decode.PadTokenID)
		out[i] = Response{
			Text:      s.tok.Decode(tokens),
			Tokens:    tokens,
			Score:     res.Scores[i],
			Truncated: res.Truncated[i],
		}
		if s.cache != nil {
			cached := out[i]
			cached.Tokens = slices.Clone(cached.Tokens)
			s.cache.Set(batch[i].key, cached, ttlcache.DefaultTTL)
		}
	}
	return out, nil
}

// key identifies a dialogue under the service's decode options.
func (s *Service) key(turns []string) uint64 {
	d := xxhash.New()
	_, _ = fmt.Fprintf(d, "%+v", s.decode)
	for _, t := range turns {
		_, _ = d.WriteString("\x1f")
		_, _ = d.WriteString(t)
	}
	return d.Sum64()
}

func batchKey(batch []*pending) string {
	d := xxhash.New()
	var buf [8]byte
	for _, p := range batch {
		for i := range buf {
			buf[i] = byte(p.key >> (8 * i))
		}
		_, _ = d.Write(buf[:])
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

func trimPad(row []int, pad int) []int {
	n := len(row)
	for n > 0 && row[n-1] == pad {
		n--
	}
	return append([]int(nil), row[:n]...)
}

// Row converts r for the Arrow sinks.
func (r Response) Row() arrowio.Row {
	tokens := make([]int32, len(r.Tokens))
	for i, t := range r.Tokens {
		tokens[i] = int32(t)
	}
	return arrowio.Row{ID: r.ID, Text: r.Text, Tokens: tokens, Score: r.Score, Truncated: r.Truncated}
}
