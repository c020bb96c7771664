package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	DecodeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_decode_calls_total",
		Help: "Decode calls by strategy (greedy, beam, sample)",
	}, []string{"mode"})

	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_decode_errors_total",
		Help: "Failed decode calls by error kind",
	}, []string{"kind"})

	DecodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rewrite_decode_duration_seconds",
		Help:    "Wall time of one decode call",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	DecodeSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewrite_decode_steps",
		Help:    "Number of decode steps executed per call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewrite_generated_tokens_total",
		Help: "Tokens emitted in best hypotheses, EOS included",
	})

	OracleDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "rewrite_oracle_duration_seconds",
		Help: "Duration of scoring oracle calls",
	})

	HypothesesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_hypotheses_finalized_total",
		Help: "Hypotheses admitted to a pool, by reason (eos, flush)",
	}, []string{"reason"})

	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewrite_pool_evictions_total",
		Help: "Hypotheses evicted from a full pool by a better one",
	})

	TruncatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewrite_decode_truncated_total",
		Help: "Batch elements that reached max_decode_length without EOS",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_numerical_instability_total",
		Help: "NaN/Inf values rejected in oracle output",
	}, []string{"type"})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewrite_batch_size",
		Help:    "Batch elements per decode call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_cache_requests_total",
		Help: "Rewrite cache lookups by result (hit, miss, shared)",
	}, []string{"result"})

	SinkRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rewrite_sink_rows_total",
		Help: "Result rows forwarded to a sink",
	}, []string{"sink", "status"})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rewrite_tokenizer_unknown_tokens_total",
		Help: "Input pieces mapped to the unknown token",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rewrite_tokenizer_encode_length",
		Help:    "Source length in tokens after dialogue encoding",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512},
	})
)

func RecordDecode(mode string, batch, steps, tokens int, duration time.Duration) {
	DecodeCallsTotal.WithLabelValues(mode).Inc()
	DecodeDuration.WithLabelValues(mode).Observe(duration.Seconds())
	DecodeSteps.Observe(float64(steps))
	BatchSize.Observe(float64(batch))
	GeneratedTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
}

func RecordDecodeError(kind string) {
	DecodeErrorsTotal.WithLabelValues(kind).Inc()
}

func RecordOracle(duration time.Duration) {
	OracleDuration.Observe(duration.Seconds())
}

func RecordHypothesis(reason string, evicted bool) {
	HypothesesFinalized.WithLabelValues(reason).Inc()
	if evicted {
		PoolEvictions.Inc()
	}
}

func RecordTruncated(n int) {
	if n > 0 {
		TruncatedTotal.Add(float64(n))
	}
}

func RecordNumericalInstability(nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues("nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues("inf").Add(float64(infCount))
	}
}

func RecordCache(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}

func RecordSink(sink string, rows int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	SinkRowsTotal.WithLabelValues(sink, status).Add(float64(rows))
}

// RecordTokenizerEncode records dialogue encoding metrics
func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}

// TotalTokens returns the process lifetime count of generated tokens.
func TotalTokens() int64 {
	return totalTokens.Load()
}
