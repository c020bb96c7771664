package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDecode(t *testing.T) {
	before := testutil.ToFloat64(DecodeCallsTotal.WithLabelValues("beam"))
	tokensBefore := TotalTokens()

	RecordDecode("beam", 2, 5, 7, 20*time.Millisecond)

	if got := testutil.ToFloat64(DecodeCallsTotal.WithLabelValues("beam")); got != before+1 {
		t.Errorf("expected beam calls %v, got %v", before+1, got)
	}
	if got := TotalTokens(); got != tokensBefore+7 {
		t.Errorf("expected total tokens %d, got %d", tokensBefore+7, got)
	}
}

func TestRecordDecodeError(t *testing.T) {
	before := testutil.ToFloat64(DecodeErrorsTotal.WithLabelValues("oracle"))
	RecordDecodeError("oracle")
	if got := testutil.ToFloat64(DecodeErrorsTotal.WithLabelValues("oracle")); got != before+1 {
		t.Errorf("expected %v oracle errors, got %v", before+1, got)
	}
}

func TestRecordHypothesis(t *testing.T) {
	eos := testutil.ToFloat64(HypothesesFinalized.WithLabelValues("eos"))
	evictions := testutil.ToFloat64(PoolEvictions)

	RecordHypothesis("eos", false)
	RecordHypothesis("eos", true)

	if got := testutil.ToFloat64(HypothesesFinalized.WithLabelValues("eos")); got != eos+2 {
		t.Errorf("expected %v eos hypotheses, got %v", eos+2, got)
	}
	if got := testutil.ToFloat64(PoolEvictions); got != evictions+1 {
		t.Errorf("expected %v evictions, got %v", evictions+1, got)
	}
}

func TestRecordTruncated(t *testing.T) {
	before := testutil.ToFloat64(TruncatedTotal)
	RecordTruncated(0)
	RecordTruncated(3)
	if got := testutil.ToFloat64(TruncatedTotal); got != before+3 {
		t.Errorf("expected %v truncated, got %v", before+3, got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nan := testutil.ToFloat64(NumericalInstability.WithLabelValues("nan"))
	RecordNumericalInstability(2, 0)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("nan")); got != nan+2 {
		t.Errorf("expected %v nan, got %v", nan+2, got)
	}
}

func TestRecordSink(t *testing.T) {
	ok := testutil.ToFloat64(SinkRowsTotal.WithLabelValues("memory", "ok"))
	failed := testutil.ToFloat64(SinkRowsTotal.WithLabelValues("memory", "error"))

	RecordSink("memory", 4, nil)
	RecordSink("memory", 2, errors.New("unavailable"))

	if got := testutil.ToFloat64(SinkRowsTotal.WithLabelValues("memory", "ok")); got != ok+4 {
		t.Errorf("expected %v ok rows, got %v", ok+4, got)
	}
	if got := testutil.ToFloat64(SinkRowsTotal.WithLabelValues("memory", "error")); got != failed+2 {
		t.Errorf("expected %v failed rows, got %v", failed+2, got)
	}
}

func TestRecordMisc(t *testing.T) {
	// no assertions, these only need to accept their inputs
	RecordOracle(time.Millisecond)
	RecordCache("hit")
	RecordCache("miss")
	RecordTokenizerEncode(12, 1)
	RecordTokenizerEncode(12, 0)
}
