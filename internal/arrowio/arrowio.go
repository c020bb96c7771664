// Package arrowio stores rewrite results as Arrow record batches and ships
// them over IPC streams or Arrow Flight.
package arrowio

import (
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Row is one rewritten dialogue.
type Row struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Tokens    []int32 `json:"tokens"`
	Score     float64 `json:"score"`
	Truncated bool    `json:"truncated"`
}

var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
	{Name: "score", Type: arrow.PrimitiveTypes.Float64},
	{Name: "truncated", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// BuildRecord converts rows into a record batch. The caller releases it.
func BuildRecord(mem memory.Allocator, rows []Row) arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()
	b.Reserve(len(rows))

	ids := b.Field(0).(*array.StringBuilder)
	texts := b.Field(1).(*array.StringBuilder)
	tokens := b.Field(2).(*array.ListBuilder)
	tokenValues := tokens.ValueBuilder().(*array.Int32Builder)
	scores := b.Field(3).(*array.Float64Builder)
	truncated := b.Field(4).(*array.BooleanBuilder)

	for _, r := range rows {
		ids.Append(r.ID)
		texts.Append(r.Text)
		tokens.Append(true)
		tokenValues.AppendValues(r.Tokens, nil)
		scores.Append(r.Score)
		truncated.Append(r.Truncated)
	}
	return b.NewRecord()
}

// ReadRows converts a record batch with Schema back into rows. The rows
// do not reference the record's buffers.
func ReadRows(rec arrow.Record) ([]Row, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}
	ids, ok1 := rec.Column(0).(*array.String)
	texts, ok2 := rec.Column(1).(*array.String)
	tokens, ok3 := rec.Column(2).(*array.List)
	scores, ok4 := rec.Column(3).(*array.Float64)
	truncated, ok5 := rec.Column(4).(*array.Boolean)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("unexpected column types")
	}
	values, ok := tokens.ListValues().(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("unexpected token value type %s", tokens.ListValues().DataType())
	}

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		start, end := tokens.ValueOffsets(i)
		toks := make([]int32, 0, end-start)
		for j := start; j < end; j++ {
			toks = append(toks, values.Value(int(j)))
		}
		rows[i] = Row{
			ID:        strings.Clone(ids.Value(i)),
			Text:      strings.Clone(texts.Value(i)),
			Tokens:    toks,
			Score:     scores.Value(i),
			Truncated: truncated.Value(i),
		}
	}
	return rows, nil
}

// WriteIPC writes rows to w as a single-batch Arrow IPC stream.
func WriteIPC(w io.Writer, rows []Row) error {
	mem := memory.DefaultAllocator
	rec := BuildRecord(mem, rows)
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return iw.Close()
}

// ReadIPC reads every batch of an Arrow IPC stream written by WriteIPC.
func ReadIPC(r io.Reader) ([]Row, error) {
	rdr, err := ipc.NewReader(r, ipc.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	var rows []Row
	for rdr.Next() {
		batch, err := ReadRows(rdr.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return rows, nil
}
