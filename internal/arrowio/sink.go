package arrowio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-rewrite/internal/logger"
	"github.com/23skdu/longbow-rewrite/internal/metrics"
)

// Sink receives finished rewrite rows.
type Sink interface {
	Write(ctx context.Context, rows []Row) error
	Close() error
}

// MemorySink keeps every row in memory.
type MemorySink struct {
	mu   sync.Mutex
	rows []Row
}

func (s *MemorySink) Write(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	metrics.RecordSink("memory", len(rows), nil)
	return nil
}

func (s *MemorySink) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

func (s *MemorySink) Close() error { return nil }

// FlightSink uploads rows to an Arrow Flight server with DoPut, one stream
// per Write, under the descriptor path Path.
type FlightSink struct {
	client  flight.Client
	addr    string
	path    string
	timeout time.Duration
	mem     memory.Allocator
}

// NewFlightSink dials addr. The connection is lazy; errors surface on the
// first Write.
func NewFlightSink(addr, path string, opts ...grpc.DialOption) (*FlightSink, error) {
	if addr == "" {
		return nil, errors.New("flight address is empty")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightSink{
		client:  client,
		addr:    addr,
		path:    path,
		timeout: 30 * time.Second,
		mem:     memory.DefaultAllocator,
	}, nil
}

func (s *FlightSink) Write(ctx context.Context, rows []Row) (err error) {
	defer func() { metrics.RecordSink("flight", len(rows), err) }()
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	rec := BuildRecord(s.mem, rows)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(s.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{s.path}})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	// drain put results until the server ends the call
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	logger.Log.Debug("rows uploaded", "addr", s.addr, "path", s.path, "rows", len(rows))
	return nil
}

func (s *FlightSink) Close() error {
	return s.client.Close()
}
