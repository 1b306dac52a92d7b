package far

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	actionAlloc = "alloc"
	actionFree  = "free"
)

// pageSchema is the wire shape of one page: a single Float32 column.
var pageSchema = arrow.NewSchema([]arrow.Field{
	{Name: "page", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// FlightTransport speaks Arrow Flight to a longbow far-memory server.
// Allocations are DoAction calls; pages move as Float32 record batches
// through DoGet/DoPut, one page per ticket.
type FlightTransport struct {
	client  flight.Client
	timeout time.Duration
}

// NewFlightTransport dials the Flight data port.
func NewFlightTransport(addr string) (*FlightTransport, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client for %s: %w", addr, err)
	}
	return &FlightTransport{
		client:  client,
		timeout: 30 * time.Second,
	}, nil
}

func (t *FlightTransport) Alloc(ctx context.Context, pages int) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(pages))
	stream, err := t.client.DoAction(ctx, &flight.Action{Type: actionAlloc, Body: body})
	if err != nil {
		return 0, fmt.Errorf("alloc action failed: %w", err)
	}
	res, err := stream.Recv()
	if err != nil {
		return 0, fmt.Errorf("alloc result failed: %w", err)
	}
	if len(res.Body) < 8 {
		return 0, fmt.Errorf("short alloc result: %d bytes", len(res.Body))
	}
	return Handle(binary.LittleEndian.Uint64(res.Body)), nil
}

func (t *FlightTransport) Free(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, uint64(h))
	stream, err := t.client.DoAction(ctx, &flight.Action{Type: actionFree, Body: body})
	if err != nil {
		return fmt.Errorf("free action failed: %w", err)
	}
	// Drain the acknowledgement.
	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return fmt.Errorf("free result failed: %w", err)
	}
	return nil
}

func (t *FlightTransport) ReadPage(ctx context.Context, h Handle, page int, dst []float32) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stream, err := t.client.DoGet(ctx, &flight.Ticket{Ticket: pageTicket(h, page)})
	if err != nil {
		return fmt.Errorf("DoGet of page %d/%d failed: %w", h, page, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("failed to open record reader: %w", err)
	}
	defer rdr.Release()

	n := 0
	for rdr.Next() {
		rec := rdr.Record()
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return fmt.Errorf("page %d/%d: column 0 is %s, want float32", h, page, rec.Column(0).DataType())
		}
		n += copy(dst[n:], col.Float32Values())
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("stream of page %d/%d failed: %w", h, page, err)
	}
	if n != len(dst) {
		return fmt.Errorf("short page %d/%d: got %d of %d elements", h, page, n, len(dst))
	}
	return nil
}

func (t *FlightTransport) WritePage(ctx context.Context, h Handle, page int, src []float32) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stream, err := t.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("DoPut of page %d/%d failed: %w", h, page, err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(pageSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  pageTicket(h, page),
	})

	b := array.NewFloat32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(src, nil)
	arr := b.NewFloat32Array()
	rec := array.NewRecord(pageSchema, []arrow.Array{arr}, int64(arr.Len()))

	werr := wr.Write(rec)
	rec.Release()
	arr.Release()
	if werr != nil {
		wr.Close()
		return fmt.Errorf("write of page %d/%d failed: %w", h, page, werr)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("close of page %d/%d writer failed: %w", h, page, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close-send of page %d/%d failed: %w", h, page, err)
	}
	// Drain the server acknowledgement.
	if _, err := stream.Recv(); err != nil && err != io.EOF {
		return fmt.Errorf("put result of page %d/%d failed: %w", h, page, err)
	}
	return nil
}

func (t *FlightTransport) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// pageTicket encodes (handle, page) as a 16-byte ticket.
func pageTicket(h Handle, page int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, uint64(h))
	binary.LittleEndian.PutUint64(b[8:], uint64(page))
	return b
}
