package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-gridsample/internal/codec"
	"github.com/23skdu/longbow-gridsample/internal/device"
)

// Exchange paths understood by the sampling Flight service.
const (
	PathSample    = "sample"
	PathGradients = "gradients"
)

var forwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gridsample_forward_total",
	Help: "Record batches forwarded over Flight DoPut by outcome",
}, []string{"status"})

// FlightClient talks to a Flight server: it forwards record batches to
// Longbow datasets with DoPut and runs remote sampling with DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	backend device.Backend[float32]
	breaker *CircuitBreaker
}

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithCircuitBreaker replaces the default breaker guarding DoPut.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *FlightClient) { c.breaker = cb }
}

// WithBackend sets the backend tensors received from DoExchange are copied onto.
func WithBackend(b device.Backend[float32]) Option {
	return func(c *FlightClient) { c.backend = b }
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		backend: device.NewCPUBackend[float32](),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server.
// Calls are rejected with ErrCircuitOpen while the remote keeps failing.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	dataset := NormalizeDataset(datasetName)
	if dataset == "" {
		return fmt.Errorf("invalid dataset name %q", datasetName)
	}

	err := c.breaker.Execute(func() error {
		return c.put(ctx, dataset, record)
	})
	switch {
	case err == nil:
		forwardsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrCircuitOpen):
		forwardsTotal.WithLabelValues("rejected").Inc()
	default:
		forwardsTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", c.breaker.State().String()).Msg("DoPut failed")
	}
	return err
}

func (c *FlightClient) put(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()), ipc.WithAllocator(c.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	// Drain acknowledgements until the server finishes the call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends tensors to the given DoExchange path and returns the
// tensors the server streams back.
func (c *FlightClient) Exchange(ctx context.Context, path string, tensors ...codec.NamedTensor) ([]codec.NamedTensor, error) {
	rec, err := codec.NewRecordBatchBuilder(c.alloc).Build(tensors...)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	sent := make(chan error, 1)
	go func() {
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.alloc))
		writer.SetFlightDescriptor(&flight.FlightDescriptor{
			Type: flight.DescriptorPATH,
			Path: []string{path},
		})
		err := writer.Write(rec)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		if cerr := stream.CloseSend(); err == nil {
			err = cerr
		}
		sent <- err
	}()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, fmt.Errorf("read exchange: %w", err)
	}
	defer reader.Release()

	var out []codec.NamedTensor
	for reader.Next() {
		got, err := codec.ReadTensors(reader.Record(), c.backend)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read exchange: %w", err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("write exchange: %w", err)
	}
	return out, nil
}

// Sample runs a forward pass on the remote sampler.
func (c *FlightClient) Sample(ctx context.Context, input, grid device.Tensor[float32]) (device.Tensor[float32], error) {
	got, err := c.Exchange(ctx, PathSample,
		codec.NamedTensor{Name: codec.NameInput, Tensor: input},
		codec.NamedTensor{Name: codec.NameGrid, Tensor: grid},
	)
	if err != nil {
		return nil, err
	}
	output, ok := codec.Lookup(got, codec.NameOutput)
	if !ok {
		return nil, fmt.Errorf("%w: response has no %q tensor", codec.ErrMalformedTensor, codec.NameOutput)
	}
	return output, nil
}

// Gradients runs a backward pass on the remote sampler.
func (c *FlightClient) Gradients(ctx context.Context, input, grid, gradOutput device.Tensor[float32]) (gradInput, gradGrid device.Tensor[float32], err error) {
	got, err := c.Exchange(ctx, PathGradients,
		codec.NamedTensor{Name: codec.NameInput, Tensor: input},
		codec.NamedTensor{Name: codec.NameGrid, Tensor: grid},
		codec.NamedTensor{Name: codec.NameGradOutput, Tensor: gradOutput},
	)
	if err != nil {
		return nil, nil, err
	}
	gradInput, ok := codec.Lookup(got, codec.NameGradInput)
	if !ok {
		return nil, nil, fmt.Errorf("%w: response has no %q tensor", codec.ErrMalformedTensor, codec.NameGradInput)
	}
	gradGrid, ok = codec.Lookup(got, codec.NameGradGrid)
	if !ok {
		return nil, nil, fmt.Errorf("%w: response has no %q tensor", codec.ErrMalformedTensor, codec.NameGradGrid)
	}
	return gradInput, gradGrid, nil
}

// Breaker returns the circuit breaker guarding DoPut.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// NormalizeDataset folds a dataset name to the form Longbow stores: accents
// stripped, lower case, and anything outside [a-z0-9_-] replaced by '_'.
func NormalizeDataset(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.TrimSpace(name))
	if err != nil {
		folded = name
	}

	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, folded)
}
