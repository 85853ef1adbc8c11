package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-gridsample/internal/client"
	"github.com/23skdu/longbow-gridsample/internal/codec"
)

var flightExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gridsample_flight_exchanges_total",
	Help: "Flight DoExchange calls by path and outcome",
}, []string{"path", "status"})

type SamplerFlightServer struct {
	flight.BaseFlightServer
	engine EngineInterface
	gate   *admission
	alloc  memory.Allocator
}

// NewSamplerFlightServer serves exchanges through engine. Each record batch
// holds a slot of gate while it is sampled.
func NewSamplerFlightServer(engine EngineInterface, gate *admission) *SamplerFlightServer {
	if gate == nil {
		gate = newAdmission(1)
	}
	return &SamplerFlightServer{
		engine: engine,
		gate:   gate,
		alloc:  memory.NewGoAllocator(),
	}
}

// DoExchange reads tensor records and answers each one on the same stream.
// The descriptor path selects the pass: "sample" or "gradients".
func (s *SamplerFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read exchange: %v", err)
	}
	defer reader.Release()

	path := ""
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.GetPath()) > 0 {
		path = desc.GetPath()[0]
	}
	span.SetAttributes(attribute.String("path", path))
	if path != client.PathSample && path != client.PathGradients {
		flightExchanges.WithLabelValues("unknown", "error").Inc()
		return status.Errorf(codes.InvalidArgument, "unknown exchange path %q", path)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(codec.TensorSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	builder := codec.NewRecordBatchBuilder(s.alloc)
	start := time.Now()
	batches := 0
	for reader.Next() {
		tensors, err := codec.ReadTensors(reader.Record(), s.engine.Backend())
		if err != nil {
			flightExchanges.WithLabelValues(path, "error").Inc()
			return status.Error(codes.InvalidArgument, err.Error())
		}

		release, err := s.gate.admit(ctx)
		if err != nil {
			flightExchanges.WithLabelValues(path, "error").Inc()
			return status.Error(codes.Unavailable, err.Error())
		}
		var out []codec.NamedTensor
		switch path {
		case client.PathSample:
			out, err = s.sample(ctx, tensors)
		case client.PathGradients:
			out, err = s.gradients(ctx, tensors)
		}
		release()
		if err != nil {
			flightExchanges.WithLabelValues(path, "error").Inc()
			span.RecordError(err)
			return status.Error(grpcCode(err), err.Error())
		}

		rec, err := builder.Build(out...)
		for _, nt := range out {
			s.engine.Release(nt.Tensor)
		}
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		batches++
	}
	if err := reader.Err(); err != nil {
		flightExchanges.WithLabelValues(path, "error").Inc()
		return err
	}

	flightExchanges.WithLabelValues(path, "ok").Inc()
	log.Debug().
		Str("path", path).
		Int("batches", batches).
		Dur("elapsed", time.Since(start)).
		Msg("DoExchange complete")
	return nil
}

func StartFlightServer(addr string, engine EngineInterface, gate *admission) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewSamplerFlightServer(engine, gate))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting grid sampling Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}

func lookupAll(tensors []codec.NamedTensor, names ...string) ([]codec.NamedTensor, error) {
	found := make([]codec.NamedTensor, len(names))
	for i, name := range names {
		t, ok := codec.Lookup(tensors, name)
		if !ok {
			return nil, fmt.Errorf("%w: record has no %q row", errBadRequest, name)
		}
		found[i] = codec.NamedTensor{Name: name, Tensor: t}
	}
	return found, nil
}

func (s *SamplerFlightServer) sample(ctx context.Context, tensors []codec.NamedTensor) ([]codec.NamedTensor, error) {
	in, err := lookupAll(tensors, codec.NameInput, codec.NameGrid)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Sample(ctx, in[0].Tensor, in[1].Tensor)
	if err != nil {
		return nil, err
	}
	locationsServed.Add(float64(gridLocations(in[1].Tensor)))
	return []codec.NamedTensor{{Name: codec.NameOutput, Tensor: res.Output}}, nil
}

func (s *SamplerFlightServer) gradients(ctx context.Context, tensors []codec.NamedTensor) ([]codec.NamedTensor, error) {
	in, err := lookupAll(tensors, codec.NameInput, codec.NameGrid, codec.NameGradOutput)
	if err != nil {
		return nil, err
	}
	gradInput, gradGrid, err := s.engine.Gradients(ctx, in[0].Tensor, in[1].Tensor, in[2].Tensor)
	if err != nil {
		return nil, err
	}
	return []codec.NamedTensor{
		{Name: codec.NameGradInput, Tensor: gradInput},
		{Name: codec.NameGradGrid, Tensor: gradGrid},
	}, nil
}

// grpcCode maps an error to its gRPC status code.
func grpcCode(err error) codes.Code {
	switch statusFor(err) {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
