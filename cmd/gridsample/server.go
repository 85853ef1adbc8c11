package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-gridsample/internal/codec"
	"github.com/23skdu/longbow-gridsample/internal/device"
	"github.com/23skdu/longbow-gridsample/internal/gridsample"
	"github.com/23skdu/longbow-gridsample/internal/sampling"
)

var (
	locationsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsample_locations_served_total",
		Help: "The total number of output locations returned to callers",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsample_request_duration_seconds",
		Help:    "Time spent processing HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

// errBadRequest marks request payloads that could not be decoded.
var errBadRequest = errors.New("bad request")

type EngineInterface interface {
	Sample(ctx context.Context, input, grid device.Tensor[float32]) (sampling.Result, error)
	Gradients(ctx context.Context, input, grid, gradOutput device.Tensor[float32]) (device.Tensor[float32], device.Tensor[float32], error)
	Backend() device.Backend[float32]
	Release(t device.Tensor[float32])
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	engine       EngineInterface
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	gate         *admission
	maxRequest   int64
	precision    codec.Precision
}

func NewServer(engine EngineInterface, fc FlightClientInterface, dataset string, gate *admission, maxRequest int64, precision codec.Precision) *Server {
	if gate == nil {
		gate = newAdmission(1)
	}
	return &Server{
		engine:       engine,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		gate:         gate,
		maxRequest:   maxRequest,
		precision:    precision,
	}
}

// Handler returns the HTTP routes served by s.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/sample", s.handleSample)
	mux.HandleFunc("/sample/arrow", s.handleSampleArrow)
	mux.HandleFunc("/gradients", s.handleGradients)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting grid sampling server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding outputs to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("gridsample-server")

func (s *Server) admit(ctx context.Context) (func(), error) {
	return s.gate.admit(ctx)
}

func (s *Server) body(w http.ResponseWriter, r *http.Request) {
	if s.maxRequest > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxRequest)
	}
}

func (s *Server) requestPrecision(p codec.Precision) (codec.Precision, error) {
	if p == "" {
		return s.precision, nil
	}
	got, err := codec.ParsePrecision(string(p))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return got, nil
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSample")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sample").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.body(w, r)

	var req codec.SampleRequest
	if err := codec.Decode(r.Body, &req); err != nil {
		writeError(w, span, fmt.Errorf("%w (CBOR decode): %w", errBadRequest, err))
		return
	}
	precision, err := s.requestPrecision(req.Precision)
	if err != nil {
		writeError(w, span, err)
		return
	}

	backend := s.engine.Backend()
	input, err := req.Input.Tensor(backend)
	if err != nil {
		writeError(w, span, fmt.Errorf("input: %w", err))
		return
	}
	grid, err := req.Grid.Tensor(backend)
	if err != nil {
		writeError(w, span, fmt.Errorf("grid: %w", err))
		return
	}
	span.SetAttributes(
		attribute.IntSlice("input.shape", input.Shape()),
		attribute.IntSlice("grid.shape", grid.Shape()),
	)

	release, err := s.admit(ctx)
	if err != nil {
		writeError(w, span, err)
		return
	}
	defer release()

	res, err := s.engine.Sample(ctx, input, grid)
	if err != nil {
		writeError(w, span, err)
		return
	}
	defer s.engine.Release(res.Output)
	locationsServed.Add(float64(gridLocations(grid)))

	s.forward(ctx, codec.NamedTensor{Name: codec.NameOutput, Tensor: res.Output})

	writeCBOR(w, span, codec.SampleResponse{
		Output: codec.EncodeTensor(res.Output, precision),
		Cached: res.Cached,
	})
}

func (s *Server) handleGradients(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleGradients")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("gradients").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.body(w, r)

	var req codec.GradientRequest
	if err := codec.Decode(r.Body, &req); err != nil {
		writeError(w, span, fmt.Errorf("%w (CBOR decode): %w", errBadRequest, err))
		return
	}
	precision, err := s.requestPrecision(req.Precision)
	if err != nil {
		writeError(w, span, err)
		return
	}

	backend := s.engine.Backend()
	input, err := req.Input.Tensor(backend)
	if err != nil {
		writeError(w, span, fmt.Errorf("input: %w", err))
		return
	}
	grid, err := req.Grid.Tensor(backend)
	if err != nil {
		writeError(w, span, fmt.Errorf("grid: %w", err))
		return
	}
	gradOutput, err := req.GradOutput.Tensor(backend)
	if err != nil {
		writeError(w, span, fmt.Errorf("grad_output: %w", err))
		return
	}

	release, err := s.admit(ctx)
	if err != nil {
		writeError(w, span, err)
		return
	}
	defer release()

	gradInput, gradGrid, err := s.engine.Gradients(ctx, input, grid, gradOutput)
	if err != nil {
		writeError(w, span, err)
		return
	}
	defer s.engine.Release(gradInput)
	defer s.engine.Release(gradGrid)

	writeCBOR(w, span, codec.GradientResponse{
		GradInput: codec.EncodeTensor(gradInput, precision),
		GradGrid:  codec.EncodeTensor(gradGrid, precision),
	})
}

// handleSampleArrow reads an Arrow IPC stream of tensor records, each holding
// an input and a grid row, and answers with one output row per record.
func (s *Server) handleSampleArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleSampleArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("sample_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.body(w, r)

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		writeError(w, span, fmt.Errorf("%w (IPC reader): %w", errBadRequest, err))
		return
	}
	defer reader.Release()

	release, err := s.admit(ctx)
	if err != nil {
		writeError(w, span, err)
		return
	}
	defer release()

	builder := codec.NewRecordBatchBuilder(s.alloc)
	var results []arrow.RecordBatch
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()

	for reader.Next() {
		tensors, err := codec.ReadTensors(reader.Record(), s.engine.Backend())
		if err != nil {
			writeError(w, span, err)
			return
		}
		input, ok := codec.Lookup(tensors, codec.NameInput)
		if !ok {
			writeError(w, span, fmt.Errorf("%w: record has no %q row", errBadRequest, codec.NameInput))
			return
		}
		grid, ok := codec.Lookup(tensors, codec.NameGrid)
		if !ok {
			writeError(w, span, fmt.Errorf("%w: record has no %q row", errBadRequest, codec.NameGrid))
			return
		}

		res, err := s.engine.Sample(ctx, input, grid)
		if err != nil {
			writeError(w, span, err)
			return
		}
		out := codec.NamedTensor{Name: codec.NameOutput, Tensor: res.Output}
		rec, err := builder.Build(out)
		if err == nil {
			s.forward(ctx, out)
		}
		s.engine.Release(res.Output)
		if err != nil {
			writeError(w, span, err)
			return
		}
		results = append(results, rec)
		locationsServed.Add(float64(gridLocations(grid)))
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		writeError(w, span, fmt.Errorf("%w (IPC stream): %w", errBadRequest, err))
		return
	}
	span.SetAttributes(attribute.Int("record_count", len(results)))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(codec.TensorSchema), ipc.WithAllocator(s.alloc))
	for _, rec := range results {
		if err := writer.Write(rec); err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow response")
			break
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow response")
	}
}

// forward pushes tensors to Longbow when a Flight client is configured.
// Failures are logged; callers still get their results.
func (s *Server) forward(ctx context.Context, tensors ...codec.NamedTensor) {
	if s.flightClient == nil {
		return
	}
	rec, err := codec.NewRecordBatchBuilder(s.alloc).Build(tensors...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build forward record")
		return
	}
	defer rec.Release()

	if err := s.flightClient.DoPut(ctx, s.datasetName, rec); err != nil {
		log.Error().Err(err).Msg("Error forwarding to Longbow")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func gridLocations(grid device.Tensor[float32]) int {
	if grid.Rank() != 4 {
		return 0
	}
	return grid.Dim(0) * grid.Dim(1) * grid.Dim(2)
}

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, codec.ErrMalformedTensor),
		errors.Is(err, gridsample.ErrInvalidShape):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeCBOR(w http.ResponseWriter, span trace.Span, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		writeError(w, span, fmt.Errorf("encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}
