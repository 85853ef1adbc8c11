package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-gridsample/internal/client"
	"github.com/23skdu/longbow-gridsample/internal/codec"
	"github.com/23skdu/longbow-gridsample/internal/sampling"
)

var (
	cpuProfile       = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	serverAddr       = flag.String("server", "", "Longbow server address for forwarding outputs (e.g., localhost:3000)")
	datasetName      = flag.String("dataset", "gridsample_outputs", "Target dataset name on server")
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent    = flag.Int("max-concurrent", 64, "Maximum number of requests sampled concurrently")
	maxRequest       = flag.String("max-request", "256MB", "Maximum HTTP request body size (e.g. 64MB, 512KB)")
	workers          = flag.Int("workers", 0, "Goroutines per sampling pass (0 = one per CPU)")
	cacheEntries     = flag.Int("cache-entries", sampling.DefaultConfig().CacheEntries, "Cached forward results (0 disables the cache)")
	enableOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	flagTransportFmt = flag.String("transport-fmt", "fp32", "Transport format for tensors: 'fp32' (default) or 'fp16'")
	demo             = flag.Int("demo", 0, "Sample N random jobs and write the outputs as an Arrow IPC stream to stdout")
	duration         = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

// parseBytes reads sizes such as 4GB, 100MB or 1024. Empty and "0" mean no
// limit.
func parseBytes(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	digits := strings.TrimRightFunc(s, unicode.IsLetter)
	val, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	var scale int64
	switch unit := s[len(digits):]; unit {
	case "GB", "G":
		scale = 1 << 30
	case "MB", "M":
		scale = 1 << 20
	case "KB", "K":
		scale = 1 << 10
	case "", "B":
		scale = 1
	default:
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unit)
	}
	if val > math.MaxInt64/scale {
		return 0, fmt.Errorf("invalid size %q: too large", s)
	}
	return val * scale, nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	precision, err := codec.ParsePrecision(*flagTransportFmt)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transport format")
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg := sampling.DefaultConfig()
	cfg.Workers = *workers
	cfg.CacheEntries = *cacheEntries
	engine := sampling.NewEngine(cfg)

	var fc *client.FlightClient
	if *serverAddr != "" {
		fc, err = client.NewFlightClient(*serverAddr, client.WithBackend(engine.Backend()))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", client.NormalizeDataset(*datasetName)).Msg("Connected to Flight Server")
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		gate := newAdmission(*maxConcurrent)
		registerAdmissionMetrics(gate)

		if *listenAddr != "" {
			var fcInterface FlightClientInterface
			if fc != nil {
				fcInterface = fc
			}
			maxRequestBytes, err := parseBytes(*maxRequest)
			if err != nil {
				log.Fatal().Err(err).Str("max_request", *maxRequest).Msg("Invalid request size limit")
			}
			log.Info().Str("max_request", *maxRequest).Int64("bytes", maxRequestBytes).Msg("Request size limit")

			srv := NewServer(engine, fcInterface, *datasetName, gate, maxRequestBytes, precision)
			if *flightAddr == "" {
				startServer(*listenAddr, srv)
				return
			}
			go startServer(*listenAddr, srv)
		}
		StartFlightServer(*flightAddr, engine, gate)
		return
	}

	if *duration > 0 {
		runSoak(engine, *duration)
		return
	}

	n := *demo
	if n <= 0 {
		n = 4
	}
	if err := runDemo(context.Background(), engine, fc, n, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

// runDemo samples n random jobs and either forwards the outputs to Longbow
// or writes them to w as an Arrow IPC stream.
func runDemo(ctx context.Context, engine *sampling.Engine, fc *client.FlightClient, n int, w io.Writer) error {
	jobs := sampling.GenerateJobs(time.Now().UnixNano(), engine.Backend(), n, 1, 3, 32, 32, 0.05)
	builder := codec.NewRecordBatchBuilder(memory.NewGoAllocator())

	start := time.Now()
	var records []arrow.RecordBatch
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	for res := range engine.SampleBatch(ctx, jobs) {
		if res.Err != nil {
			return fmt.Errorf("job %d: %w", res.Index, res.Err)
		}
		rec, err := builder.Build(codec.NamedTensor{Name: codec.NameOutput, Tensor: res.Output})
		engine.Release(res.Output)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	log.Info().
		Int("count", len(records)).
		Dur("elapsed", time.Since(start)).
		Msg("Sampled demo jobs")

	if fc != nil {
		for _, rec := range records {
			if err := fc.DoPut(ctx, *datasetName, rec); err != nil {
				return fmt.Errorf("flight DoPut: %w", err)
			}
		}
		log.Info().Msg("Successfully sent outputs to Longbow")
		return nil
	}
	return writeArrowStream(w, records...)
}

func runSoak(engine *sampling.Engine, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")
	jobs := sampling.GenerateJobs(1, engine.Backend(), 64, 2, 16, 64, 64, 0.1)

	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int

	for time.Now().Before(endTime) {
		for res := range engine.SampleBatch(context.Background(), jobs) {
			if res.Err != nil {
				log.Fatal().Err(res.Err).Int("job", res.Index).Msg("Soak job failed")
			}
			engine.Release(res.Output)
		}
		total += int64(len(jobs))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_jobs", total).
				Float64("jobs_per_sec", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_jobs", total).
		Dur("total_time", totalElapsed).
		Float64("avg_jobs_per_sec", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w io.Writer, recs ...arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(codec.TensorSchema))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("gridsample"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
