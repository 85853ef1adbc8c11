//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-gridsample/internal/client"
	"github.com/23skdu/longbow-gridsample/internal/device"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to grid sampling Flight server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	backend := device.NewCPUBackend[float32]()
	input := backend.NewTensor([]int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	grid := backend.NewTensor([]int{1, 2, 2, 2}, []float32{
		0, 0, // center
		-1, -1, // top-left corner
		1, 1, // bottom-right corner
		2, 0, // half outside on the right
	})
	want := []float32{2.5, 1, 4, 1.5}

	// The server may still be starting
	var output device.Tensor[float32]
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		start := time.Now()
		output, err = c.Sample(ctx, input, grid)
		cancel()
		if err == nil {
			log.Info().Dur("elapsed", time.Since(start)).Msg("Received output")
			break
		}
		log.Warn().Err(err).Msg("Sample failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Sample failed after retries")
	}

	got := output.Data()
	if len(got) != len(want) {
		log.Fatal().Int("expected", len(want)).Int("got", len(got)).Msg("Size mismatch")
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			log.Fatal().Int("index", i).Float32("want", want[i]).Float32("got", got[i]).Msg("Value mismatch")
		}
		log.Info().Int("index", i).Float32("value", got[i]).Msg("Value valid")
	}

	gradOutput := backend.NewTensor([]int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	gradInput, _, err := c.Gradients(context.Background(), input, grid, gradOutput)
	if err != nil {
		log.Fatal().Err(err).Msg("Gradients failed")
	}
	log.Info().Interface("grad_input", gradInput.Data()).Msg("Received gradients")

	fmt.Println("VERIFICATION PASSED")
}
