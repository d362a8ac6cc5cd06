package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/retention"
	"github.com/samcharles93/retention/internal/tensor"
)

type benchResult struct {
	Prefill time.Duration
	Decode  time.Duration
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		batch      int64
		length     int64
	)

	flags := append(append(blockFlags(), weightFlags()...),
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "number of sequences",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "length",
			Aliases:     []string{"t"},
			Usage:       "sequence length",
			Value:       256,
			Destination: &length,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time parallel prefill against token-by-token recurrent decoding",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyBlockConfig(cmd, fileConfig)
			applyWeightConfig(cmd, fileConfig)
			if batch <= 0 || length <= 0 || benchRuns <= 0 {
				return cli.Exit("error: batch, length and runs must be positive", 1)
			}

			blk, err := retention.New(blockConfig(), retention.WithLogger(log), retention.WithWorkers(int(workers)))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := initWeights(blk, log); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg := blk.Config()

			x := tensor.NewBatch(int(batch), int(length), cfg.EmbedDim)
			tensor.FillRandSlice(x.Data, seed+1, 2)

			fmt.Println("=== Retention Benchmark ===")
			fmt.Printf("Block:    embed=%d value=%d heads=%d bias=%t\n", cfg.EmbedDim, cfg.ValueDim, cfg.NumHeads, cfg.Bias)
			fmt.Printf("Input:    batch=%d length=%d\n", batch, length)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			cache := retention.NewRotaryCache()
			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := benchOnce(ctx, blk, x, cache); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]benchResult, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				r, err := benchOnce(ctx, blk, x, cache)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, r)
			}

			positions := float64(batch * length)
			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %12s %12s\n", "Run", "Prefill", "Decode", "Prefill", "Decode")
			fmt.Printf("%-6s %12s %12s %12s %12s\n", "---", "", "", "pos/s", "pos/s")

			var sumPrefill, sumDecode float64
			for i, r := range results {
				pps := positions / r.Prefill.Seconds()
				dps := positions / r.Decode.Seconds()
				fmt.Printf("%-6d %12s %12s %12.1f %12.1f\n",
					i+1, r.Prefill.Round(time.Microsecond), r.Decode.Round(time.Microsecond), pps, dps)
				sumPrefill += pps
				sumDecode += dps
			}
			n := float64(len(results))
			fmt.Printf("\n%-6s %12s %12s %12.1f %12.1f\n", "Avg", "", "", sumPrefill/n, sumDecode/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// benchOnce times one parallel pass over x and one token-by-token recurrent
// pass over the same positions.
func benchOnce(ctx context.Context, blk *retention.Block, x tensor.Batch, cache *retention.RotaryCache) (benchResult, error) {
	var r benchResult

	start := time.Now()
	if _, err := blk.Forward(x, cache, nil); err != nil {
		return r, err
	}
	r.Prefill = time.Since(start)

	st := retention.NewState()
	start = time.Now()
	for t := 0; t < x.T; t++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if _, err := blk.Forward(x.Slice(t, t+1), cache, st); err != nil {
			return r, err
		}
	}
	r.Decode = time.Since(start)
	return r, nil
}
