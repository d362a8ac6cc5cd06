package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/retention"
	"github.com/samcharles93/retention/internal/tensor"
)

type checkOptions struct {
	Batch     int
	Length    int
	Chunk     int
	Seed      int64
	Workers   int
	Tolerance float64
}

type checkReport struct {
	Config    retention.Config `json:"config"`
	Batch     int              `json:"batch"`
	Length    int              `json:"length"`
	Chunk     int              `json:"chunk"`
	Seed      int64            `json:"seed"`
	MaxAbsErr float64          `json:"max_abs_err"`
	MaxRelErr float64          `json:"max_rel_err"`
	Tolerance float64          `json:"tolerance"`
	Passed    bool             `json:"passed"`
}

func checkCmd() *cli.Command {
	var (
		batch     int64
		length    int64
		chunk     int64
		tolerance float64
		asJSON    bool
	)

	flags := append(blockFlags(),
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "number of sequences",
			Value:       2,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "length",
			Aliases:     []string{"t"},
			Usage:       "sequence length",
			Value:       32,
			Destination: &length,
		},
		&cli.Int64Flag{
			Name:        "chunk",
			Usage:       "positions per recurrent call",
			Value:       1,
			Destination: &chunk,
		},
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "max relative error allowed",
			Value:       1e-4,
			Destination: &tolerance,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON on stdout",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "check",
		Usage: "Compare the recurrent form against the parallel form on seeded data",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyBlockConfig(cmd, fileConfig)

			report, err := runCheck(blockConfig(), checkOptions{
				Batch:     int(batch),
				Length:    int(length),
				Chunk:     int(chunk),
				Seed:      seed,
				Workers:   int(workers),
				Tolerance: tolerance,
			}, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				log.Info("equivalence check",
					"batch", report.Batch,
					"length", report.Length,
					"chunk", report.Chunk,
					"max_abs_err", report.MaxAbsErr,
					"max_rel_err", report.MaxRelErr,
					"tolerance", report.Tolerance,
					"passed", report.Passed,
				)
			}
			if !report.Passed {
				return cli.Exit("recurrent and parallel outputs diverge", 2)
			}
			return nil
		},
	}
}

// runCheck builds a seeded block and input, runs the parallel form once and
// the recurrent form in chunks, and compares the two outputs.
func runCheck(cfg retention.Config, opts checkOptions, log logger.Logger) (checkReport, error) {
	if opts.Batch <= 0 || opts.Length <= 0 || opts.Chunk <= 0 {
		return checkReport{}, fmt.Errorf("batch, length and chunk must be positive (got %d, %d, %d)", opts.Batch, opts.Length, opts.Chunk)
	}
	blk, err := retention.New(cfg, retention.WithLogger(log), retention.WithWorkers(opts.Workers))
	if err != nil {
		return checkReport{}, err
	}
	blk.InitRandom(opts.Seed)
	cfg = blk.Config()

	x := tensor.NewBatch(opts.Batch, opts.Length, cfg.EmbedDim)
	tensor.FillRandSlice(x.Data, opts.Seed+1, 2)

	cache := retention.NewRotaryCache()
	want, err := blk.Forward(x, cache, nil)
	if err != nil {
		return checkReport{}, fmt.Errorf("parallel forward: %w", err)
	}

	st := retention.NewState()
	got := tensor.NewBatch(opts.Batch, 0, cfg.EmbedDim)
	for from := 0; from < opts.Length; from += opts.Chunk {
		to := min(from+opts.Chunk, opts.Length)
		y, err := blk.Forward(x.Slice(from, to), cache, st)
		if err != nil {
			return checkReport{}, fmt.Errorf("recurrent forward [%d,%d): %w", from, to, err)
		}
		got = tensor.Concat(got, y)
	}

	absErr, relErr := maxErrors(want.Data, got.Data)
	log.Debug("check finished", "positions", st.Pos, "state_shape", st.Shape())
	return checkReport{
		Config:    cfg,
		Batch:     opts.Batch,
		Length:    opts.Length,
		Chunk:     opts.Chunk,
		Seed:      opts.Seed,
		MaxAbsErr: absErr,
		MaxRelErr: relErr,
		Tolerance: opts.Tolerance,
		Passed:    relErr <= opts.Tolerance && tensor.Finite(got.Data),
	}, nil
}

// maxErrors returns the largest absolute difference and the largest
// difference relative to the reference magnitude, floored at 1 so that
// entries near zero are judged absolutely.
func maxErrors(want, got []float32) (absErr, relErr float64) {
	for i := range want {
		d := math.Abs(float64(want[i]) - float64(got[i]))
		absErr = max(absErr, d)
		relErr = max(relErr, d/max(1, math.Abs(float64(want[i]))))
	}
	return absErr, relErr
}
