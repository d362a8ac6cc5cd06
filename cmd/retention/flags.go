package main

import "github.com/urfave/cli/v3"

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	embedDim int64
	valueDim int64
	numHeads int64
	bias     bool
	seed     int64
	workers  int64

	weightsDir    string
	weightsDType  string
	weightsPrefix string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: ~/.config/retention/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, plain, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func blockFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "embed-dim",
			Aliases:     []string{"latent-dim", "e"},
			Usage:       "model width",
			Value:       64,
			Destination: &embedDim,
		},
		&cli.Int64Flag{
			Name:        "value-dim",
			Aliases:     []string{"hidden-dim"},
			Usage:       "value/gate width (0 = embed-dim)",
			Destination: &valueDim,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Aliases:     []string{"num-heads"},
			Usage:       "number of retention heads",
			Value:       4,
			Destination: &numHeads,
		},
		&cli.BoolFlag{
			Name:        "bias",
			Usage:       "enable projection biases",
			Destination: &bias,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for weights and inputs",
			Value:       42,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "max (sequence, head) pairs computed at once (0 = unbounded)",
			Destination: &workers,
		},
	}
}

func weightFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "directory of raw <name>.bin parameter payloads (default: seeded random weights)",
			Destination: &weightsDir,
		},
		&cli.StringFlag{
			Name:        "weights-dtype",
			Usage:       "element type of the payloads (f32, f16, bf16)",
			Value:       "f32",
			Destination: &weightsDType,
		},
		&cli.StringFlag{
			Name:        "weights-prefix",
			Usage:       "prefix prepended to every parameter name, e.g. layers.0.retention.",
			Destination: &weightsPrefix,
		},
	}
}
