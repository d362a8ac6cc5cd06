package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/retention/internal/logger"
)

// fileConfig holds the parsed config file for subcommands to apply.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "retention",
		Usage: "Multi-scale retention block: equivalence checks, benchmarks and a session server",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyGlobalConfig(cmd, cfg)

			log, err := newLogger(os.Stderr, logFormat, logLevel, debug)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			checkCmd(),
			benchCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
