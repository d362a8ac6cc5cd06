package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/retention/internal/api"
	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/retention"
)

func serveCmd() *cli.Command {
	var (
		settings    serveSettings
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a retention block over HTTP (forward calls and recurrent sessions)",
		Flags: append(append(blockFlags(), weightFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &settings.addr,
			},
			&cli.Int64Flag{
				Name:        "max-sessions",
				Usage:       "maximum number of open sessions (0 = unlimited)",
				Value:       api.DefaultMaxSessions,
				Destination: &settings.maxSessions,
			},
			&cli.DurationFlag{
				Name:        "session-ttl",
				Usage:       "drop sessions idle for longer than this (0 = never)",
				Value:       api.DefaultSessionTTL,
				Destination: &settings.sessionTTL,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyBlockConfig(cmd, fileConfig)
			applyWeightConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &settings)

			blk, err := retention.New(blockConfig(), retention.WithLogger(log), retention.WithWorkers(int(workers)))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := initWeights(blk, log); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			store := api.NewSessionStore(
				api.WithMaxSessions(int(settings.maxSessions)),
				api.WithSessionTTL(settings.sessionTTL),
			)
			server := api.NewServer(blk, store, api.NewMetrics(), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			cfg := blk.Config()
			log.Info("starting server", "address", settings.addr, "embed_dim", cfg.EmbedDim, "heads", cfg.NumHeads,
				"max_sessions", settings.maxSessions, "session_ttl", settings.sessionTTL)
			sc := echo.StartConfig{
				Address: settings.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
