package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
latent_dim: 32
hidden_dim: 48
num_heads: 4
bias: true
rms_eps: 1.0e-5
log_format: json
server_address: 0.0.0.0:9000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LatentDim == nil || *cfg.LatentDim != 32 || cfg.EmbedDim != nil {
		t.Fatalf("latent_dim not parsed: %+v", cfg)
	}
	if cfg.HiddenDim == nil || *cfg.HiddenDim != 48 {
		t.Fatalf("hidden_dim not parsed: %+v", cfg)
	}
	if cfg.Bias == nil || !*cfg.Bias || cfg.Seed != nil {
		t.Fatalf("pointer fields wrong: %+v", cfg)
	}
	if cfg.RMSEpsilon == nil || *cfg.RMSEpsilon != 1e-5 {
		t.Fatalf("rms_eps not parsed: %+v", cfg)
	}
	if cfg.LogFormat != "json" || cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("string fields wrong: %+v", cfg)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("explicit missing file: error = %v", err)
	}
	if _, err := LoadConfig(writeConfig(t, "num_heads: [1, 2")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigDefaultMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NumHeads != nil || cfg.LogLevel != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

// runWithBlockFlags parses args against the block flags and applies cfg the
// way the subcommands do.
func runWithBlockFlags(t *testing.T, cfg Config, args ...string) {
	t.Helper()
	cmd := &cli.Command{
		Name:  "retention",
		Flags: blockFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyBlockConfig(cmd, cfg)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"retention"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestApplyBlockConfigPrecedence(t *testing.T) {
	t.Cleanup(func() { rmsEpsilon, rotaryTheta = 0, 0 })
	i64 := func(v int64) *int64 { return &v }
	theta := 500.0
	cfg := Config{
		EmbedDim:    i64(16),
		LatentDim:   i64(99),
		HiddenDim:   i64(24),
		NumHeads:    i64(2),
		RotaryTheta: &theta,
	}

	runWithBlockFlags(t, cfg, "--heads", "8")

	if embedDim != 16 {
		t.Fatalf("embed_dim = %d, want canonical key 16", embedDim)
	}
	if valueDim != 24 {
		t.Fatalf("value_dim = %d, want alias value 24", valueDim)
	}
	if numHeads != 8 {
		t.Fatalf("heads = %d, explicit flag must win", numHeads)
	}
	if seed != 42 {
		t.Fatalf("seed = %d, want flag default", seed)
	}
	got := blockConfig()
	if got.EmbedDim != 16 || got.ValueDim != 24 || got.NumHeads != 8 || got.RotaryTheta != 500 {
		t.Fatalf("blockConfig = %+v", got)
	}
}

func TestApplyGlobalConfig(t *testing.T) {
	cmd := &cli.Command{
		Name:  "retention",
		Flags: globalFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyGlobalConfig(cmd, Config{LogLevel: "debug", LogFormat: "json"})
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"retention", "--log-format", "plain"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if logLevel != "debug" {
		t.Fatalf("log level = %q, want config value", logLevel)
	}
	if logFormat != "plain" {
		t.Fatalf("log format = %q, explicit flag must win", logFormat)
	}
}

func TestApplyServeConfig(t *testing.T) {
	path := writeConfig(t, `
server_address: 0.0.0.0:9000
max_sessions: 16
session_ttl: 90s
weights: /srv/retention
weights_dtype: bf16
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	var settings serveSettings
	cmd := &cli.Command{
		Name: "retention",
		Flags: append(weightFlags(),
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Destination: &settings.addr},
			&cli.Int64Flag{Name: "max-sessions", Value: 1024, Destination: &settings.maxSessions},
			&cli.DurationFlag{Name: "session-ttl", Value: time.Minute, Destination: &settings.sessionTTL},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyWeightConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &settings)
			return nil
		},
	}
	t.Cleanup(func() { weightsDir, weightsDType, weightsPrefix = "", "", "" })
	if err := cmd.Run(context.Background(), []string{"retention", "--max-sessions", "4"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if settings.addr != "0.0.0.0:9000" || settings.sessionTTL != 90*time.Second {
		t.Fatalf("config values not applied: %+v", settings)
	}
	if settings.maxSessions != 4 {
		t.Fatalf("max sessions = %d, explicit flag must win", settings.maxSessions)
	}
	if weightsDir != "/srv/retention" || weightsDType != "bf16" || weightsPrefix != "" {
		t.Fatalf("weights = %q %q %q", weightsDir, weightsDType, weightsPrefix)
	}
}
