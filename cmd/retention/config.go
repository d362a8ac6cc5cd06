package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/retention/internal/retention"
)

// Config represents the retention configuration file
// (~/.config/retention/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	EmbedDim  *int64 `yaml:"embed_dim"`
	LatentDim *int64 `yaml:"latent_dim"`
	ValueDim  *int64 `yaml:"value_dim"`
	HiddenDim *int64 `yaml:"hidden_dim"`
	NumHeads  *int64 `yaml:"num_heads"`
	Bias      *bool  `yaml:"bias"`

	RMSEpsilon  *float64 `yaml:"rms_eps"`
	RotaryTheta *float64 `yaml:"rotary_theta"`

	Seed    *int64 `yaml:"seed"`
	Workers *int64 `yaml:"workers"`

	// Weights
	Weights       string `yaml:"weights"`
	WeightsDType  string `yaml:"weights_dtype"`
	WeightsPrefix string `yaml:"weights_prefix"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	MaxSessions   *int64         `yaml:"max_sessions"`
	SessionTTL    *time.Duration `yaml:"session_ttl"`
}

// Settings without a flag of their own.
var (
	rmsEpsilon  float64
	rotaryTheta float64
)

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "retention", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to the logging flags when
// they were not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyBlockConfig applies config file defaults to the block flags. The
// canonical key wins over its alias when both are present.
func applyBlockConfig(c *cli.Command, cfg Config) {
	if v := firstSet(cfg.EmbedDim, cfg.LatentDim); v != nil && !c.IsSet("embed-dim") {
		embedDim = *v
	}
	if v := firstSet(cfg.ValueDim, cfg.HiddenDim); v != nil && !c.IsSet("value-dim") {
		valueDim = *v
	}
	if cfg.NumHeads != nil && !c.IsSet("heads") {
		numHeads = *cfg.NumHeads
	}
	if cfg.Bias != nil && !c.IsSet("bias") {
		bias = *cfg.Bias
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.RMSEpsilon != nil {
		rmsEpsilon = *cfg.RMSEpsilon
	}
	if cfg.RotaryTheta != nil {
		rotaryTheta = *cfg.RotaryTheta
	}
}

// applyWeightConfig applies config file defaults to the weight flags.
func applyWeightConfig(c *cli.Command, cfg Config) {
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsDir = cfg.Weights
	}
	if cfg.WeightsDType != "" && !c.IsSet("weights-dtype") {
		weightsDType = cfg.WeightsDType
	}
	if cfg.WeightsPrefix != "" && !c.IsSet("weights-prefix") {
		weightsPrefix = cfg.WeightsPrefix
	}
}

// serveSettings are the serve command variables the config file can set.
type serveSettings struct {
	addr        string
	maxSessions int64
	sessionTTL  time.Duration
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, s *serveSettings) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		s.addr = cfg.ServerAddress
	}
	if cfg.MaxSessions != nil && !c.IsSet("max-sessions") {
		s.maxSessions = *cfg.MaxSessions
	}
	if cfg.SessionTTL != nil && !c.IsSet("session-ttl") {
		s.sessionTTL = *cfg.SessionTTL
	}
}

func firstSet(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// blockConfig assembles the retention config from the resolved flags.
func blockConfig() retention.Config {
	return retention.Config{
		EmbedDim:    int(embedDim),
		ValueDim:    int(valueDim),
		NumHeads:    int(numHeads),
		Bias:        bias,
		RMSEpsilon:  rmsEpsilon,
		RotaryTheta: rotaryTheta,
	}
}
