package retention

import "math"

const (
	defaultRMSEpsilon  = 1e-6
	defaultRotaryTheta = 10_000
)

// Config describes a retention block. It is supplied once at construction and
// treated as immutable afterwards.
type Config struct {
	// EmbedDim is the model width (latent dimension).
	EmbedDim int `yaml:"embed_dim" json:"embed_dim"`
	// ValueDim is the width of the value/gate projections. Zero means EmbedDim.
	ValueDim int `yaml:"value_dim" json:"value_dim,omitempty"`
	NumHeads int `yaml:"num_heads" json:"num_heads"`
	// Bias enables bias terms on every projection.
	Bias bool `yaml:"bias" json:"bias"`

	RMSEpsilon  float64 `yaml:"rms_eps" json:"rms_eps,omitempty"`
	RotaryTheta float64 `yaml:"rotary_theta" json:"rotary_theta,omitempty"`
}

// withDefaults fills zero-valued optional fields.
func (c Config) withDefaults() Config {
	if c.ValueDim == 0 {
		c.ValueDim = c.EmbedDim
	}
	if c.RMSEpsilon <= 0 {
		c.RMSEpsilon = defaultRMSEpsilon
	}
	if c.RotaryTheta <= 0 {
		c.RotaryTheta = defaultRotaryTheta
	}
	return c
}

// Validate checks the divisibility invariants.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.NumHeads <= 0 {
		return &ConfigError{Field: "num_heads", Value: c.NumHeads, NumHeads: c.NumHeads, Reason: "must be positive"}
	}
	if c.EmbedDim <= 0 {
		return &ConfigError{Field: "embed_dim", Value: c.EmbedDim, NumHeads: c.NumHeads, Reason: "must be positive"}
	}
	if c.ValueDim <= 0 {
		return &ConfigError{Field: "value_dim", Value: c.ValueDim, NumHeads: c.NumHeads, Reason: "must be positive"}
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return &ConfigError{Field: "embed_dim", Value: c.EmbedDim, NumHeads: c.NumHeads, Reason: "not divisible by num_heads"}
	}
	if c.ValueDim%c.NumHeads != 0 {
		return &ConfigError{Field: "value_dim", Value: c.ValueDim, NumHeads: c.NumHeads, Reason: "not divisible by num_heads"}
	}
	if (c.EmbedDim/c.NumHeads)%2 != 0 {
		return &ConfigError{Field: "embed_dim", Value: c.EmbedDim, NumHeads: c.NumHeads, Reason: "per-head key dim must be even for rotary pairs"}
	}
	return nil
}

// HeadDim is the per-head value width.
func (c Config) HeadDim() int { return c.withDefaults().ValueDim / c.NumHeads }

// KeyDim is the per-head query/key width.
func (c Config) KeyDim() int { return c.EmbedDim / c.NumHeads }

// Scaling is the key pre-scale KeyDim^-0.5.
func (c Config) Scaling() float32 {
	return float32(1 / math.Sqrt(float64(c.KeyDim())))
}
