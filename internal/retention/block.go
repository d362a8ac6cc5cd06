package retention

import (
	"math"

	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/tensor"
)

// Block is one multi-scale retention layer: q/k/v/g projections, rotary
// positions, decay-masked retention, per-head RMS normalisation, a SiLU gate
// and the output projection.
//
// A Block is read-only after its weights are set and may be shared by
// concurrent Forward calls as long as each call uses its own State.
type Block struct {
	cfg Config

	QProj   tensor.Linear // [KeyDim*H, EmbedDim]
	KProj   tensor.Linear // [KeyDim*H, EmbedDim]
	VProj   tensor.Linear // [ValueDim, EmbedDim]
	GProj   tensor.Linear // [ValueDim, EmbedDim]
	OutProj tensor.Linear // [EmbedDim, ValueDim]

	// GroupNorm is the RMS norm weight shared by every head, [HeadDim].
	GroupNorm []float32
	// Decay holds the per-head log decay rates.
	Decay []float64

	workers int
	log     logger.Logger
}

// Option customises a Block at construction.
type Option func(*Block)

// WithLogger sets the logger used for debug output.
func WithLogger(l logger.Logger) Option {
	return func(b *Block) {
		if l != nil {
			b.log = l
		}
	}
}

// WithWorkers bounds the number of (sequence, head) pairs processed at once.
// Zero or negative means no limit.
func WithWorkers(n int) Option {
	return func(b *Block) { b.workers = n }
}

// New validates cfg and allocates a block with zero projections, unit norm
// weights and the default decay rates.
func New(cfg Config, opts ...Option) (*Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	b := &Block{
		cfg:       cfg,
		QProj:     tensor.NewLinear(cfg.EmbedDim, cfg.EmbedDim, cfg.Bias),
		KProj:     tensor.NewLinear(cfg.EmbedDim, cfg.EmbedDim, cfg.Bias),
		VProj:     tensor.NewLinear(cfg.EmbedDim, cfg.ValueDim, cfg.Bias),
		GProj:     tensor.NewLinear(cfg.EmbedDim, cfg.ValueDim, cfg.Bias),
		OutProj:   tensor.NewLinear(cfg.ValueDim, cfg.EmbedDim, cfg.Bias),
		GroupNorm: ones(cfg.HeadDim()),
		Decay:     DefaultDecay(cfg.NumHeads),
		log:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log.Debug("retention block ready",
		"embed_dim", cfg.EmbedDim,
		"value_dim", cfg.ValueDim,
		"heads", cfg.NumHeads,
		"key_dim", cfg.KeyDim(),
		"head_dim", cfg.HeadDim(),
		"bias", cfg.Bias,
	)
	return b, nil
}

// Config returns the block configuration with defaults applied.
func (b *Block) Config() Config { return b.cfg }

// InitRandom fills every projection with reproducible values drawn from
// (-1/sqrt(in), 1/sqrt(in)), zeroes the biases and resets the norm weights
// and decay rates to their defaults.
func (b *Block) InitRandom(seed int64) {
	for i, p := range b.projections() {
		scale := float32(2 / math.Sqrt(float64(p.In())))
		tensor.FillRandSlice(p.W.Data, seed+int64(i)*7919, scale)
		clear(p.Bias)
	}
	for i := range b.GroupNorm {
		b.GroupNorm[i] = 1
	}
	b.Decay = DefaultDecay(b.cfg.NumHeads)
}

func (b *Block) projections() []*tensor.Linear {
	return []*tensor.Linear{&b.QProj, &b.KProj, &b.VProj, &b.GProj, &b.OutProj}
}

// Forward runs the block over x, a [B, T, EmbedDim] batch, and returns a
// [B, T, EmbedDim] batch.
//
// With a nil state the whole chunk is processed in parallel form. With a
// state the chunk is appended to the history the state summarises and the
// state is advanced in place; an empty state starts a new history. A nil
// cache builds rotary tables for this call only.
func (b *Block) Forward(x tensor.Batch, cache *RotaryCache, state *State) (tensor.Batch, error) {
	cfg := b.cfg
	if x.C != cfg.EmbedDim {
		return tensor.Batch{}, shapeErr("input", []int{x.B, x.T, cfg.EmbedDim}, x.Shape())
	}
	if state != nil {
		if err := state.check(cfg, x.B); err != nil {
			return tensor.Batch{}, err
		}
	}
	if x.B == 0 || x.T == 0 {
		return tensor.NewBatch(x.B, x.T, cfg.EmbedDim), nil
	}

	q, k, v, g := b.project(x)

	pos := 0
	if state != nil {
		pos = state.Pos
	}
	q, k = b.rotate(q, k, cache, pos)

	var y tensor.Heads
	if state == nil {
		mask := CausalDecayMask(b.Decay, x.T, x.T, true)
		y = parallelRetention(q, k, v, mask, b.workers)
	} else {
		y = recurrentRetention(q, k, v, b.Decay, state, b.workers)
	}
	return b.output(y, g), nil
}

// Prefill runs x through the parallel form and also returns the State that
// the recurrent form would hold after consuming the same positions, so that
// decoding can continue from it.
func (b *Block) Prefill(x tensor.Batch, cache *RotaryCache) (tensor.Batch, *State, error) {
	cfg := b.cfg
	if x.C != cfg.EmbedDim {
		return tensor.Batch{}, nil, shapeErr("input", []int{x.B, x.T, cfg.EmbedDim}, x.Shape())
	}
	if x.B == 0 || x.T == 0 {
		return tensor.NewBatch(x.B, x.T, cfg.EmbedDim), NewState(), nil
	}

	q, k, v, g := b.project(x)
	q, k = b.rotate(q, k, cache, 0)

	mask := CausalDecayMask(b.Decay, x.T, x.T, true)
	y := parallelRetention(q, k, v, mask, b.workers)
	st := summarize(k, v, b.Decay, b.workers)
	return b.output(y, g), st, nil
}

// project returns per-head q and k [B,H,T,KeyDim], v [B,H,T,HeadDim] and the
// flat gate g [B,T,ValueDim]. Keys are pre-scaled by KeyDim^-0.5.
func (b *Block) project(x tensor.Batch) (q, k, v tensor.Heads, g tensor.Batch) {
	h := b.cfg.NumHeads
	qf := b.QProj.Forward(x)
	kf := b.KProj.Forward(x)
	tensor.Scale(kf.Data, b.cfg.Scaling())
	vf := b.VProj.Forward(x)
	g = b.GProj.Forward(x)
	return tensor.SplitHeads(qf, h), tensor.SplitHeads(kf, h), tensor.SplitHeads(vf, h), g
}

func (b *Block) rotate(q, k tensor.Heads, cache *RotaryCache, pos int) (tensor.Heads, tensor.Heads) {
	if cache == nil {
		cache = NewRotaryCache()
	}
	dim := b.cfg.KeyDim()
	sin, cos, grown := cache.Tables(pos+q.L, dim, b.cfg.RotaryTheta)
	if grown {
		b.log.Debug("rotary tables grown", "length", pos+q.L, "dim", dim)
	}
	return Rotate(q, sin, cos, pos), Rotate(k, sin, cos, pos)
}

// output normalises every head, gates with silu(g) and projects back to
// EmbedDim.
func (b *Block) output(y tensor.Heads, g tensor.Batch) tensor.Batch {
	eps := float32(b.cfg.RMSEpsilon)
	for i := 0; i < len(y.Data); i += y.D {
		vec := y.Data[i : i+y.D]
		tensor.RMSNorm(vec, vec, b.GroupNorm, eps)
	}
	merged := tensor.MergeHeads(y)
	tensor.SiluMul(merged.Data, g.Data)
	return b.OutProj.Forward(merged)
}

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
