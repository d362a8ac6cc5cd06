package retention

import "slices"

// State is the recurrent accumulator for one batch of sequences being decoded
// incrementally. It is created empty, owned by the caller's decoding loop and
// passed to every Forward call for that batch. A State must not be shared
// between concurrent calls.
type State struct {
	// PrevS is the [B, H, HeadDim, KeyDim] sum of decayed key⊗value outer
	// products. After P positions the term of position j carries weight
	// γ^(P-j), so a single step from empty stores γ·v⊗k. It is nil before the
	// first step.
	PrevS []float32
	// Scale is the per-head sum of the same weights, Σ_{j<P} γ^(P-j).
	Scale []float64
	// Pos is the number of positions consumed so far.
	Pos int

	batch, heads, headDim, keyDim int
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// RestoreState rebuilds a state from a previously captured accumulator.
// prevS must be [batch, heads, headDim, keyDim] and scale [heads].
func RestoreState(batch, heads, headDim, keyDim int, prevS []float32, scale []float64, pos int) (*State, error) {
	want := batch * heads * headDim * keyDim
	if batch <= 0 || heads <= 0 || headDim <= 0 || keyDim <= 0 || len(prevS) != want {
		return nil, shapeErr("state accumulator", []int{batch, heads, headDim, keyDim}, []int{len(prevS)})
	}
	if len(scale) != heads {
		return nil, shapeErr("state scale", []int{heads}, []int{len(scale)})
	}
	return &State{
		PrevS:   slices.Clone(prevS),
		Scale:   slices.Clone(scale),
		Pos:     pos,
		batch:   batch,
		heads:   heads,
		headDim: headDim,
		keyDim:  keyDim,
	}, nil
}

// Empty reports whether no step has been taken yet.
func (s *State) Empty() bool { return s.PrevS == nil }

// Shape returns [B, H, HeadDim, KeyDim], or nil for an empty state.
func (s *State) Shape() []int {
	if s.Empty() {
		return nil
	}
	return []int{s.batch, s.heads, s.headDim, s.keyDim}
}

// Accumulator returns the [HeadDim, KeyDim] block of sequence b, head h as a view.
func (s *State) Accumulator(b, h int) []float32 {
	n := s.headDim * s.keyDim
	off := (b*s.heads + h) * n
	return s.PrevS[off : off+n]
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	c := *s
	c.PrevS = slices.Clone(s.PrevS)
	c.Scale = slices.Clone(s.Scale)
	return &c
}

// Reset returns the state to empty.
func (s *State) Reset() {
	*s = State{}
}

// check validates a non-empty state against the block and input batch size.
func (s *State) check(cfg Config, batch int) error {
	if s.Empty() {
		return nil
	}
	want := []int{batch, cfg.NumHeads, cfg.HeadDim(), cfg.KeyDim()}
	if !slices.Equal(s.Shape(), want) {
		return shapeErr("state accumulator", want, s.Shape())
	}
	if len(s.Scale) != cfg.NumHeads {
		return shapeErr("state scale", []int{cfg.NumHeads}, []int{len(s.Scale)})
	}
	return nil
}
