package tensor

// Linear is an affine map y = W·x + b with W stored as [out, in].
// Bias is nil when the projection has no bias term.
type Linear struct {
	W    Mat
	Bias []float32
}

// NewLinear allocates a zeroed projection from in to out features.
func NewLinear(in, out int, bias bool) Linear {
	l := Linear{W: NewMat(out, in)}
	if bias {
		l.Bias = make([]float32, out)
	}
	return l
}

// In returns the input width.
func (l *Linear) In() int { return l.W.C }

// Out returns the output width.
func (l *Linear) Out() int { return l.W.R }

// Apply writes W·x (+ b) into dst.
func (l *Linear) Apply(dst, x []float32) {
	MatVec(dst, &l.W, x)
	if l.Bias != nil {
		Add(dst[:l.W.R], l.Bias)
	}
}

// Forward applies the projection to every position of x and returns a new
// [B, T, Out] batch.
func (l *Linear) Forward(x Batch) Batch {
	if x.C != l.W.C {
		panic("Linear input width mismatch")
	}
	out := NewBatch(x.B, x.T, l.W.R)
	for b := 0; b < x.B; b++ {
		for t := 0; t < x.T; t++ {
			l.Apply(out.Vec(b, t), x.Vec(b, t))
		}
	}
	return out
}
