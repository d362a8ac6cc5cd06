package tensor

// Batch is a dense row-major [B, T, C] activation array.
type Batch struct {
	B, T, C int
	Data    []float32
}

// NewBatch allocates a zeroed [b, t, c] batch.
func NewBatch(b, t, c int) Batch {
	if b < 0 || t < 0 || c < 0 {
		panic("negative dimension for batch")
	}
	return Batch{B: b, T: t, C: c, Data: make([]float32, b*t*c)}
}

// NewBatchFromData wraps data as a [b, t, c] batch.
func NewBatchFromData(b, t, c int, data []float32) (Batch, error) {
	if b < 0 || t < 0 || c < 0 {
		return Batch{}, errNegativeDim
	}
	if b*t*c != len(data) {
		return Batch{}, errDataSizeMismatch
	}
	return Batch{B: b, T: t, C: c, Data: data}, nil
}

// Vec returns the C-wide feature vector at (b, t) as a view.
func (x *Batch) Vec(b, t int) []float32 {
	off := (b*x.T + t) * x.C
	return x.Data[off : off+x.C]
}

// Shape returns [B, T, C].
func (x *Batch) Shape() []int { return []int{x.B, x.T, x.C} }

// Slice returns a copy of positions [from, to) of every sequence.
func (x *Batch) Slice(from, to int) Batch {
	if from < 0 || to > x.T || from > to {
		panic("batch slice out of range")
	}
	out := NewBatch(x.B, to-from, x.C)
	for b := 0; b < x.B; b++ {
		for t := from; t < to; t++ {
			copy(out.Vec(b, t-from), x.Vec(b, t))
		}
	}
	return out
}

// Concat appends the positions of y after those of x. Both must share B and C.
func Concat(x, y Batch) Batch {
	if x.B != y.B || x.C != y.C {
		panic("batch concat shape mismatch")
	}
	out := NewBatch(x.B, x.T+y.T, x.C)
	for b := 0; b < x.B; b++ {
		for t := 0; t < x.T; t++ {
			copy(out.Vec(b, t), x.Vec(b, t))
		}
		for t := 0; t < y.T; t++ {
			copy(out.Vec(b, x.T+t), y.Vec(b, t))
		}
	}
	return out
}

// Heads is a dense row-major [B, H, L, D] per-head array.
type Heads struct {
	B, H, L, D int
	Data       []float32
}

// NewHeads allocates a zeroed [b, h, l, d] array.
func NewHeads(b, h, l, d int) Heads {
	if b < 0 || h < 0 || l < 0 || d < 0 {
		panic("negative dimension for heads")
	}
	return Heads{B: b, H: h, L: l, D: d, Data: make([]float32, b*h*l*d)}
}

// Vec returns the D-wide vector at (b, h, l) as a view.
func (x *Heads) Vec(b, h, l int) []float32 {
	off := ((b*x.H+h)*x.L + l) * x.D
	return x.Data[off : off+x.D]
}

// Seq returns the [L, D] block of head h in sequence b as a view.
func (x *Heads) Seq(b, h int) []float32 {
	off := (b*x.H + h) * x.L * x.D
	return x.Data[off : off+x.L*x.D]
}

// Shape returns [B, H, L, D].
func (x *Heads) Shape() []int { return []int{x.B, x.H, x.L, x.D} }

// SplitHeads reshapes [B, T, H*D] into [B, H, T, D].
func SplitHeads(x Batch, h int) Heads {
	if h <= 0 || x.C%h != 0 {
		panic("SplitHeads: width not divisible by head count")
	}
	d := x.C / h
	out := NewHeads(x.B, h, x.T, d)
	for b := 0; b < x.B; b++ {
		for t := 0; t < x.T; t++ {
			row := x.Vec(b, t)
			for hh := 0; hh < h; hh++ {
				copy(out.Vec(b, hh, t), row[hh*d:(hh+1)*d])
			}
		}
	}
	return out
}

// MergeHeads reshapes [B, H, L, D] back into [B, L, H*D].
func MergeHeads(x Heads) Batch {
	out := NewBatch(x.B, x.L, x.H*x.D)
	for b := 0; b < x.B; b++ {
		for l := 0; l < x.L; l++ {
			row := out.Vec(b, l)
			for h := 0; h < x.H; h++ {
				copy(row[h*x.D:(h+1)*x.D], x.Vec(b, h, l))
			}
		}
	}
	return out
}
