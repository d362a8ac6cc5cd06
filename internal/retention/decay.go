package retention

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultDecay returns the per-head log decay rates log(1 - 2^(-5-h)).
// Every rate is strictly negative and rates increase with the head index.
func DefaultDecay(numHeads int) []float64 {
	out := make([]float64, numHeads)
	for h := range out {
		out[h] = math.Log(1 - math.Pow(2, float64(-5-h)))
	}
	return out
}

// MaskMode selects the layout of a DecayMask.
type MaskMode int

const (
	// MaskStep holds one decay factor exp(decay[h]) per head.
	MaskStep MaskMode = iota
	// MaskCausal holds a [heads, qlen, klen] causal decay matrix.
	MaskCausal
)

func (m MaskMode) String() string {
	switch m {
	case MaskStep:
		return "step"
	case MaskCausal:
		return "causal"
	default:
		return fmt.Sprintf("MaskMode(%d)", int(m))
	}
}

// DecayMask is the positional weighting that stands in for softmax attention.
// It depends only on positions and decay rates, never on content, and is
// shared by every sequence in a batch.
type DecayMask struct {
	Mode       MaskMode
	Heads      int
	QLen, KLen int
	// Step holds exp(decay[h]) per head for MaskStep.
	Step []float64
	// Data holds the [Heads, QLen, KLen] weights for MaskCausal.
	Data []float32
}

// NewDecayMask builds the mask for a query chunk of length qlen against klen
// keys. A single query selects the one-step decay factor used to carry state;
// longer chunks get the normalised causal matrix.
func NewDecayMask(decay []float64, qlen, klen int) *DecayMask {
	if qlen == 1 {
		m := &DecayMask{Mode: MaskStep, Heads: len(decay), QLen: 1, KLen: 1, Step: make([]float64, len(decay))}
		for h, d := range decay {
			m.Step[h] = math.Exp(d)
		}
		return m
	}
	return CausalDecayMask(decay, qlen, klen, true)
}

// CausalDecayMask builds the [heads, qlen, klen] matrix with entry
// exp((klen-qlen+i-j)*decay[h]) for keys at or before the query and zero
// elsewhere. The query band is aligned with the tail of the key history.
// When normalize is set each row is divided by the square root of its sum;
// all-zero rows stay zero.
func CausalDecayMask(decay []float64, qlen, klen int, normalize bool) *DecayMask {
	if qlen <= 0 || klen < qlen {
		panic(fmt.Sprintf("causal decay mask needs 0 < qlen <= klen, got qlen=%d klen=%d", qlen, klen))
	}
	heads := len(decay)
	m := &DecayMask{
		Mode:  MaskCausal,
		Heads: heads,
		QLen:  qlen,
		KLen:  klen,
		Data:  make([]float32, heads*qlen*klen),
	}
	offset := klen - qlen
	row := make([]float64, klen)
	for h := 0; h < heads; h++ {
		for i := 0; i < qlen; i++ {
			for j := 0; j < klen; j++ {
				delta := float64(offset + i - j)
				if j > offset+i {
					delta = math.Inf(1)
				}
				row[j] = finiteOrZero(math.Exp(delta * decay[h]))
			}
			if normalize {
				if sum := floats.Sum(row); sum > 0 {
					floats.Scale(1/math.Sqrt(sum), row)
				}
			}
			dst := m.Row(h, i)
			for j, v := range row {
				dst[j] = float32(finiteOrZero(v))
			}
		}
	}
	return m
}

// Row returns the klen weights for query i of head h. Causal masks only.
func (m *DecayMask) Row(h, i int) []float32 {
	off := (h*m.QLen + i) * m.KLen
	return m.Data[off : off+m.KLen]
}

// At returns the weight for head h, query i and key j. For a step mask every
// (i, j) maps to the head's decay factor.
func (m *DecayMask) At(h, i, j int) float32 {
	if m.Mode == MaskStep {
		return float32(m.Step[h])
	}
	return m.Data[(h*m.QLen+i)*m.KLen+j]
}

// Shape returns the broadcast shape [1, heads, qlen, klen].
func (m *DecayMask) Shape() []int {
	return []int{1, m.Heads, m.QLen, m.KLen}
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
