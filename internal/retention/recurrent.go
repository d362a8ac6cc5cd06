package retention

import (
	"math"

	"github.com/samcharles93/retention/internal/tensor"
)

// recurrentRetention processes a chunk of L new positions appended after the
// history summarised by st, and replaces st's accumulator with one that
// also covers the chunk.
//
// With γ = exp(decay[h]) and r[l,j] = γ^(l-j) the unnormalised in-chunk
// weights, the accumulator after P positions is S = Σ_{j<P} γ^(P-j) k_j⊗v_j,
// so every stored term has been decayed at least once. Position l of the
// chunk gets
//
//	num_l = Σ_{j≤l} r[l,j] (q_l·k_j) v_j + γ^l PrevS·q_l
//	Z_l   = Σ_{j≤l} r[l,j] + γ^l Scale
//	y_l   = num_l / sqrt(Z_l)
//
// which is term for term the parallel form over the full history, including
// its row normalisation. The accumulator advances as
//
//	S' = Σ_j γ·r[L-1,j] k_j⊗v_j + γ^L PrevS
//	Scale' = γ·Z_{L-1}
func recurrentRetention(q, k, v tensor.Heads, decay []float64, st *State, workers int) tensor.Heads {
	L := q.L
	step := NewDecayMask(decay, 1, 1)
	local := CausalDecayMask(decay, L, L, false)

	carried := !st.Empty()
	prevScale := make([]float64, q.H)
	if carried {
		copy(prevScale, st.Scale)
	}

	// γ^l for l in [0, L], and the row normalisers Z_l.
	toStart := make([][]float64, q.H)
	norm := make([][]float64, q.H)
	for h := 0; h < q.H; h++ {
		toStart[h] = make([]float64, L+1)
		norm[h] = make([]float64, L)
		g := step.Step[h]
		f := 1.0
		for l := 0; l < L; l++ {
			toStart[h][l] = f
			var z float64
			for _, w := range local.Row(h, l) {
				z += float64(w)
			}
			if carried {
				z += f * prevScale[h]
			}
			norm[h][l] = z
			f *= g
		}
		toStart[h][L] = f
	}

	increment := incrementWeights(local, step)

	dk, dv := k.D, v.D
	y := tensor.NewHeads(q.B, q.H, L, dv)
	nextS := make([]float32, q.B*q.H*dv*dk)
	forEachHead(q.B, q.H, workers, func(b, h int) {
		var prev []float32
		if carried {
			prev = st.Accumulator(b, h)
		}
		acc := make([]float64, dv)
		for l := 0; l < L; l++ {
			clear(acc)
			ql := q.Vec(b, h, l)
			for j, w := range local.Row(h, l) {
				if w == 0 {
					continue
				}
				s := float64(tensor.Dot(ql, k.Vec(b, h, j))) * float64(w)
				for i, vv := range v.Vec(b, h, j) {
					acc[i] += s * float64(vv)
				}
			}
			if prev != nil {
				f := toStart[h][l]
				for i := 0; i < dv; i++ {
					acc[i] += f * float64(tensor.Dot(prev[i*dk:(i+1)*dk], ql))
				}
			}
			out := y.Vec(b, h, l)
			z := norm[h][l]
			if z <= 0 || math.IsInf(z, 0) || math.IsNaN(z) {
				continue
			}
			inv := 1 / math.Sqrt(z)
			for i, a := range acc {
				out[i] = float32(a * inv)
			}
		}

		off := (b*q.H + h) * dv * dk
		s := nextS[off : off+dv*dk]
		foldChunk(s, k, v, increment[h], b, h)
		if prev != nil {
			carry := float32(toStart[h][L])
			tensor.Axpy(s, carry, prev)
		}
	})

	scale := make([]float64, q.H)
	for h := range scale {
		scale[h] = step.Step[h] * norm[h][L-1]
	}
	*st = State{
		PrevS:   nextS,
		Scale:   scale,
		Pos:     st.Pos + L,
		batch:   q.B,
		heads:   q.H,
		headDim: dv,
		keyDim:  dk,
	}
	return y
}

// incrementWeights returns, per head, the last row of the unnormalised chunk
// mask decayed by one more step: γ^(L-j) for chunk position j.
func incrementWeights(local, step *DecayMask) [][]float32 {
	w := make([][]float32, local.Heads)
	for h := range w {
		row := local.Row(h, local.QLen-1)
		w[h] = make([]float32, len(row))
		for j, r := range row {
			w[h][j] = float32(finiteOrZero(step.Step[h] * float64(r)))
		}
	}
	return w
}

// foldChunk adds Σ_j w[j] v_j⊗k_j for sequence b, head h into the
// [HeadDim, KeyDim] accumulator s.
func foldChunk(s []float32, k, v tensor.Heads, w []float32, b, h int) {
	dk := k.D
	for j, wj := range w {
		if wj == 0 {
			continue
		}
		kj := k.Vec(b, h, j)
		for i, vv := range v.Vec(b, h, j) {
			tensor.Axpy(s[i*dk:(i+1)*dk], wj*vv, kj)
		}
	}
}

// summarize builds the state the recurrent form would hold after consuming
// the T positions of k and v from an empty start.
func summarize(k, v tensor.Heads, decay []float64, workers int) *State {
	T := k.L
	local := CausalDecayMask(decay, T, T, false)
	increment := incrementWeights(local, NewDecayMask(decay, 1, 1))
	dk, dv := k.D, v.D
	acc := make([]float32, k.B*k.H*dv*dk)
	forEachHead(k.B, k.H, workers, func(b, h int) {
		off := (b*k.H + h) * dv * dk
		foldChunk(acc[off:off+dv*dk], k, v, increment[h], b, h)
	})
	scale := make([]float64, k.H)
	for h := range scale {
		for _, w := range increment[h] {
			scale[h] += float64(w)
		}
	}
	return &State{
		PrevS:   acc,
		Scale:   scale,
		Pos:     T,
		batch:   k.B,
		heads:   k.H,
		headDim: dv,
		keyDim:  dk,
	}
}
