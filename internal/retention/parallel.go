package retention

import (
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/retention/internal/tensor"
)

// forEachHead runs fn for every (sequence, head) pair, at most workers at a
// time (unbounded when workers <= 0). Each call must touch only its own slice
// of the output.
func forEachHead(batch, heads, workers int, fn func(b, h int)) {
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			g.Go(func() error {
				fn(b, h)
				return nil
			})
		}
	}
	// fn cannot fail; the group only bounds concurrency.
	_ = g.Wait()
}

// parallelRetention computes
//
//	y[b,h,l,:] = Σ_m (q[b,h,l,:]·k[b,h,m,:]) · mask[h,l,m] · v[b,h,m,:]
//
// for a whole chunk at once. q is [B,H,qlen,Dk], k is [B,H,klen,Dk], v is
// [B,H,klen,Dv] and mask is causal [H,qlen,klen]. The q·k score is used as is,
// without a softmax.
func parallelRetention(q, k, v tensor.Heads, mask *DecayMask, workers int) tensor.Heads {
	y := tensor.NewHeads(q.B, q.H, q.L, v.D)
	forEachHead(q.B, q.H, workers, func(b, h int) {
		acc := make([]float64, v.D)
		for l := 0; l < q.L; l++ {
			clear(acc)
			ql := q.Vec(b, h, l)
			row := mask.Row(h, l)
			for m, w := range row {
				if w == 0 {
					continue
				}
				s := float64(tensor.Dot(ql, k.Vec(b, h, m))) * float64(w)
				for i, vv := range v.Vec(b, h, m) {
					acc[i] += s * float64(vv)
				}
			}
			out := y.Vec(b, h, l)
			for i, a := range acc {
				out[i] = float32(a)
			}
		}
	})
	return y
}
