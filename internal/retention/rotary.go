package retention

import (
	"math"
	"sync"

	"github.com/samcharles93/retention/internal/tensor"
)

// RotaryCache holds sine/cosine tables for rotary position encoding. It is
// owned by the caller and passed explicitly into every forward call. Tables
// only ever grow: once a length L has been served, the entries for positions
// below L are never modified.
//
// A RotaryCache is safe for concurrent use.
type RotaryCache struct {
	mu     sync.Mutex
	tables map[rotaryKey]*rotaryTable
}

type rotaryKey struct {
	dim   int
	theta float64
}

type rotaryTable struct {
	length int
	sin    []float32 // [length, dim]
	cos    []float32 // [length, dim]
}

// NewRotaryCache returns an empty cache.
func NewRotaryCache() *RotaryCache {
	return &RotaryCache{tables: make(map[rotaryKey]*rotaryTable)}
}

// Tables returns [length, dim] sine and cosine tables for base theta. The
// returned slices are read-only views. grown reports whether the call had to
// (re)compute the table; a rebuilt table covers at least twice its previous
// length.
func (c *RotaryCache) Tables(length, dim int, theta float64) (sin, cos []float32, grown bool) {
	if dim <= 0 || dim%2 != 0 {
		panic("rotary dimension must be positive and even")
	}
	if length < 0 {
		panic("negative rotary length")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables == nil {
		c.tables = make(map[rotaryKey]*rotaryTable)
	}
	key := rotaryKey{dim: dim, theta: theta}
	t := c.tables[key]
	if t == nil || t.length < length {
		// At least double, so position-by-position decoding rebuilds
		// O(log T) times.
		n := length
		if t != nil {
			n = max(n, 2*t.length)
		}
		t = buildRotaryTable(n, dim, theta)
		c.tables[key] = t
		grown = true
	}
	return t.sin[:length*dim], t.cos[:length*dim], grown
}

// Len reports how many positions are cached for (dim, theta).
func (c *RotaryCache) Len(dim int, theta float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.tables[rotaryKey{dim: dim, theta: theta}]; t != nil {
		return t.length
	}
	return 0
}

func buildRotaryTable(length, dim int, theta float64) *rotaryTable {
	half := dim / 2
	angles := make([]float64, half)
	for i := range angles {
		angles[i] = math.Pow(theta, -2*float64(i)/float64(dim))
	}
	t := &rotaryTable{
		length: length,
		sin:    make([]float32, length*dim),
		cos:    make([]float32, length*dim),
	}
	for p := 0; p < length; p++ {
		row := p * dim
		for i, a := range angles {
			s, co := math.Sincos(float64(p) * a)
			t.sin[row+2*i] = float32(s)
			t.sin[row+2*i+1] = float32(s)
			t.cos[row+2*i] = float32(co)
			t.cos[row+2*i+1] = float32(co)
		}
	}
	return t
}

// Rotate returns x rotated by absolute positions pos..pos+L-1 along its
// sequence axis. sin and cos must cover at least pos+L positions of width x.D.
func Rotate(x tensor.Heads, sin, cos []float32, pos int) tensor.Heads {
	d := x.D
	if len(sin) < (pos+x.L)*d || len(cos) < (pos+x.L)*d {
		panic("rotary tables too short for requested positions")
	}
	out := tensor.NewHeads(x.B, x.H, x.L, d)
	for b := 0; b < x.B; b++ {
		for h := 0; h < x.H; h++ {
			for l := 0; l < x.L; l++ {
				src := x.Vec(b, h, l)
				dst := out.Vec(b, h, l)
				s := sin[(pos+l)*d : (pos+l+1)*d]
				c := cos[(pos+l)*d : (pos+l+1)*d]
				for i := 0; i < d; i += 2 {
					x1, x2 := src[i], src[i+1]
					dst[i] = x1*c[i] - x2*s[i]
					dst[i+1] = x2*c[i+1] + x1*s[i+1]
				}
			}
		}
	}
	return out
}
