package retention

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/retention/internal/tensor"
)

// Parameter names, relative to the block prefix.
const (
	NameQWeight   = "q_proj.weight"
	NameQBias     = "q_proj.bias"
	NameKWeight   = "k_proj.weight"
	NameKBias     = "k_proj.bias"
	NameVWeight   = "v_proj.weight"
	NameVBias     = "v_proj.bias"
	NameGWeight   = "g_proj.weight"
	NameGBias     = "g_proj.bias"
	NameOutWeight = "out_proj.weight"
	NameOutBias   = "out_proj.bias"
	NameGroupNorm = "group_norm.weight"
	NameDecay     = "decay"
)

// ErrWeightNotFound is returned by a WeightSource that has no tensor under the
// requested name.
var ErrWeightNotFound = errors.New("retention: weight not found")

// WeightSource supplies named float tensors. The block never reads files
// itself; callers adapt whatever checkpoint format they have.
type WeightSource interface {
	Tensor(name string) (shape []int, data []float32, err error)
}

// WeightNames lists every parameter the block expects, in a stable order.
// Bias names are only present when the block was configured with bias.
func (b *Block) WeightNames() []string {
	names := []string{NameQWeight, NameKWeight, NameVWeight, NameGWeight, NameOutWeight}
	if b.cfg.Bias {
		names = append(names, NameQBias, NameKBias, NameVBias, NameGBias, NameOutBias)
	}
	return append(names, NameGroupNorm, NameDecay)
}

// WeightShape returns the expected shape of a named parameter.
func (b *Block) WeightShape(name string) ([]int, error) {
	if name == NameDecay {
		return []int{b.cfg.NumHeads}, nil
	}
	if name == NameGroupNorm {
		return []int{b.cfg.HeadDim()}, nil
	}
	p, isBias, err := b.slot(name)
	if err != nil {
		return nil, err
	}
	if isBias {
		return []int{p.Out()}, nil
	}
	return p.W.Shape(), nil
}

// SetWeight copies data into the named parameter after checking its shape.
func (b *Block) SetWeight(name string, shape []int, data []float32) error {
	want, err := b.WeightShape(name)
	if err != nil {
		return err
	}
	if !slices.Equal(shape, want) {
		return shapeErr(name, want, shape)
	}
	if n := numel(want); len(data) != n {
		return shapeErr(name, []int{n}, []int{len(data)})
	}

	switch name {
	case NameDecay:
		for h, d := range data {
			b.Decay[h] = float64(d)
		}
	case NameGroupNorm:
		copy(b.GroupNorm, data)
	default:
		p, isBias, _ := b.slot(name)
		if isBias {
			copy(p.Bias, data)
		} else {
			copy(p.W.Data, data)
		}
	}
	return nil
}

// LoadWeights fills every parameter listed by WeightNames from src, looking
// each up as prefix+name.
func (b *Block) LoadWeights(src WeightSource, prefix string) error {
	for _, name := range b.WeightNames() {
		shape, data, err := src.Tensor(prefix + name)
		if err != nil {
			return fmt.Errorf("load %s%s: %w", prefix, name, err)
		}
		if err := b.SetWeight(name, shape, data); err != nil {
			return fmt.Errorf("load %s%s: %w", prefix, name, err)
		}
	}
	b.log.Debug("retention weights loaded", "prefix", prefix, "count", len(b.WeightNames()))
	return nil
}

func (b *Block) slot(name string) (p *tensor.Linear, isBias bool, err error) {
	switch name {
	case NameQWeight, NameQBias:
		p = &b.QProj
	case NameKWeight, NameKBias:
		p = &b.KProj
	case NameVWeight, NameVBias:
		p = &b.VProj
	case NameGWeight, NameGBias:
		p = &b.GProj
	case NameOutWeight, NameOutBias:
		p = &b.OutProj
	default:
		return nil, false, fmt.Errorf("unknown parameter %q: %w", name, ErrWeightNotFound)
	}
	isBias = name == NameQBias || name == NameKBias || name == NameVBias ||
		name == NameGBias || name == NameOutBias
	if isBias && p.Bias == nil {
		return nil, false, fmt.Errorf("parameter %q on a block without bias: %w", name, ErrWeightNotFound)
	}
	return p, isBias, nil
}

// RawTensor is an undecoded little-endian tensor payload.
type RawTensor struct {
	DType tensor.DType
	Shape []int
	Data  []byte
}

// MapSource is an in-memory WeightSource keyed by full parameter name.
type MapSource map[string]RawTensor

// Tensor decodes the named payload to float32.
func (m MapSource) Tensor(name string) ([]int, []float32, error) {
	raw, ok := m[name]
	if !ok {
		return nil, nil, ErrWeightNotFound
	}
	data, err := tensor.DecodeRaw(raw.DType, raw.Data, numel(raw.Shape))
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return slices.Clone(raw.Shape), data, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
