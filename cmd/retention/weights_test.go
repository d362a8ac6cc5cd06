package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/retention/internal/retention"
	"github.com/samcharles93/retention/internal/tensor"
)

func parameter(blk *retention.Block, name string) []float32 {
	switch name {
	case retention.NameQWeight:
		return blk.QProj.W.Data
	case retention.NameKWeight:
		return blk.KProj.W.Data
	case retention.NameVWeight:
		return blk.VProj.W.Data
	case retention.NameGWeight:
		return blk.GProj.W.Data
	case retention.NameOutWeight:
		return blk.OutProj.W.Data
	case retention.NameQBias:
		return blk.QProj.Bias
	case retention.NameKBias:
		return blk.KProj.Bias
	case retention.NameVBias:
		return blk.VProj.Bias
	case retention.NameGBias:
		return blk.GProj.Bias
	case retention.NameOutBias:
		return blk.OutProj.Bias
	case retention.NameGroupNorm:
		return blk.GroupNorm
	case retention.NameDecay:
		out := make([]float32, len(blk.Decay))
		for h, d := range blk.Decay {
			out[h] = float32(d)
		}
		return out
	}
	return nil
}

// writeWeightDir dumps every parameter of blk as dir/<prefix><name>.bin.
func writeWeightDir(t *testing.T, blk *retention.Block, prefix string, dtype tensor.DType) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range blk.WeightNames() {
		raw, err := tensor.EncodeRaw(dtype, parameter(blk, name))
		if err != nil {
			t.Fatalf("encode %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, prefix+name+weightFileExt), raw, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func newBlock(t *testing.T, cfg retention.Config, seed int64) *retention.Block {
	t.Helper()
	blk, err := retention.New(cfg)
	if err != nil {
		t.Fatalf("retention.New: %v", err)
	}
	blk.InitRandom(seed)
	return blk
}

func TestLoadWeightDirReproducesBlock(t *testing.T) {
	t.Parallel()
	cfg := retention.Config{EmbedDim: 8, ValueDim: 12, NumHeads: 2, Bias: true}
	src := newBlock(t, cfg, 3)
	// Decay rates travel as float32.
	for h, d := range src.Decay {
		src.Decay[h] = float64(float32(d))
	}
	const prefix = "layers.0.retention."
	dir := writeWeightDir(t, src, prefix, tensor.DTypeF32)

	dst := newBlock(t, cfg, 99)
	if err := loadWeightDir(dst, dir, prefix, "f32"); err != nil {
		t.Fatalf("loadWeightDir: %v", err)
	}

	x := tensor.NewBatch(2, 5, 8)
	tensor.FillRandSlice(x.Data, 4, 2)
	want, err := src.Forward(x, nil, nil)
	if err != nil {
		t.Fatalf("Forward source: %v", err)
	}
	got, err := dst.Forward(x, nil, nil)
	if err != nil {
		t.Fatalf("Forward loaded: %v", err)
	}
	if diff := cmp.Diff(want.Data, got.Data, cmpopts.EquateApprox(1e-6, 1e-7)); diff != "" {
		t.Fatalf("loaded block output (-source +loaded):\n%s", diff)
	}
}

func TestLoadWeightDirHalfPrecision(t *testing.T) {
	t.Parallel()
	cfg := retention.Config{EmbedDim: 8, NumHeads: 2}
	src := newBlock(t, cfg, 5)
	dir := writeWeightDir(t, src, "", tensor.DTypeF16)

	dst := newBlock(t, cfg, 6)
	if err := loadWeightDir(dst, dir, "", "float16"); err != nil {
		t.Fatalf("loadWeightDir: %v", err)
	}
	if diff := cmp.Diff(src.QProj.W.Data, dst.QProj.W.Data, cmpopts.EquateApprox(1e-3, 1e-3)); diff != "" {
		t.Fatalf("q_proj after f16 round trip:\n%s", diff)
	}
}

func TestLoadWeightDirErrors(t *testing.T) {
	t.Parallel()
	cfg := retention.Config{EmbedDim: 8, NumHeads: 2}
	src := newBlock(t, cfg, 5)
	dir := writeWeightDir(t, src, "", tensor.DTypeF32)

	if err := loadWeightDir(newBlock(t, cfg, 1), dir, "", "int8"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}

	// Payloads written as f32 are twice as long as bf16 expects.
	if err := loadWeightDir(newBlock(t, cfg, 1), dir, "", "bf16"); err == nil {
		t.Fatal("expected error for mismatched payload size")
	}

	if err := os.Remove(filepath.Join(dir, retention.NameGroupNorm+weightFileExt)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	err := loadWeightDir(newBlock(t, cfg, 1), dir, "", "f32")
	if !errors.Is(err, retention.ErrWeightNotFound) {
		t.Fatalf("missing payload: error = %v, want ErrWeightNotFound", err)
	}
}
