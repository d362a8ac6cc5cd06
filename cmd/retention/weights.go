package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/retention"
	"github.com/samcharles93/retention/internal/tensor"
)

// weightFileExt is appended to each parameter name to form its payload file.
const weightFileExt = ".bin"

// readWeightDir collects one raw little-endian payload per parameter the block
// expects, read from dir/<prefix><name>.bin. Shapes come from the block, so
// the files carry data only. Missing files are left out of the source and
// surface as ErrWeightNotFound from LoadWeights.
func readWeightDir(dir, prefix string, dtype tensor.DType, blk *retention.Block) (retention.MapSource, error) {
	src := retention.MapSource{}
	for _, name := range blk.WeightNames() {
		shape, err := blk.WeightShape(name)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, prefix+name+weightFileExt)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read weights: %w", err)
		}
		src[prefix+name] = retention.RawTensor{DType: dtype, Shape: shape, Data: data}
	}
	return src, nil
}

// loadWeightDir populates blk from a directory written in the readWeightDir
// layout.
func loadWeightDir(blk *retention.Block, dir, prefix, dtypeName string) error {
	dtype, err := tensor.ParseDType(dtypeName)
	if err != nil {
		return fmt.Errorf("weights dtype %q: %w", dtypeName, err)
	}
	src, err := readWeightDir(dir, prefix, dtype, blk)
	if err != nil {
		return err
	}
	return blk.LoadWeights(src, prefix)
}

// initWeights loads --weights when given and falls back to seeded random
// weights otherwise.
func initWeights(blk *retention.Block, log logger.Logger) error {
	if weightsDir == "" {
		blk.InitRandom(seed)
		log.Debug("using seeded random weights", "seed", seed)
		return nil
	}
	if err := loadWeightDir(blk, weightsDir, weightsPrefix, weightsDType); err != nil {
		return err
	}
	log.Info("loaded weights", "dir", weightsDir, "dtype", weightsDType, "prefix", weightsPrefix)
	return nil
}
