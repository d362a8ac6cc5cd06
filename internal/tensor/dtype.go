package tensor

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType names an element encoding for raw little-endian weight payloads.
type DType string

const (
	DTypeF32  DType = "F32"
	DTypeF16  DType = "F16"
	DTypeBF16 DType = "BF16"
)

// ParseDType normalises a dtype name such as "f16" or "bfloat16".
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FLOAT32", "":
		return DTypeF32, nil
	case "F16", "FLOAT16", "HALF":
		return DTypeF16, nil
	case "BF16", "BFLOAT16":
		return DTypeBF16, nil
	default:
		return "", errUnsupportedDType
	}
}

// ElemSize returns the encoded width in bytes of one element.
func (d DType) ElemSize() (int, bool) {
	switch d {
	case DTypeF32:
		return 4, true
	case DTypeF16, DTypeBF16:
		return 2, true
	default:
		return 0, false
	}
}

// DecodeRaw converts n little-endian elements of the given dtype to float32.
func DecodeRaw(dtype DType, raw []byte, n int) ([]float32, error) {
	if n < 0 {
		return nil, errNegativeDim
	}
	size, ok := dtype.ElemSize()
	if !ok {
		return nil, errUnsupportedDType
	}
	if len(raw) != n*size {
		return nil, errRawSizeMismatch
	}
	out := make([]float32, n)
	switch dtype {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case DTypeBF16:
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, nil
}

// EncodeRaw is the inverse of DecodeRaw. F16 and BF16 round to nearest even
// and truncate respectively.
func EncodeRaw(dtype DType, src []float32) ([]byte, error) {
	size, ok := dtype.ElemSize()
	if !ok {
		return nil, errUnsupportedDType
	}
	out := make([]byte, len(src)*size)
	for i, v := range src {
		switch dtype {
		case DTypeF32:
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		case DTypeF16:
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		case DTypeBF16:
			binary.LittleEndian.PutUint16(out[i*2:], uint16(math.Float32bits(v)>>16))
		}
	}
	return out, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
