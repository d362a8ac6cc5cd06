package api

import (
	"fmt"

	"github.com/samcharles93/retention/internal/tensor"
)

// ForwardRequest carries a [B][T][EmbedDim] activation batch.
type ForwardRequest struct {
	Input [][][]float32 `json:"input"`
}

type ForwardResponse struct {
	Object   string        `json:"object"`
	Mode     string        `json:"mode"`
	Session  string        `json:"session,omitempty"`
	Position int           `json:"position,omitempty"`
	Shape    []int         `json:"shape"`
	Output   [][][]float32 `json:"output"`
}

type CreateSessionReq struct {
	// Batch is the number of sequences decoded together. Zero means 1.
	Batch int `json:"batch,omitempty"`
}

type SessionResp struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	CreatedAt  int64  `json:"created_at"`
	Batch      int    `json:"batch"`
	Position   int    `json:"position"`
	StateShape []int  `json:"state_shape,omitempty"`
}

type DeleteSessionResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// batchFromNested packs a nested [B][T][C] array into a dense batch. Every
// sequence must have the same length and every vector the same width.
func batchFromNested(in [][][]float32) (tensor.Batch, error) {
	if len(in) == 0 {
		return tensor.Batch{}, newInvalidRequest("input: at least one sequence is required")
	}
	b, t := len(in), len(in[0])
	c := 0
	if t > 0 {
		c = len(in[0][0])
	}
	out := tensor.NewBatch(b, t, c)
	for i, seq := range in {
		if len(seq) != t {
			return tensor.Batch{}, newInvalidRequest(fmt.Sprintf("input[%d]: %d positions, want %d", i, len(seq), t))
		}
		for j, vec := range seq {
			if len(vec) != c {
				return tensor.Batch{}, newInvalidRequest(fmt.Sprintf("input[%d][%d]: width %d, want %d", i, j, len(vec), c))
			}
			copy(out.Vec(i, j), vec)
		}
	}
	return out, nil
}

func nestedFromBatch(x tensor.Batch) [][][]float32 {
	out := make([][][]float32, x.B)
	for b := range out {
		out[b] = make([][]float32, x.T)
		for t := range out[b] {
			out[b][t] = append([]float32(nil), x.Vec(b, t)...)
		}
	}
	return out
}
