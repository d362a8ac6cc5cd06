package retention

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every construction-time configuration error.
	ErrInvalidConfig = errors.New("retention: invalid configuration")
	// ErrShapeMismatch is wrapped by every call-time dimension error.
	ErrShapeMismatch = errors.New("retention: shape mismatch")
)

// ConfigError reports a block configuration that violates an invariant.
type ConfigError struct {
	Field    string
	Value    int
	NumHeads int
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("retention: invalid %s=%d (num_heads=%d): %s", e.Field, e.Value, e.NumHeads, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// ShapeError reports an input, state or weight whose dimensions disagree with
// the block configuration.
type ShapeError struct {
	What string
	Want []int
	Got  []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("retention: %s shape mismatch: want %v, got %v", e.What, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }

func shapeErr(what string, want, got []int) error {
	return &ShapeError{What: what, Want: want, Got: got}
}
