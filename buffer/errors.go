package buffer

import (
	"errors"

	"github.com/zeu5/rollout-buffer/tensor"
)

var (
	ErrRewardOutsideMask = errors.New("reward on a position outside the action mask")
	ErrShapeMismatch     = tensor.ErrShapeMismatch
	ErrMissingField      = errors.New("missing required field")
	ErrBatchSize         = errors.New("batch size must be positive")
	ErrIndexOutOfRange   = tensor.ErrOutOfRange
	ErrMalformedRecord   = errors.New("malformed buffer record")
)
