package buffer

import (
	"fmt"

	"github.com/zeu5/rollout-buffer/tensor"
)

// ScatterPolicy decides which masked positions receive a trajectory score
type ScatterPolicy int

const (
	// ScatterLast writes the score on the last masked position only
	ScatterLast ScatterPolicy = iota
	// ScatterAll writes the score on every masked position
	ScatterAll
)

func (p ScatterPolicy) String() string {
	switch p {
	case ScatterLast:
		return "last"
	case ScatterAll:
		return "all"
	default:
		return fmt.Sprintf("ScatterPolicy(%d)", int(p))
	}
}

// ParseScatterPolicy reads "last" or "all"
func ParseScatterPolicy(s string) (ScatterPolicy, error) {
	switch s {
	case "last":
		return ScatterLast, nil
	case "all":
		return ScatterAll, nil
	default:
		return 0, fmt.Errorf("unknown scatter policy %q, expected last or all", s)
	}
}

// CriticSample is one batch of scores, [batch, 1] or [batch, max_seq_len]
type CriticSample struct {
	Scores tensor.Matrix[float64]
}

// CriticBuffer stores one score per trajectory, either as a single column
// or scattered onto the masked token positions
type CriticBuffer struct {
	scores tensor.Matrix[float64]
}

// NewCriticBuffer stores the scores as a [n, 1] column
func NewCriticBuffer(scores []float64) *CriticBuffer {
	// a copy of n values always fits [n, 1]
	m, _ := tensor.FromData(len(scores), 1, append([]float64(nil), scores...))
	return &CriticBuffer{scores: m}
}

// NewTokenCriticBuffer stores one score per token, such as critic values
func NewTokenCriticBuffer(scores tensor.Matrix[float64]) *CriticBuffer {
	return &CriticBuffer{scores: scores.Clone()}
}

// NewMaskedCriticBuffer scatters scores[i] onto the masked positions of row i
// following policy, leaving every other position at zero
func NewMaskedCriticBuffer(scores []float64, masks tensor.Matrix[bool], policy ScatterPolicy) (*CriticBuffer, error) {
	rows, cols := masks.Shape()
	if len(scores) != rows {
		return nil, fmt.Errorf("%w: %d scores for %d mask rows", ErrShapeMismatch, len(scores), rows)
	}
	m := tensor.New[float64](rows, cols)
	for i, score := range scores {
		mask := masks.Row(i)
		switch policy {
		case ScatterLast:
			if last := tensor.LastTrue(mask); last >= 0 {
				m.Set(i, last, score)
			}
		case ScatterAll:
			for j, v := range mask {
				if v {
					m.Set(i, j, score)
				}
			}
		default:
			return nil, fmt.Errorf("unknown scatter policy %v", policy)
		}
	}
	return &CriticBuffer{scores: m}, nil
}

func (b *CriticBuffer) Len() int {
	return b.scores.Rows()
}

// Scores returns a copy of the stored score matrix
func (b *CriticBuffer) Scores() tensor.Matrix[float64] {
	return b.scores.Clone()
}

// Extend appends the scores of other; both must have the same layout
func (b *CriticBuffer) Extend(other *CriticBuffer) error {
	if err := b.scores.Append(other.scores); err != nil {
		return err
	}
	bufferRowsAppended.WithLabelValues("critic").Add(float64(other.Len()))
	return nil
}

// Get serves the scores in order, batchSize rows at a time
func (b *CriticBuffer) Get(batchSize int) (*Batches[CriticSample], error) {
	indices, err := batchOrder(b.Len(), batchSize, false, nil)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, func(idx []int) CriticSample {
		return CriticSample{Scores: b.scores.Gather(idx)}
	}), nil
}
