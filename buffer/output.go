package buffer

import (
	"fmt"
)

// OutputSample is one batch of an OutputBuffer
type OutputSample struct {
	Instructions []string
	Outputs      []string
}

// OutputBuffer keeps instruction/output text pairs for evaluation and
// distillation, without numeric trajectory data
type OutputBuffer struct {
	instructions []string
	outputs      []string
}

func NewOutputBuffer(instructions, outputs []string) (*OutputBuffer, error) {
	b := &OutputBuffer{}
	if err := b.extend(instructions, outputs); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *OutputBuffer) Len() int {
	return len(b.instructions)
}

func (b *OutputBuffer) Extend(other *OutputBuffer) error {
	return b.extend(other.instructions, other.outputs)
}

func (b *OutputBuffer) extend(instructions, outputs []string) error {
	if len(instructions) != len(outputs) {
		return fmt.Errorf("%w: %d instructions for %d outputs", ErrShapeMismatch, len(instructions), len(outputs))
	}
	b.instructions = append(b.instructions, instructions...)
	b.outputs = append(b.outputs, outputs...)
	bufferRowsAppended.WithLabelValues("output").Add(float64(len(outputs)))
	return nil
}

// Get serves the pairs in order, batchSize at a time
func (b *OutputBuffer) Get(batchSize int) (*Batches[OutputSample], error) {
	indices, err := batchOrder(b.Len(), batchSize, false, nil)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, func(idx []int) OutputSample {
		// unshuffled batches are contiguous
		from, to := idx[0], idx[len(idx)-1]+1
		return OutputSample{
			Instructions: append([]string(nil), b.instructions[from:to]...),
			Outputs:      append([]string(nil), b.outputs[from:to]...),
		}
	}), nil
}
