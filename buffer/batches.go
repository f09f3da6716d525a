package buffer

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Batches is a finite pull-based sequence of batches over an index order
// fixed when the sequence is created. Every Get call on a buffer returns a
// fresh sequence; a sequence is not safe for concurrent use and reads the
// buffer lazily, so the buffer must not be mutated while it is consumed.
//
//	batches, _ := buf.Get(64, true)
//	for batches.Next() {
//		sample := batches.Batch()
//		...
//	}
type Batches[S any] struct {
	indices []int
	size    int
	start   int
	build   func([]int) S
	current S
}

func newBatches[S any](indices []int, size int, build func([]int) S) *Batches[S] {
	return &Batches[S]{
		indices: indices,
		size:    size,
		build:   build,
	}
}

// Next advances to the next batch, returning false once every index was served
func (b *Batches[S]) Next() bool {
	if b.start >= len(b.indices) {
		return false
	}
	end := min(b.start+b.size, len(b.indices))
	b.current = b.build(b.indices[b.start:end])
	b.start = end
	return true
}

// Skip advances past n batches without building them and returns how
// many were skipped
func (b *Batches[S]) Skip(n int) int {
	skipped := 0
	for ; skipped < n && b.start < len(b.indices); skipped++ {
		b.start = min(b.start+b.size, len(b.indices))
	}
	return skipped
}

// Batch returns the batch produced by the last call to Next
func (b *Batches[S]) Batch() S {
	return b.current
}

// Len is the total number of batches of the sequence
func (b *Batches[S]) Len() int {
	return (len(b.indices) + b.size - 1) / b.size
}

// Collect drains the remaining batches
func (b *Batches[S]) Collect() []S {
	out := make([]S, 0, b.Len())
	for b.Next() {
		out = append(out, b.Batch())
	}
	return out
}

// batchOrder returns the trajectory order of one pass over n rows
func batchOrder(n, batchSize int, shuffle bool, r *rand.Rand) ([]int, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBatchSize, batchSize)
	}
	if shuffle {
		return r.Perm(n), nil
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices, nil
}
