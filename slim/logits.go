// Package slim keeps a lossy top-k view of per-token output distributions.
//
// Storing a full vocabulary distribution for every generated token is not
// feasible, so each position keeps only its k largest (index, value) pairs.
// A dense reconstruction fills every other vocabulary slot with zero: it is
// a dense-but-lossy tensor, not a probability distribution.
package slim

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrIncompatible = errors.New("incompatible compressed logits")

// Entry is one retained vocabulary slot of a token position
type Entry struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Logits holds the compressed distributions of a list of trajectories.
// All trajectories share one vocabulary size and one sequence length.
type Logits struct {
	k         int
	vocabSize int
	maxSeqLen int
	// rows[trajectory][position] -> at most k entries, largest value first
	rows [][][]Entry
}

// New returns an empty container with fixed dimensions
func New(k, vocabSize, maxSeqLen int) *Logits {
	return &Logits{
		k:         k,
		vocabSize: vocabSize,
		maxSeqLen: maxSeqLen,
		rows:      make([][][]Entry, 0),
	}
}

// Compress keeps the top-k entries of every position of every trajectory.
// Each element of logits is a [max_seq_len x vocab_size] matrix.
func Compress(logits []*mat.Dense, k int) (*Logits, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrIncompatible, k)
	}
	if len(logits) == 0 {
		return New(k, 0, 0), nil
	}
	seqLen, vocab := logits[0].Dims()
	l := New(k, vocab, seqLen)
	for i, d := range logits {
		r, c := d.Dims()
		if r != seqLen || c != vocab {
			return nil, fmt.Errorf("%w: trajectory %d has shape [%d, %d], expected [%d, %d]", ErrIncompatible, i, r, c, seqLen, vocab)
		}
		row := make([][]Entry, seqLen)
		for pos := 0; pos < seqLen; pos++ {
			row[pos] = TopK(d.RawRowView(pos), k)
		}
		l.rows = append(l.rows, row)
	}
	return l, nil
}

// TopK returns the k largest values of dist with their indices, largest first.
// Equal values keep the order of a stable ascending sort, read from the end.
func TopK(dist []float64, k int) []Entry {
	if k > len(dist) {
		k = len(dist)
	}
	sorted := make([]float64, len(dist))
	copy(sorted, dist)
	inds := make([]int, len(dist))
	floats.ArgsortStable(sorted, inds)

	entries := make([]Entry, 0, k)
	for i := len(dist) - 1; i >= len(dist)-k; i-- {
		entries = append(entries, Entry{Index: inds[i], Value: sorted[i]})
	}
	return entries
}

func (l *Logits) Len() int {
	return len(l.rows)
}

func (l *Logits) TopK() int {
	return l.k
}

func (l *Logits) VocabSize() int {
	return l.vocabSize
}

func (l *Logits) MaxSeqLen() int {
	return l.maxSeqLen
}

// Compatible reports whether other can be appended to l
func (l *Logits) Compatible(other *Logits) error {
	if l.Len() == 0 || other.Len() == 0 {
		return nil
	}
	if l.vocabSize != other.vocabSize || l.maxSeqLen != other.maxSeqLen {
		return fmt.Errorf("%w: [%d, %d] vs [%d, %d]", ErrIncompatible, l.maxSeqLen, l.vocabSize, other.maxSeqLen, other.vocabSize)
	}
	return nil
}

// Extend appends the trajectories of other.
// Entries are immutable once compressed so they are shared, not copied.
func (l *Logits) Extend(other *Logits) error {
	if err := l.Compatible(other); err != nil {
		return err
	}
	if other.Len() == 0 {
		return nil
	}
	if l.Len() == 0 {
		l.vocabSize = other.vocabSize
		l.maxSeqLen = other.maxSeqLen
	}
	if other.k > l.k {
		l.k = other.k
	}
	l.rows = append(l.rows, other.rows...)
	return nil
}

// Entries returns the retained entries of trajectory i at position pos
func (l *Logits) Entries(i, pos int) []Entry {
	return l.rows[i][pos]
}

// Fetch reconstructs trajectory i as a dense [max_seq_len x vocab_size] matrix
func (l *Logits) Fetch(i int) *mat.Dense {
	d := mat.NewDense(l.maxSeqLen, l.vocabSize, nil)
	l.FetchInto(i, d)
	return d
}

// FetchInto writes trajectory i into dst, zeroing every slot not retained
func (l *Logits) FetchInto(i int, dst *mat.Dense) {
	dst.Zero()
	for pos, entries := range l.rows[i] {
		for _, e := range entries {
			dst.Set(pos, e.Index, e.Value)
		}
	}
}

// Slice returns the trajectories in [from, to) sharing entries with l
func (l *Logits) Slice(from, to int) *Logits {
	out := New(l.k, l.vocabSize, l.maxSeqLen)
	out.rows = append(out.rows, l.rows[from:to]...)
	return out
}
