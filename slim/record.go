package slim

import (
	"fmt"
)

// Record is the persisted form of one compressed trajectory.
// The zero Record encodes as {} and stands for "no logits retained".
type Record struct {
	VocabSize int             `json:"vocab_size,omitempty"`
	MaxSeqLen int             `json:"max_seq_len,omitempty"`
	Tokens    map[int][]Entry `json:"tokens,omitempty"`
}

func (r Record) IsZero() bool {
	return r.VocabSize == 0 && r.MaxSeqLen == 0 && len(r.Tokens) == 0
}

// Record returns the persisted form of trajectory i
func (l *Logits) Record(i int) Record {
	tokens := make(map[int][]Entry, len(l.rows[i]))
	for pos, entries := range l.rows[i] {
		if len(entries) == 0 {
			continue
		}
		tokens[pos] = append([]Entry(nil), entries...)
	}
	return Record{
		VocabSize: l.vocabSize,
		MaxSeqLen: l.maxSeqLen,
		Tokens:    tokens,
	}
}

// FromRecords rebuilds a container from persisted records.
// k is the largest entry count found in the records.
func FromRecords(records []Record) (*Logits, error) {
	if len(records) == 0 {
		return New(0, 0, 0), nil
	}
	l := New(0, records[0].VocabSize, records[0].MaxSeqLen)
	for i, r := range records {
		if r.VocabSize <= 0 || r.MaxSeqLen <= 0 {
			return nil, fmt.Errorf("%w: record %d has no dimensions", ErrIncompatible, i)
		}
		if r.VocabSize != l.vocabSize || r.MaxSeqLen != l.maxSeqLen {
			return nil, fmt.Errorf("%w: record %d has shape [%d, %d], expected [%d, %d]", ErrIncompatible, i, r.MaxSeqLen, r.VocabSize, l.maxSeqLen, l.vocabSize)
		}
		row := make([][]Entry, r.MaxSeqLen)
		for pos, entries := range r.Tokens {
			if pos < 0 || pos >= r.MaxSeqLen {
				return nil, fmt.Errorf("%w: record %d position %d outside [0, %d)", ErrIncompatible, i, pos, r.MaxSeqLen)
			}
			for _, e := range entries {
				if e.Index < 0 || e.Index >= r.VocabSize {
					return nil, fmt.Errorf("%w: record %d index %d outside vocabulary of %d", ErrIncompatible, i, e.Index, r.VocabSize)
				}
			}
			row[pos] = append([]Entry(nil), entries...)
			if len(entries) > l.k {
				l.k = len(entries)
			}
		}
		l.rows = append(l.rows, row)
	}
	return l, nil
}
