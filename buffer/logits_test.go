package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/rollout-buffer/tensor"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"
)

// newLogitsInput returns n trajectories over a vocabulary of 3 and a
// sequence length of 2, numbered from first
func newLogitsInput(t *testing.T, first, n int, withLogits bool) LogitsInput {
	t.Helper()
	in := LogitsInput{OutputTokensLogps: tensor.New[float64](n, 2)}
	for i := 0; i < n; i++ {
		id := float64(first + i)
		in.Instructions = append(in.Instructions, fmt.Sprintf("i%d", first+i))
		in.Outputs = append(in.Outputs, fmt.Sprintf("o%d", first+i))
		in.OutputTokensLogps.Set(i, 0, -id)
		in.OutputTokensLogps.Set(i, 1, -id-0.5)
		if withLogits {
			in.Logits = append(in.Logits, mat.NewDense(2, 3, []float64{
				0.1, 0.5 + id, 0.3,
				0.9 + id, 0.2, 0.4,
			}))
		}
	}
	return in
}

func topKConfig(t *testing.T, k int) LogitsConfig {
	config := DefaultLogitsConfig()
	config.TopK = k
	config.Logger = zaptest.NewLogger(t)
	return config
}

func TestLogitsSaveLoadRoundTrip(t *testing.T) {
	b, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 3, true))
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, b.Save(dir, true, false))
	assert.Equal(t, 3, b.Len())

	loaded := NewLogitsBuffer(topKConfig(t, 2))
	require.NoError(t, loaded.Load(filepath.Join(dir, BufferFileName), 0, -1))
	assert.Equal(t, b.Records(), loaded.Records())

	batches, err := loaded.Get(2)
	require.NoError(t, err)
	require.True(t, batches.Next())
	s := batches.Batch()
	logits, ok := s.Logits.Get()
	require.True(t, ok)
	require.Len(t, logits, 2)
	expected := mat.NewDense(2, 3, []float64{
		0, 0.5, 0.3,
		0.9, 0, 0.4,
	})
	assert.True(t, mat.Equal(expected, logits[0]))
	assert.Equal(t, []string{"i0", "i1"}, s.Instructions)
	assert.Equal(t, []float64{-1, -1.5}, s.OutputTokensLogps.RawRowView(1))
}

func TestLogitsSaveAppendsAndSelfCleans(t *testing.T) {
	dir := t.TempDir()
	first, err := NewLogitsBufferFrom(topKConfig(t, 0), newLogitsInput(t, 0, 2, false))
	require.NoError(t, err)
	require.NoError(t, first.Save(dir, true, true))
	assert.Equal(t, 0, first.Len())

	second, _ := NewLogitsBufferFrom(topKConfig(t, 0), newLogitsInput(t, 2, 1, false))
	require.NoError(t, second.Save(dir, false, false))

	bs, err := os.ReadFile(filepath.Join(dir, BufferFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(bs)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"instruction":"i1","output":"o1","logits":{},"output_tokens_logps":[-1,-1.5]}`, lines[1])

	loaded := NewLogitsBuffer(topKConfig(t, 0))
	require.NoError(t, loaded.Load(filepath.Join(dir, BufferFileName), 0, -1))
	assert.Equal(t, 3, loaded.Len())
	assert.False(t, loaded.Compressed())
	batches, _ := loaded.Get(3)
	require.True(t, batches.Next())
	assert.False(t, batches.Batch().Logits.IsSome())
}

func TestLogitsDeferredMergeIsTransparent(t *testing.T) {
	eager := topKConfig(t, 2)
	eager.FlushThreshold = 2
	lazy := topKConfig(t, 2)

	a, b, mixed := NewLogitsBuffer(eager), NewLogitsBuffer(lazy), NewLogitsBuffer(lazy)
	for i := 0; i < 5; i++ {
		part, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, i, 1, true))
		require.NoError(t, err)
		require.NoError(t, a.Extend(part))
		require.NoError(t, b.Extend(part))
		require.NoError(t, mixed.Extend(part))
		assert.Equal(t, i+1, mixed.Len())
		if i == 2 {
			assert.Equal(t, 0, a.Pending(), "more than two pending records trigger a flush")
		}
	}
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, 5, b.Pending())

	assert.Equal(t, a.Records(), b.Records())
	assert.Equal(t, a.Records(), mixed.Records())
	assert.Equal(t, 0, b.Pending())

	whole, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 5, true))
	require.NoError(t, err)
	assert.Equal(t, whole.Records(), b.Records())
	assert.Equal(t, 5, b.Len())

	// extending with a buffer that still has pending parts
	c := NewLogitsBuffer(lazy)
	part, _ := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 5, 2, true))
	require.NoError(t, c.Extend(part))
	require.NoError(t, b.Extend(c))
	assert.Equal(t, 7, b.Len())
	assert.Equal(t, 2, c.Len())
}

func TestLogitsExtendMismatch(t *testing.T) {
	compressed, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 1, true))
	require.NoError(t, err)
	plain, err := NewLogitsBufferFrom(topKConfig(t, 0), newLogitsInput(t, 1, 1, false))
	require.NoError(t, err)
	assert.True(t, errors.Is(compressed.Extend(plain), ErrShapeMismatch))

	// an empty buffer adopts the setting of the other
	empty := NewLogitsBuffer(topKConfig(t, 0))
	require.NoError(t, empty.Extend(compressed))
	assert.True(t, empty.Compressed())

	wide := newLogitsInput(t, 2, 1, true)
	wide.Logits[0] = mat.NewDense(2, 4, nil)
	other, err := NewLogitsBufferFrom(topKConfig(t, 2), wide)
	require.NoError(t, err)
	assert.True(t, errors.Is(compressed.Extend(other), ErrShapeMismatch))
	assert.Equal(t, 1, compressed.Len())
}

func TestLogitsExtendWithEmpty(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 2, true))
	require.NoError(t, err)

	require.NoError(t, b.Extend(NewLogitsBuffer(topKConfig(t, 0))))
	require.NoError(t, NewLogitsBuffer(topKConfig(t, 0)).Save(dir, true, false))
	shard := NewLogitsBuffer(topKConfig(t, 0))
	require.NoError(t, shard.Load(filepath.Join(dir, BufferFileName), 0, -1))
	assert.Equal(t, 0, shard.Len())
	require.NoError(t, b.Extend(shard))

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 2, b.TopK())
	assert.Equal(t, 0, b.Pending())
}

func TestLogitsInputSequenceLength(t *testing.T) {
	in := newLogitsInput(t, 0, 2, true)
	in.Logits[1] = mat.NewDense(3, 3, nil)
	_, err := NewLogitsBufferFrom(topKConfig(t, 2), in)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestLogitsMissingLogits(t *testing.T) {
	_, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 2, false))
	assert.True(t, errors.Is(err, ErrMissingField))

	in := newLogitsInput(t, 0, 2, false)
	in.Outputs = in.Outputs[:1]
	_, err = NewLogitsBufferFrom(topKConfig(t, 0), in)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestLogitsLoadRange(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 3, true))
	require.NoError(t, err)
	require.NoError(t, b.Save(dir, true, false))
	file := filepath.Join(dir, BufferFileName)

	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"instruction\":\"broken\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded := NewLogitsBuffer(topKConfig(t, 2))
	require.NoError(t, loaded.Load(file, 1, 3))
	assert.Equal(t, 2, loaded.Len())
	batches, _ := loaded.Get(2)
	require.True(t, batches.Next())
	assert.Equal(t, []string{"i1", "i2"}, batches.Batch().Instructions)

	err = loaded.Load(file, 0, -1)
	assert.True(t, errors.Is(err, ErrMalformedRecord))
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, 2, loaded.Len(), "a failed load leaves the buffer untouched")
}

func TestLogitsLoadAdoptsCompression(t *testing.T) {
	dir := t.TempDir()
	b, _ := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 2, true))
	require.NoError(t, b.Save(dir, true, false))

	loaded := NewLogitsBuffer(topKConfig(t, 0))
	require.NoError(t, loaded.Load(filepath.Join(dir, BufferFileName), 0, -1))
	assert.True(t, loaded.Compressed())
	assert.Equal(t, 2, loaded.TopK())
}

func TestLogitsLoadAdoptsSavedTopK(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLogitsBufferFrom(topKConfig(t, 3), newLogitsInput(t, 0, 2, true))
	require.NoError(t, err)
	require.NoError(t, b.Save(dir, true, false))

	loaded := NewLogitsBuffer(topKConfig(t, 2))
	require.NoError(t, loaded.Load(filepath.Join(dir, BufferFileName), 0, -1))
	assert.Equal(t, 3, loaded.TopK())
	assert.Equal(t, b.Records(), loaded.Records())
}

func TestLogitsGetText(t *testing.T) {
	b, err := NewLogitsBufferFrom(topKConfig(t, 2), newLogitsInput(t, 0, 5, true))
	require.NoError(t, err)
	batches, err := b.GetText(2)
	require.NoError(t, err)
	assert.Equal(t, 1, batches.Skip(1))
	require.True(t, batches.Next())
	sample := batches.Batch()
	assert.Equal(t, []string{"i2", "i3"}, sample.Instructions)
	assert.Equal(t, []string{"o2", "o3"}, sample.Outputs)
	assert.False(t, sample.Logits.IsSome())
	assert.Equal(t, -2.0, sample.OutputTokensLogps.At(0, 0))

	assert.Equal(t, 1, batches.Skip(5))
	assert.False(t, batches.Next())

	full, err := b.Get(2)
	require.NoError(t, err)
	require.True(t, full.Next())
	assert.True(t, full.Batch().Logits.IsSome())
}

func TestLogitsGetLogps(t *testing.T) {
	b, err := NewLogitsBufferFrom(topKConfig(t, 0), newLogitsInput(t, 0, 3, false))
	require.NoError(t, err)
	batches, err := b.GetLogps(2)
	require.NoError(t, err)
	got := batches.Collect()
	require.Len(t, got, 2)
	r, c := got[1].Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, -2.0, got[1].At(0, 0))

	_, err = b.GetLogps(-1)
	assert.True(t, errors.Is(err, ErrBatchSize))
}
