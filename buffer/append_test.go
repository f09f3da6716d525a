package buffer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/rollout-buffer/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// newActorInput returns n trajectories of length cols, numbered from first
func newActorInput(t *testing.T, first, n, cols int) ActorInput {
	t.Helper()
	in := ActorInput{
		Observations:   tensor.New[int](n, cols),
		Actions:        tensor.New[int](n, cols),
		ActionLogits:   tensor.New[float64](n, cols),
		ActionMasks:    tensor.New[bool](n, cols),
		ActionLogprobs: tensor.New[float64](n, cols),
	}
	for i := 0; i < n; i++ {
		id := first + i
		in.Instructions = append(in.Instructions, fmt.Sprintf("instruction %d", id))
		in.Responses = append(in.Responses, fmt.Sprintf("response %d", id))
		for j := 0; j < cols; j++ {
			in.Observations.Set(i, j, id)
			in.Actions.Set(i, j, id)
			in.ActionLogprobs.Set(i, j, -float64(id))
			in.ActionMasks.Set(i, j, j < cols-1)
		}
	}
	return in
}

func actorIDs(b *ActorBuffer) []int {
	ids := make([]int, 0, b.Len())
	batches, _ := b.Get(b.Len() + 1)
	for batches.Next() {
		s := batches.Batch()
		for i := 0; i < s.Observations.Rows(); i++ {
			ids = append(ids, s.Observations.At(i, 0))
		}
	}
	return ids
}

func TestActorExtendKeepsOrder(t *testing.T) {
	b, err := NewActorBuffer(newActorInput(t, 0, 2, 3))
	require.NoError(t, err)
	other, err := NewActorBuffer(newActorInput(t, 2, 3, 3))
	require.NoError(t, err)

	require.NoError(t, b.Extend(other))
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, actorIDs(b))
	assert.Equal(t, 3, other.Len())

	batches, err := b.Get(2)
	require.NoError(t, err)
	all := batches.Collect()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"instruction 4"}, all[2].Instructions)
	assert.Equal(t, []string{"response 2", "response 3"}, all[1].Responses)
}

// markActorInput gives every field of in values derived from the trajectory
// number, with a mask pattern that differs per trajectory
func markActorInput(in ActorInput, first int) ActorInput {
	rows, cols := in.Observations.Shape()
	for i := 0; i < rows; i++ {
		id := first + i
		for j := 0; j < cols; j++ {
			in.Actions.Set(i, j, 100*id+j)
			in.ActionLogits.Set(i, j, float64(id)+0.1*float64(j))
			in.ActionMasks.Set(i, j, (id+j)%2 == 0)
			in.ActionLogprobs.Set(i, j, -float64(id)-0.01*float64(j))
		}
	}
	return in
}

func TestActorExtendKeepsEveryField(t *testing.T) {
	first := markActorInput(newActorInput(t, 0, 2, 3), 0)
	second := markActorInput(newActorInput(t, 2, 2, 3), 2)
	b, err := NewActorBuffer(first)
	require.NoError(t, err)
	other, err := NewActorBuffer(second)
	require.NoError(t, err)
	require.NoError(t, b.Extend(other))

	batches, err := b.Get(4)
	require.NoError(t, err)
	require.True(t, batches.Next())
	got := batches.Batch()

	expected := markActorInput(newActorInput(t, 0, 4, 3), 0)
	assert.Equal(t, expected.Instructions, got.Instructions)
	assert.Equal(t, expected.Responses, got.Responses)
	assert.Equal(t, expected.Observations.ToRows(), got.Observations.ToRows())
	assert.Equal(t, expected.Actions.ToRows(), got.Actions.ToRows())
	assert.Equal(t, expected.ActionLogits.ToRows(), got.ActionLogits.ToRows())
	assert.Equal(t, expected.ActionMasks.ToRows(), got.ActionMasks.ToRows())
	assert.Equal(t, expected.ActionLogprobs.ToRows(), got.ActionLogprobs.ToRows())
	assert.False(t, batches.Next())
}

func TestActorExtendEmptyAdoptsShape(t *testing.T) {
	b, err := NewActorBuffer(ActorInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())

	other, _ := NewActorBuffer(newActorInput(t, 0, 2, 4))
	require.NoError(t, b.Extend(other))
	assert.Equal(t, 4, b.MaxSeqLen())

	wrong, _ := NewActorBuffer(newActorInput(t, 2, 1, 5))
	err = b.Extend(wrong)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.Equal(t, 2, b.Len())
}

func TestActorInputValidation(t *testing.T) {
	in := newActorInput(t, 0, 2, 3)
	in.Responses = in.Responses[:1]
	_, err := NewActorBuffer(in)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	in = newActorInput(t, 0, 2, 3)
	in.ActionMasks = tensor.New[bool](2, 2)
	_, err = NewActorBuffer(in)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestActorRearrangeAndShuffle(t *testing.T) {
	b, err := NewActorBuffer(newActorInput(t, 0, 4, 2))
	require.NoError(t, err)

	require.NoError(t, b.Rearrange([]int{3, 1, 1}))
	assert.Equal(t, []int{3, 1, 1}, actorIDs(b))

	err = b.Rearrange([]int{0, 3})
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	assert.Equal(t, 3, b.Len())

	b, _ = NewActorBuffer(newActorInput(t, 0, 6, 2))
	b.Shuffle(rand.New(rand.NewSource(3)))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, actorIDs(b))

	// rows move together
	batches, _ := b.Get(6)
	require.True(t, batches.Next())
	s := batches.Batch()
	for i, id := range actorIDs(b) {
		assert.Equal(t, fmt.Sprintf("instruction %d", id), s.Instructions[i])
		assert.Equal(t, -float64(id), s.ActionLogprobs.At(i, 0))
	}
}

func TestCriticScatterPolicies(t *testing.T) {
	masks, err := tensor.FromRows([][]bool{
		{true, true, false},
		{false, false, false},
		{true, false, true},
	})
	require.NoError(t, err)
	scores := []float64{1, 2, 3}

	last, err := NewMaskedCriticBuffer(scores, masks, ScatterLast)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1, 0}, {0, 0, 0}, {0, 0, 3}}, last.Scores().ToRows())

	all, err := NewMaskedCriticBuffer(scores, masks, ScatterAll)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 1, 0}, {0, 0, 0}, {3, 0, 3}}, all.Scores().ToRows())

	_, err = NewMaskedCriticBuffer(scores[:2], masks, ScatterAll)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestParseScatterPolicy(t *testing.T) {
	for _, p := range []ScatterPolicy{ScatterLast, ScatterAll} {
		parsed, err := ParseScatterPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	_, err := ParseScatterPolicy("first")
	assert.Error(t, err)
}

func TestCriticExtendAndGet(t *testing.T) {
	b := NewCriticBuffer([]float64{1, 2})
	require.NoError(t, b.Extend(NewCriticBuffer([]float64{3})))
	assert.Equal(t, 3, b.Len())

	batches, err := b.Get(2)
	require.NoError(t, err)
	got := batches.Collect()
	require.Len(t, got, 2)
	assert.Equal(t, [][]float64{{1}, {2}}, got[0].Scores.ToRows())
	assert.Equal(t, [][]float64{{3}}, got[1].Scores.ToRows())

	masks, _ := tensor.FromRows([][]bool{{true, true}})
	scattered, _ := NewMaskedCriticBuffer([]float64{1}, masks, ScatterLast)
	assert.True(t, errors.Is(b.Extend(scattered), ErrShapeMismatch))
}

func TestCriticScoresIsACopy(t *testing.T) {
	b := NewCriticBuffer([]float64{1, 2})
	scores := b.Scores()
	scores.Set(0, 0, 9)
	require.NoError(t, scores.Append(NewCriticBuffer([]float64{7}).Scores()))

	require.NoError(t, b.Extend(NewCriticBuffer([]float64{3})))
	assert.Equal(t, [][]float64{{1}, {2}, {3}}, b.Scores().ToRows())
	assert.Equal(t, [][]float64{{9}, {2}, {7}}, scores.ToRows())
}

func TestActorRollout(t *testing.T) {
	in := newActorInput(t, 0, 2, 3)
	b, err := NewActorBuffer(in)
	require.NoError(t, err)

	rewards, err := NewMaskedCriticBuffer([]float64{1, 2}, in.ActionMasks, ScatterLast)
	require.NoError(t, err)
	values, err := NewMaskedCriticBuffer([]float64{0.5, 0.5}, in.ActionMasks, ScatterAll)
	require.NoError(t, err)

	r, err := b.Rollout(rewards, values, tensor.None[*mat.Dense]())
	require.NoError(t, err)
	rb, err := NewRolloutBuffer(r, plainConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, 2.0, rb.Rewards().At(1, 1))

	_, err = b.Rollout(NewCriticBuffer([]float64{1, 2}), values, tensor.None[*mat.Dense]())
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestOutputBuffer(t *testing.T) {
	b, err := NewOutputBuffer([]string{"a", "b"}, []string{"A", "B"})
	require.NoError(t, err)
	other, _ := NewOutputBuffer([]string{"c"}, []string{"C"})
	require.NoError(t, b.Extend(other))
	assert.Equal(t, 3, b.Len())

	batches, err := b.Get(2)
	require.NoError(t, err)
	got := batches.Collect()
	require.Len(t, got, 2)
	assert.Equal(t, OutputSample{Instructions: []string{"a", "b"}, Outputs: []string{"A", "B"}}, got[0])
	assert.Equal(t, OutputSample{Instructions: []string{"c"}, Outputs: []string{"C"}}, got[1])

	_, err = NewOutputBuffer([]string{"a"}, nil)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}
