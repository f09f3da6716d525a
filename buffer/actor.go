package buffer

import (
	"fmt"

	"github.com/zeu5/rollout-buffer/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// ActorInput is one batch of actor-phase trajectories
type ActorInput struct {
	Instructions   []string
	Observations   tensor.Matrix[int]
	Actions        tensor.Matrix[int]
	ActionLogits   tensor.Matrix[float64]
	ActionMasks    tensor.Matrix[bool]
	ActionLogprobs tensor.Matrix[float64]
	Responses      []string
}

func (in ActorInput) validate() error {
	rows, cols := in.Observations.Shape()
	if len(in.Instructions) != rows || len(in.Responses) != rows {
		return fmt.Errorf("%w: %d instructions and %d responses for %d trajectories", ErrShapeMismatch, len(in.Instructions), len(in.Responses), rows)
	}
	for name, m := range map[string][2]int{
		"actions":         {in.Actions.Rows(), in.Actions.Cols()},
		"action logits":   {in.ActionLogits.Rows(), in.ActionLogits.Cols()},
		"action masks":    {in.ActionMasks.Rows(), in.ActionMasks.Cols()},
		"action logprobs": {in.ActionLogprobs.Rows(), in.ActionLogprobs.Cols()},
	} {
		if m[0] != rows || m[1] != cols {
			return fmt.Errorf("%w: %s is [%d, %d], observations are [%d, %d]", ErrShapeMismatch, name, m[0], m[1], rows, cols)
		}
	}
	return nil
}

// ActorSample is one batch of an ActorBuffer
type ActorSample struct {
	Instructions   []string
	Observations   tensor.Matrix[int]
	Actions        tensor.Matrix[int]
	ActionLogits   tensor.Matrix[float64]
	ActionMasks    tensor.Matrix[bool]
	ActionLogprobs tensor.Matrix[float64]
	Responses      []string
}

// ActorBuffer collects actor-only trajectories across generation calls
type ActorBuffer struct {
	instructions   []string
	obs            tensor.Matrix[int]
	actions        tensor.Matrix[int]
	actionLogits   tensor.Matrix[float64]
	actionMasks    tensor.Matrix[bool]
	actionLogprobs tensor.Matrix[float64]
	responses      []string
}

// NewActorBuffer returns a buffer holding a copy of in
func NewActorBuffer(in ActorInput) (*ActorBuffer, error) {
	b := &ActorBuffer{}
	if err := b.extend(in); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ActorBuffer) Len() int {
	return len(b.instructions)
}

func (b *ActorBuffer) MaxSeqLen() int {
	return b.obs.Cols()
}

// Extend appends the trajectories of other after the current ones
func (b *ActorBuffer) Extend(other *ActorBuffer) error {
	return b.extend(other.input())
}

func (b *ActorBuffer) input() ActorInput {
	return ActorInput{
		Instructions:   b.instructions,
		Observations:   b.obs,
		Actions:        b.actions,
		ActionLogits:   b.actionLogits,
		ActionMasks:    b.actionMasks,
		ActionLogprobs: b.actionLogprobs,
		Responses:      b.responses,
	}
}

func (b *ActorBuffer) extend(in ActorInput) error {
	if err := in.validate(); err != nil {
		return err
	}
	if in.Observations.Rows() == 0 {
		return nil
	}
	if b.Len() > 0 && b.obs.Cols() != in.Observations.Cols() {
		return fmt.Errorf("%w: cannot extend %d columns with %d columns", ErrShapeMismatch, b.obs.Cols(), in.Observations.Cols())
	}
	// columns agree, so none of the appends below can fail
	_ = b.obs.Append(in.Observations)
	_ = b.actions.Append(in.Actions)
	_ = b.actionLogits.Append(in.ActionLogits)
	_ = b.actionMasks.Append(in.ActionMasks)
	_ = b.actionLogprobs.Append(in.ActionLogprobs)
	b.instructions = append(b.instructions, in.Instructions...)
	b.responses = append(b.responses, in.Responses...)
	bufferRowsAppended.WithLabelValues("actor").Add(float64(in.Observations.Rows()))
	return nil
}

// Rearrange reorders (or selects) trajectories so that row i becomes the
// former row indices[i]
func (b *ActorBuffer) Rearrange(indices []int) error {
	if err := b.obs.CheckIndices(indices); err != nil {
		return err
	}
	instructions := make([]string, len(indices))
	responses := make([]string, len(indices))
	for i, idx := range indices {
		instructions[i] = b.instructions[idx]
		responses[i] = b.responses[idx]
	}
	b.instructions = instructions
	b.responses = responses
	b.obs = b.obs.Gather(indices)
	b.actions = b.actions.Gather(indices)
	b.actionLogits = b.actionLogits.Gather(indices)
	b.actionMasks = b.actionMasks.Gather(indices)
	b.actionLogprobs = b.actionLogprobs.Gather(indices)
	return nil
}

// Shuffle permutes the trajectories in place
func (b *ActorBuffer) Shuffle(r *rand.Rand) {
	if b.Len() == 0 {
		return
	}
	// a permutation of [0, Len) is always in range
	_ = b.Rearrange(r.Perm(b.Len()))
}

// Get serves the trajectories in order, batchSize at a time
func (b *ActorBuffer) Get(batchSize int) (*Batches[ActorSample], error) {
	indices, err := batchOrder(b.Len(), batchSize, false, nil)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, func(idx []int) ActorSample {
		s := ActorSample{
			Instructions:   make([]string, len(idx)),
			Observations:   b.obs.Gather(idx),
			Actions:        b.actions.Gather(idx),
			ActionLogits:   b.actionLogits.Gather(idx),
			ActionMasks:    b.actionMasks.Gather(idx),
			ActionLogprobs: b.actionLogprobs.Gather(idx),
			Responses:      make([]string, len(idx)),
		}
		for i, j := range idx {
			s.Instructions[i] = b.instructions[j]
			s.Responses[i] = b.responses[j]
		}
		return s
	}), nil
}

// Rollout pairs the actor trajectories with scattered rewards and values
// into the input of a RolloutBuffer
func (b *ActorBuffer) Rollout(rewards, values *CriticBuffer, ref tensor.Option[*mat.Dense]) (Rollout, error) {
	for name, c := range map[string]*CriticBuffer{"rewards": rewards, "values": values} {
		r, cols := c.scores.Shape()
		if r != b.Len() || cols != b.MaxSeqLen() {
			return Rollout{}, fmt.Errorf("%w: %s are [%d, %d], trajectories are [%d, %d]", ErrShapeMismatch, name, r, cols, b.Len(), b.MaxSeqLen())
		}
	}
	return Rollout{
		Observations:      b.obs.Clone(),
		Actions:           b.actions.Clone(),
		Rewards:           tensor.ToDense(rewards.scores.Clone()),
		Values:            tensor.ToDense(values.scores.Clone()),
		ActionLogits:      tensor.ToDense(b.actionLogits.Clone()),
		ActionMasks:       b.actionMasks.Clone(),
		ActionLogprobs:    tensor.ToDense(b.actionLogprobs.Clone()),
		RefActionLogprobs: ref,
	}, nil
}
