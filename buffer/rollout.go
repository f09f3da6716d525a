package buffer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/zeu5/rollout-buffer/tensor"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Rollout is one batch of raw per-token rollout arrays,
// every tensor shaped [buffer_size, max_seq_len]
type Rollout struct {
	Observations      tensor.Matrix[int]
	Actions           tensor.Matrix[int]
	Rewards           *mat.Dense
	Values            *mat.Dense
	ActionLogits      *mat.Dense
	ActionMasks       tensor.Matrix[bool]
	ActionLogprobs    *mat.Dense
	RefActionLogprobs tensor.Option[*mat.Dense]
}

func (r Rollout) shape() (int, int, error) {
	rows, cols := r.ActionMasks.Shape()
	if rows == 0 || cols == 0 {
		return 0, 0, fmt.Errorf("%w: empty rollout", ErrShapeMismatch)
	}
	check := func(name string, r, c int) error {
		if r != rows || c != cols {
			return fmt.Errorf("%w: %s is [%d, %d], action masks are [%d, %d]", ErrShapeMismatch, name, r, c, rows, cols)
		}
		return nil
	}
	dense := map[string]*mat.Dense{
		"rewards":         r.Rewards,
		"values":          r.Values,
		"action logits":   r.ActionLogits,
		"action logprobs": r.ActionLogprobs,
	}
	if ref, ok := r.RefActionLogprobs.Get(); ok {
		dense["ref action logprobs"] = ref
	}
	for name, d := range dense {
		if d == nil {
			return 0, 0, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		dr, dc := d.Dims()
		if err := check(name, dr, dc); err != nil {
			return 0, 0, err
		}
	}
	if err := check("observations", r.Observations.Rows(), r.Observations.Cols()); err != nil {
		return 0, 0, err
	}
	if err := check("actions", r.Actions.Rows(), r.Actions.Cols()); err != nil {
		return 0, 0, err
	}
	return rows, cols, nil
}

// AdvantageConfig selects the reward shaping and advantage estimation
type AdvantageConfig struct {
	Gamma     float64 // discount
	GAELambda float64 // GAE trace decay
	KLCoef    float64 // weight of the |logp - ref logp| penalty
	ValueCoef float64 // value weight of Q-mode advantages

	RewardNormalize     bool
	RewardSubMean       bool
	UseLastTokenReward  bool
	LastTokenRewardOnly bool
	RewardIsQ           bool

	// Seed of the shuffle source, 0 seeds from the clock
	Seed uint64
}

func DefaultAdvantageConfig() AdvantageConfig {
	return AdvantageConfig{
		Gamma:           0.9,
		GAELambda:       0.8,
		KLCoef:          0.1,
		ValueCoef:       0.01,
		RewardNormalize: true,
	}
}

func (c AdvantageConfig) Printable() string {
	var b strings.Builder
	b.WriteString("Advantage configuration:\n")
	fmt.Fprintf(&b, "\tGamma: %v\n", c.Gamma)
	fmt.Fprintf(&b, "\tGAE lambda: %v\n", c.GAELambda)
	fmt.Fprintf(&b, "\tKL coef: %v\n", c.KLCoef)
	fmt.Fprintf(&b, "\tValue coef: %v\n", c.ValueCoef)
	fmt.Fprintf(&b, "\tReward normalize: %t (sub mean: %t)\n", c.RewardNormalize, c.RewardSubMean)
	fmt.Fprintf(&b, "\tUse last token reward: %t\n", c.UseLastTokenReward)
	fmt.Fprintf(&b, "\tLast token reward only: %t\n", c.LastTokenRewardOnly)
	fmt.Fprintf(&b, "\tReward is Q: %t\n", c.RewardIsQ)
	return b.String()
}

// RolloutSample is one mini-batch served to the PPO update
type RolloutSample struct {
	Observations      tensor.Matrix[int]
	Actions           tensor.Matrix[int]
	OldValues         *mat.Dense
	OldActionLogits   *mat.Dense
	OldActionLogprobs *mat.Dense
	Advantages        *mat.Dense
	Returns           *mat.Dense
	ActionMasks       tensor.Matrix[bool]
	Rewards           *mat.Dense
	RefActionLogprobs tensor.Option[*mat.Dense]
}

// RolloutBuffer shapes the rewards of one rollout batch, estimates
// advantages and returns, and serves mini-batches of the result
type RolloutBuffer struct {
	config     AdvantageConfig
	bufferSize int
	maxSeqLen  int

	obs     tensor.Matrix[int]
	actions tensor.Matrix[int]
	masks   tensor.Matrix[bool]

	rewards           *mat.Dense
	values            *mat.Dense
	actionLogits      *mat.Dense
	actionLogprobs    *mat.Dense
	refActionLogprobs tensor.Option[*mat.Dense]

	// unshaped inputs, kept for logging
	originRewards *mat.Dense
	originValues  *mat.Dense

	advantages *mat.Dense
	returns    *mat.Dense

	rand *rand.Rand
}

// NewRolloutBuffer copies the rollout, shapes the rewards and computes
// advantages and returns. A reward on an unmasked position is rejected.
func NewRolloutBuffer(r Rollout, config AdvantageConfig) (*RolloutBuffer, error) {
	rows, cols, err := r.shape()
	if err != nil {
		return nil, err
	}
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	b := &RolloutBuffer{
		config:     config,
		bufferSize: rows,
		maxSeqLen:  cols,
		rand:       rand.New(rand.NewSource(seed)),
	}
	if err := b.set(r); err != nil {
		return nil, err
	}
	b.ComputeReturnsAndAdvantage()
	rolloutTrajectories.Add(float64(rows))
	return b, nil
}

func (b *RolloutBuffer) set(r Rollout) error {
	b.obs = r.Observations.Clone()
	b.actions = r.Actions.Clone()
	b.masks = r.ActionMasks.Clone()
	b.rewards = mat.DenseCopyOf(r.Rewards)
	b.values = mat.DenseCopyOf(r.Values)
	b.actionLogits = mat.DenseCopyOf(r.ActionLogits)
	b.actionLogprobs = mat.DenseCopyOf(r.ActionLogprobs)
	b.originRewards = mat.DenseCopyOf(r.Rewards)
	b.originValues = mat.DenseCopyOf(r.Values)
	b.refActionLogprobs = tensor.Map(r.RefActionLogprobs, func(d *mat.Dense) *mat.Dense {
		return mat.DenseCopyOf(d)
	})

	if err := b.checkRewards(); err != nil {
		return err
	}

	if b.config.UseLastTokenReward {
		for i := 0; i < b.bufferSize; i++ {
			mask := b.masks.Row(i)
			last := tensor.LastTrue(mask)
			if last < 0 {
				continue
			}
			score := b.rewards.At(i, last)
			for j, m := range mask {
				if m {
					b.rewards.Set(i, j, score)
				}
			}
		}
	}

	if b.config.RewardNormalize {
		normalize(b.rewards, b.masks, b.config.RewardSubMean)
	}

	if b.config.LastTokenRewardOnly {
		for i := 0; i < b.bufferSize; i++ {
			last := tensor.LastTrue(b.masks.Row(i))
			if last < 0 {
				continue
			}
			score := b.rewards.At(i, last)
			row := b.rewards.RawRowView(i)
			for j := range row {
				row[j] = 0
			}
			row[last] = score
		}
	}

	penalty := b.klPenalty()
	penalty.Scale(b.config.KLCoef, penalty)
	b.rewards.Sub(b.rewards, penalty)

	b.zeroUnmasked(b.rewards)
	return nil
}

func (b *RolloutBuffer) checkRewards() error {
	for i := 0; i < b.bufferSize; i++ {
		row := b.rewards.RawRowView(i)
		for j, m := range b.masks.Row(i) {
			if !m && row[j] != 0 {
				return fmt.Errorf("%w: trajectory %d position %d has reward %v", ErrRewardOutsideMask, i, j, row[j])
			}
		}
	}
	return nil
}

// klPenalty is |logp - ref logp|, zero without reference log-probs
func (b *RolloutBuffer) klPenalty() *mat.Dense {
	penalty := mat.NewDense(b.bufferSize, b.maxSeqLen, nil)
	ref, ok := b.refActionLogprobs.Get()
	if !ok {
		return penalty
	}
	penalty.Sub(b.actionLogprobs, ref)
	penalty.Apply(func(_, _ int, v float64) float64 {
		return math.Abs(v)
	}, penalty)
	return penalty
}

func (b *RolloutBuffer) zeroUnmasked(d *mat.Dense) {
	for i := 0; i < b.bufferSize; i++ {
		row := d.RawRowView(i)
		for j, m := range b.masks.Row(i) {
			if !m {
				row[j] = 0
			}
		}
	}
}

// normalize scales d by the population std of its masked entries, after
// subtracting their mean when subMean is set. A zero (or undefined) std
// leaves d untouched.
func normalize(d *mat.Dense, masks tensor.Matrix[bool], subMean bool) bool {
	masked := tensor.Masked(d, masks)
	if len(masked) == 0 {
		return false
	}
	mean, std := stat.PopMeanStdDev(masked, nil)
	if std == 0 || math.IsNaN(std) {
		return false
	}
	if !subMean {
		mean = 0
	}
	d.Apply(func(_, _ int, v float64) float64 {
		return (v - mean) / std
	}, d)
	return true
}

// ComputeReturnsAndAdvantage recomputes advantages and returns from the
// current rewards and values, in Q-mode or GAE mode
func (b *RolloutBuffer) ComputeReturnsAndAdvantage() {
	if b.config.RewardIsQ {
		if b.config.RewardNormalize {
			normalize(b.values, b.masks, b.config.RewardSubMean)
		}
		adv := mat.NewDense(b.bufferSize, b.maxSeqLen, nil)
		adv.Scale(-b.config.ValueCoef, b.values)
		adv.Add(adv, b.rewards)
		b.advantages = adv
		b.returns = mat.DenseCopyOf(b.rewards)
		return
	}

	adv := mat.NewDense(b.bufferSize, b.maxSeqLen, nil)
	lastGAELam := make([]float64, b.bufferSize)
	for step := b.maxSeqLen - 2; step >= 0; step-- {
		for i := 0; i < b.bufferSize; i++ {
			nextValue := 0.0
			nextMask := 0.0
			if b.masks.At(i, step+1) {
				nextValue = b.values.At(i, step+1)
				nextMask = 1
			}
			delta := b.rewards.At(i, step) + b.config.Gamma*nextValue - b.values.At(i, step)
			lastGAELam[i] = delta + b.config.Gamma*b.config.GAELambda*lastGAELam[i]*nextMask
			adv.Set(i, step, lastGAELam[i])
		}
	}
	b.advantages = adv
	ret := mat.NewDense(b.bufferSize, b.maxSeqLen, nil)
	ret.Add(adv, b.values)
	b.returns = ret
}

func (b *RolloutBuffer) Len() int {
	return b.bufferSize
}

func (b *RolloutBuffer) MaxSeqLen() int {
	return b.maxSeqLen
}

func (b *RolloutBuffer) Config() AdvantageConfig {
	return b.config
}

// Rewards are the shaped rewards. Mutations are picked up by the next
// ComputeReturnsAndAdvantage call.
func (b *RolloutBuffer) Rewards() *mat.Dense {
	return b.rewards
}

// Values are the critic values. Mutations are picked up by the next
// ComputeReturnsAndAdvantage call.
func (b *RolloutBuffer) Values() *mat.Dense {
	return b.values
}

func (b *RolloutBuffer) Advantages() *mat.Dense {
	return b.advantages
}

func (b *RolloutBuffer) Returns() *mat.Dense {
	return b.returns
}

func (b *RolloutBuffer) ActionMasks() tensor.Matrix[bool] {
	return b.masks
}

func (b *RolloutBuffer) OriginRewards() *mat.Dense {
	return b.originRewards
}

func (b *RolloutBuffer) OriginValues() *mat.Dense {
	return b.originValues
}

// Get serves the buffer in batches of batchSize trajectories, the last one
// possibly smaller. With shuffle the trajectory order is permuted once.
func (b *RolloutBuffer) Get(batchSize int, shuffle bool) (*Batches[RolloutSample], error) {
	indices, err := batchOrder(b.bufferSize, batchSize, shuffle, b.rand)
	if err != nil {
		return nil, err
	}
	return newBatches(indices, batchSize, b.sample), nil
}

func (b *RolloutBuffer) sample(indices []int) RolloutSample {
	return RolloutSample{
		Observations:      b.obs.Gather(indices),
		Actions:           b.actions.Gather(indices),
		OldValues:         tensor.GatherDense(b.values, indices),
		OldActionLogits:   tensor.GatherDense(b.actionLogits, indices),
		OldActionLogprobs: tensor.GatherDense(b.actionLogprobs, indices),
		Advantages:        tensor.GatherDense(b.advantages, indices),
		Returns:           tensor.GatherDense(b.returns, indices),
		ActionMasks:       b.masks.Gather(indices),
		Rewards:           tensor.GatherDense(b.rewards, indices),
		RefActionLogprobs: tensor.Map(b.refActionLogprobs, func(d *mat.Dense) *mat.Dense {
			return tensor.GatherDense(d, indices)
		}),
	}
}
