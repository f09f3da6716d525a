package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeu5/rollout-buffer/buffer"
	"github.com/zeu5/rollout-buffer/report"
	"github.com/zeu5/rollout-buffer/tensor"
	"github.com/zeu5/rollout-buffer/util"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// rolloutRecord is one trajectory of a rollouts file
type rolloutRecord struct {
	Instruction       string    `json:"instruction"`
	Observations      []int     `json:"observations"`
	Actions           []int     `json:"actions"`
	ActionLogits      []float64 `json:"action_logits"`
	ActionMasks       []bool    `json:"action_masks"`
	ActionLogprobs    []float64 `json:"action_logprobs"`
	Response          string    `json:"response"`
	Score             float64   `json:"score"`
	Values            []float64 `json:"values"`
	RefActionLogprobs []float64 `json:"ref_action_logprobs,omitempty"`
}

// advantageRecord is one line of the advantages file
type advantageRecord struct {
	Instruction string    `json:"instruction"`
	Rewards     []float64 `json:"rewards"`
	Advantages  []float64 `json:"advantages"`
	Returns     []float64 `json:"returns"`
}

// rolloutColumns accumulates the rows of a rollouts file
type rolloutColumns struct {
	actor  buffer.ActorInput
	scores []float64
	values [][]float64
	refs   [][]float64
}

func readRollouts(file string) (rolloutColumns, error) {
	var (
		c                rolloutColumns
		obs, actions     [][]int
		logits, logprobs [][]float64
		masks            [][]bool
	)
	err := util.ScanJSONL(file, 0, -1, func(line int, bs []byte) error {
		var r rolloutRecord
		if err := json.Unmarshal(bs, &r); err != nil {
			return fmt.Errorf("%w: %s line %d: %v", buffer.ErrMalformedRecord, file, line, err)
		}
		c.actor.Instructions = append(c.actor.Instructions, r.Instruction)
		c.actor.Responses = append(c.actor.Responses, r.Response)
		obs = append(obs, r.Observations)
		actions = append(actions, r.Actions)
		logits = append(logits, r.ActionLogits)
		masks = append(masks, r.ActionMasks)
		logprobs = append(logprobs, r.ActionLogprobs)
		c.scores = append(c.scores, r.Score)
		c.values = append(c.values, r.Values)
		if r.RefActionLogprobs != nil {
			c.refs = append(c.refs, r.RefActionLogprobs)
		}
		return nil
	})
	if err != nil {
		return c, err
	}
	if len(c.refs) != 0 && len(c.refs) != len(c.scores) {
		return c, fmt.Errorf("%w: %d of %d trajectories have reference log-probs", buffer.ErrMissingField, len(c.refs), len(c.scores))
	}
	if c.actor.Observations, err = tensor.FromRows(obs); err != nil {
		return c, fmt.Errorf("observations: %w", err)
	}
	if c.actor.Actions, err = tensor.FromRows(actions); err != nil {
		return c, fmt.Errorf("actions: %w", err)
	}
	if c.actor.ActionLogits, err = tensor.FromRows(logits); err != nil {
		return c, fmt.Errorf("action logits: %w", err)
	}
	if c.actor.ActionMasks, err = tensor.FromRows(masks); err != nil {
		return c, fmt.Errorf("action masks: %w", err)
	}
	if c.actor.ActionLogprobs, err = tensor.FromRows(logprobs); err != nil {
		return c, fmt.Errorf("action logprobs: %w", err)
	}
	return c, nil
}

// buildRolloutBuffer turns a rollouts file into a shaped RolloutBuffer
func buildRolloutBuffer(file string, policy buffer.ScatterPolicy, config buffer.AdvantageConfig) (*buffer.ActorBuffer, *buffer.RolloutBuffer, error) {
	c, err := readRollouts(file)
	if err != nil {
		return nil, nil, err
	}
	actor, err := buffer.NewActorBuffer(c.actor)
	if err != nil {
		return nil, nil, err
	}
	rewards, err := buffer.NewMaskedCriticBuffer(c.scores, c.actor.ActionMasks, policy)
	if err != nil {
		return nil, nil, err
	}
	values, err := tensor.FromRows(c.values)
	if err != nil {
		return nil, nil, fmt.Errorf("values: %w", err)
	}
	ref := tensor.None[*mat.Dense]()
	if len(c.refs) > 0 {
		refs, err := tensor.FromRows(c.refs)
		if err != nil {
			return nil, nil, fmt.Errorf("ref action logprobs: %w", err)
		}
		ref = tensor.Some(tensor.ToDense(refs))
	}

	rollout, err := actor.Rollout(rewards, buffer.NewTokenCriticBuffer(values), ref)
	if err != nil {
		return nil, nil, err
	}
	rb, err := buffer.NewRolloutBuffer(rollout, config)
	if err != nil {
		return nil, nil, err
	}
	return actor, rb, nil
}

func saveAdvantages(dir string, actor *buffer.ActorBuffer, rb *buffer.RolloutBuffer) error {
	f, err := util.CreateJSONL(dir, "advantages.jsonl", true)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	batches, err := actor.Get(rb.Len())
	if err != nil {
		return err
	}
	batches.Next()
	instructions := batches.Batch().Instructions
	for i := 0; i < rb.Len(); i++ {
		r := advantageRecord{
			Instruction: instructions[i],
			Rewards:     mat.Row(nil, i, rb.Rewards()),
			Advantages:  mat.Row(nil, i, rb.Advantages()),
			Returns:     mat.Row(nil, i, rb.Returns()),
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to encode trajectory %d: %w", i, err)
		}
	}
	return w.Flush()
}

func AdvantageCommand() *cobra.Command {
	config := buffer.DefaultAdvantageConfig()
	var (
		scatter   string
		plot      bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "advantage [rollouts.jsonl]",
		Short: "Shape rewards and estimate advantages of a rollouts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			policy, err := buffer.ParseScatterPolicy(scatter)
			if err != nil {
				return err
			}
			actor, rb, err := buildRolloutBuffer(args[0], policy, config)
			if err != nil {
				return err
			}
			masks := rb.ActionMasks()
			logger.Info("rollout buffer ready",
				zap.Int("trajectories", rb.Len()),
				zap.Int("max_seq_len", rb.MaxSeqLen()),
				zap.Object("origin_rewards", report.Summarize(tensor.Masked(rb.OriginRewards(), masks))),
				zap.Object("origin_values", report.Summarize(tensor.Masked(rb.OriginValues(), masks))),
				zap.Object("rewards", report.Summarize(tensor.Masked(rb.Rewards(), masks))),
				zap.Object("advantages", report.Summarize(tensor.Masked(rb.Advantages(), masks))),
				zap.Object("returns", report.Summarize(tensor.Masked(rb.Returns(), masks))),
			)
			batches, err := rb.Get(batchSize, true)
			if err != nil {
				return err
			}
			logger.Info("mini-batches", zap.Int("batch_size", batchSize), zap.Int("batches", batches.Len()))

			if err := saveAdvantages(saveFile, actor, rb); err != nil {
				return err
			}
			if plot {
				if err := report.PlotAdvantages(rb, filepath.Join(saveFile, "advantages.png")); err != nil {
					return err
				}
			}
			return util.WriteToFile(filepath.Join(saveFile, "config.txt"), config.Printable(), fmt.Sprintf("Scatter policy: %s", policy))
		},
	}
	cmd.Flags().Float64Var(&config.Gamma, "gamma", config.Gamma, "Discount factor")
	cmd.Flags().Float64Var(&config.GAELambda, "gae-lambda", config.GAELambda, "GAE trace decay")
	cmd.Flags().Float64Var(&config.KLCoef, "kl-coef", config.KLCoef, "Weight of the KL penalty")
	cmd.Flags().Float64Var(&config.ValueCoef, "value-coef", config.ValueCoef, "Value weight of Q-mode advantages")
	cmd.Flags().BoolVar(&config.RewardNormalize, "reward-normalize", config.RewardNormalize, "Normalize rewards by their std")
	cmd.Flags().BoolVar(&config.RewardSubMean, "reward-sub-mean", config.RewardSubMean, "Subtract the mean reward when normalizing")
	cmd.Flags().BoolVar(&config.UseLastTokenReward, "use-last-token-reward", config.UseLastTokenReward, "Broadcast the last token reward to the whole trajectory")
	cmd.Flags().BoolVar(&config.LastTokenRewardOnly, "last-token-reward-only", config.LastTokenRewardOnly, "Keep only the last token reward")
	cmd.Flags().BoolVar(&config.RewardIsQ, "reward-is-q", config.RewardIsQ, "Use rewards as Q values instead of GAE")
	cmd.Flags().Uint64Var(&config.Seed, "seed", 0, "Seed of the mini-batch shuffle, 0 for a random seed")
	cmd.Flags().StringVar(&scatter, "scatter", buffer.ScatterLast.String(), "Positions receiving the trajectory score (last, all)")
	cmd.Flags().BoolVar(&plot, "plot", false, "Plot advantages and returns")
	cmd.Flags().IntVar(&batchSize, "batch-size", 8, "Mini-batch size")
	return cmd
}
