package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeu5/rollout-buffer/buffer"
	"github.com/zeu5/rollout-buffer/parallel"
	"github.com/zeu5/rollout-buffer/tensor"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/mat"
)

func writeLines(t *testing.T, path string, values ...any) {
	t.Helper()
	lines := make([]string, len(values))
	for i, v := range values {
		bs, err := json.Marshal(v)
		require.NoError(t, err)
		lines[i] = string(bs)
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := GetRootCommand()
	root.SetArgs(append(args, "--log-level", "error"))
	return root.Execute()
}

func TestAdvantageCommand(t *testing.T) {
	dir := t.TempDir()
	rollouts := filepath.Join(dir, "rollouts.jsonl")
	writeLines(t, rollouts,
		rolloutRecord{
			Instruction:    "a",
			Observations:   []int{1, 2, 3},
			Actions:        []int{2, 3, 4},
			ActionLogits:   []float64{0.1, 0.2, 0.3},
			ActionMasks:    []bool{true, true, false},
			ActionLogprobs: []float64{-0.1, -0.2, 0},
			Response:       "A",
			Score:          1,
			Values:         []float64{0.2, 0.4, 0},
		},
		rolloutRecord{
			Instruction:    "b",
			Observations:   []int{5, 6, 7},
			Actions:        []int{6, 7, 8},
			ActionLogits:   []float64{0.3, 0.2, 0.1},
			ActionMasks:    []bool{true, true, true},
			ActionLogprobs: []float64{-0.3, -0.2, -0.1},
			Response:       "B",
			Score:          -1,
			Values:         []float64{0.1, 0.1, 0.1},
		},
	)
	out := filepath.Join(dir, "out")
	require.NoError(t, execute(t, "advantage", rollouts, "--save", out, "--plot", "--seed", "3"))

	for _, name := range []string{"advantages.jsonl", "advantages.png", "config.txt"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
	config, err := os.ReadFile(filepath.Join(out, "config.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(config), "Scatter policy: last")

	bs, err := os.ReadFile(filepath.Join(out, "advantages.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(bs)), "\n")
	require.Len(t, lines, 2)
	var first advantageRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "a", first.Instruction)
	assert.Equal(t, 0.0, first.Rewards[2])
	assert.Equal(t, 0.0, first.Advantages[2])
}

func TestAdvantageCommandRejectsRaggedRows(t *testing.T) {
	dir := t.TempDir()
	rollouts := filepath.Join(dir, "rollouts.jsonl")
	writeLines(t, rollouts,
		rolloutRecord{Observations: []int{1, 2}, Actions: []int{1, 2}, ActionLogits: []float64{0, 0}, ActionMasks: []bool{true, true}, ActionLogprobs: []float64{0, 0}, Values: []float64{0, 0}},
		rolloutRecord{Observations: []int{1}, Actions: []int{1}, ActionLogits: []float64{0}, ActionMasks: []bool{true}, ActionLogprobs: []float64{0}, Values: []float64{0}},
	)
	err := execute(t, "advantage", rollouts, "--save", filepath.Join(dir, "out"))
	assert.ErrorIs(t, err, buffer.ErrShapeMismatch)
}

func saveShard(t *testing.T, dir string, instructions ...string) string {
	t.Helper()
	in := buffer.LogitsInput{
		Instructions:      instructions,
		Outputs:           instructions,
		OutputTokensLogps: tensor.New[float64](len(instructions), 2),
	}
	b, err := buffer.NewLogitsBufferFrom(buffer.DefaultLogitsConfig(), in)
	require.NoError(t, err)
	require.NoError(t, b.Save(dir, true, false))
	return filepath.Join(dir, buffer.BufferFileName)
}

func loadInstructions(t *testing.T, file string) []string {
	t.Helper()
	b, err := loadLogitsBuffer(file, 0, -1, buffer.DefaultLogitsConfig())
	require.NoError(t, err)
	records := b.Records()
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Instruction
	}
	return out
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	first := saveShard(t, filepath.Join(dir, "first"), "a", "b")
	second := saveShard(t, filepath.Join(dir, "second"), "c")
	out := filepath.Join(dir, "merged")

	require.NoError(t, execute(t, "merge", first, second, "--save", out, "--flush-threshold", "1"))
	assert.Equal(t, []string{"a", "b", "c"}, loadInstructions(t, filepath.Join(out, buffer.BufferFileName)))

	require.NoError(t, execute(t, "inspect", filepath.Join(out, buffer.BufferFileName), "--start", "1", "--save", out, "--plot"))
	_, err := os.Stat(filepath.Join(out, "logps.png"))
	assert.NoError(t, err)
}

func TestMergeCommandSkipsEmptyShards(t *testing.T) {
	dir := t.TempDir()
	in := buffer.LogitsInput{
		Instructions:      []string{"a", "b"},
		Outputs:           []string{"A", "B"},
		Logits:            []*mat.Dense{mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}), mat.NewDense(2, 3, []float64{6, 5, 4, 3, 2, 1})},
		OutputTokensLogps: tensor.New[float64](2, 2),
	}
	config := buffer.DefaultLogitsConfig()
	config.TopK = 2
	b, err := buffer.NewLogitsBufferFrom(config, in)
	require.NoError(t, err)
	require.NoError(t, b.Save(filepath.Join(dir, "compressed"), true, false))
	compressed := filepath.Join(dir, "compressed", buffer.BufferFileName)
	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	out := filepath.Join(dir, "merged")

	require.NoError(t, execute(t, "merge", empty, compressed, empty, "--save", out))
	merged, err := loadLogitsBuffer(filepath.Join(out, buffer.BufferFileName), 0, -1, buffer.DefaultLogitsConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Len())
	assert.Equal(t, 2, merged.TopK())
}

func TestGatherShardsSingleRank(t *testing.T) {
	dir := t.TempDir()
	shard := saveShard(t, filepath.Join(dir, "shard"), "x", "y")
	previous := saveFile
	t.Cleanup(func() { saveFile = previous })
	saveFile = filepath.Join(dir, "out")

	top, err := parallel.NewTopology(1, 0)
	require.NoError(t, err)
	placement, err := top.Infos(parallel.Infos{WorldSize: 1})
	require.NoError(t, err)
	group := top.DataParallelGroup(0)

	require.NoError(t, gatherShards(context.Background(), parallel.Local{}, group, placement, shard, zaptest.NewLogger(t)))
	assert.Equal(t, []string{"x", "y"}, loadInstructions(t, filepath.Join(saveFile, group.Name, buffer.BufferFileName)))
}
