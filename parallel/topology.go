package parallel

import (
	"fmt"
	"slices"
	"strings"
)

// Group is a named set of global ranks
type Group struct {
	Name  string
	Ranks []int
}

func (g Group) Size() int {
	return len(g.Ranks)
}

// Index returns the position of rank inside the group, -1 if absent
func (g Group) Index(rank int) int {
	return slices.Index(g.Ranks, rank)
}

func (g Group) Contains(rank int) bool {
	return g.Index(rank) >= 0
}

func (g Group) String() string {
	ranks := make([]string, len(g.Ranks))
	for i, r := range g.Ranks {
		ranks[i] = fmt.Sprint(r)
	}
	return fmt.Sprintf("%s[%s]", g.Name, strings.Join(ranks, ","))
}

func EnsureDivisibility(numerator, denominator int) error {
	if denominator <= 0 || numerator%denominator != 0 {
		return fmt.Errorf("%d is not divisible by %d", numerator, denominator)
	}
	return nil
}

// Topology splits a world into model-parallel blocks of consecutive ranks
// and data-parallel groups strided by the model-parallel size
type Topology struct {
	worldSize         int
	modelParallelSize int
}

// NewTopology returns the layout of worldSize ranks. A modelParallelSize of
// 0 puts the whole world in one model-parallel group.
func NewTopology(worldSize, modelParallelSize int) (*Topology, error) {
	if worldSize <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", worldSize)
	}
	if modelParallelSize == 0 {
		modelParallelSize = worldSize
	}
	if err := EnsureDivisibility(worldSize, modelParallelSize); err != nil {
		return nil, err
	}
	return &Topology{worldSize: worldSize, modelParallelSize: modelParallelSize}, nil
}

func (t *Topology) WorldSize() int {
	return t.worldSize
}

func (t *Topology) ModelParallelWorldSize() int {
	return t.modelParallelSize
}

func (t *Topology) DataParallelWorldSize() int {
	return t.worldSize / t.modelParallelSize
}

func (t *Topology) World() Group {
	ranks := make([]int, t.worldSize)
	for i := range ranks {
		ranks[i] = i
	}
	return Group{Name: "world", Ranks: ranks}
}

// ModelParallelGroup is the block of consecutive ranks holding rank
func (t *Topology) ModelParallelGroup(rank int) Group {
	block := rank / t.modelParallelSize
	ranks := make([]int, t.modelParallelSize)
	for i := range ranks {
		ranks[i] = block*t.modelParallelSize + i
	}
	return Group{Name: fmt.Sprintf("model-%d", block), Ranks: ranks}
}

// DataParallelGroup holds the ranks sharing the model-parallel rank of rank
func (t *Topology) DataParallelGroup(rank int) Group {
	offset := rank % t.modelParallelSize
	ranks := make([]int, t.DataParallelWorldSize())
	for i := range ranks {
		ranks[i] = offset + i*t.modelParallelSize
	}
	return Group{Name: fmt.Sprintf("data-%d", offset), Ranks: ranks}
}

// ParallelInfos is the full placement of one rank
type ParallelInfos struct {
	GlobalRank int
	LocalRank  int
	WorldSize  int

	ModelParallelWorldSize int
	ModelParallelRank      int
	ModelParallelSrcRank   int

	DataParallelWorldSize int
	DataParallelRank      int
	DataParallelSrcRank   int
}

// Infos places infos.GlobalRank in the topology
func (t *Topology) Infos(infos Infos) (ParallelInfos, error) {
	if infos.WorldSize != t.worldSize {
		return ParallelInfos{}, fmt.Errorf("world size %d does not match topology of %d", infos.WorldSize, t.worldSize)
	}
	rank := infos.GlobalRank
	mp := t.ModelParallelGroup(rank)
	dp := t.DataParallelGroup(rank)
	return ParallelInfos{
		GlobalRank:             rank,
		LocalRank:              infos.LocalRank,
		WorldSize:              t.worldSize,
		ModelParallelWorldSize: mp.Size(),
		ModelParallelRank:      mp.Index(rank),
		ModelParallelSrcRank:   mp.Ranks[0],
		DataParallelWorldSize:  dp.Size(),
		DataParallelRank:       dp.Index(rank),
		DataParallelSrcRank:    dp.Ranks[0],
	}, nil
}
