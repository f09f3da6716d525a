// Package parallel carries buffer rows between the processes of a
// distributed run. Processes are laid out like fairscale model parallelism
// and exchange data through a Collective.
package parallel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var ErrGroupMembership = errors.New("rank is not a member of the group")

// Collective is the communication backend of a set of ranks.
// Every member of a group must issue the same sequence of calls on it.
type Collective interface {
	Rank() int
	WorldSize() int
	// Barrier returns once every member of the group reached it
	Barrier(ctx context.Context, group Group) error
	// AllGather returns the payload of every member, ordered by ascending rank
	AllGather(ctx context.Context, group Group, payload []byte) ([][]byte, error)
}

func checkMembership(c Collective, group Group) error {
	if !group.Contains(c.Rank()) {
		return fmt.Errorf("%w: rank %d, group %s", ErrGroupMembership, c.Rank(), group)
	}
	return nil
}

// sortedRanks returns the ranks of group in ascending order
func sortedRanks(group Group) []int {
	ranks := slices.Clone(group.Ranks)
	slices.Sort(ranks)
	return ranks
}

// AllGatherConcat gathers the items of every member of group and
// concatenates them in rank order. A group of one returns items untouched.
func AllGatherConcat[T any](ctx context.Context, c Collective, group Group, items []T) ([]T, error) {
	if err := checkMembership(c, group); err != nil {
		return nil, err
	}
	if group.Size() == 1 {
		return items, nil
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shard: %w", err)
	}
	shards, err := c.AllGather(ctx, group, payload)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items)*len(shards))
	for i, shard := range shards {
		var part []T
		if err := json.Unmarshal(shard, &part); err != nil {
			return nil, fmt.Errorf("failed to decode shard %d: %w", i, err)
		}
		out = append(out, part...)
	}
	return out, nil
}
