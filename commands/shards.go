package commands

import (
	"context"
	"path/filepath"

	"github.com/zeu5/rollout-buffer/buffer"
	"github.com/zeu5/rollout-buffer/parallel"
	"go.uber.org/zap"
)

// gatherShards exchanges the records of shard across group; the source rank
// of the group saves the union under the save folder, one directory per group
func gatherShards(ctx context.Context, c parallel.Collective, group parallel.Group, placement parallel.ParallelInfos, shard string, logger *zap.Logger) error {
	config := buffer.DefaultLogitsConfig()
	config.Logger = logger
	local, err := loadLogitsBuffer(shard, 0, -1, config)
	if err != nil {
		return err
	}
	records, err := parallel.AllGatherConcat(ctx, c, group, local.Records())
	if err != nil {
		return err
	}
	logger.Info("gathered shards", zap.Stringer("group", group), zap.Int("local", local.Len()), zap.Int("total", len(records)))

	if placement.GlobalRank == placement.DataParallelSrcRank {
		union := buffer.NewLogitsBuffer(config)
		if err := union.FromRecords(records); err != nil {
			return err
		}
		if err := union.Save(filepath.Join(saveFile, group.Name), true, true); err != nil {
			return err
		}
	}
	return c.Barrier(ctx, group)
}
