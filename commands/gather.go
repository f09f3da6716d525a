package commands

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zeu5/rollout-buffer/parallel"
	"go.uber.org/zap"
)

func GatherCommand() *cobra.Command {
	var (
		redisAddr         string
		prefix            string
		modelParallelSize int
	)
	cmd := &cobra.Command{
		Use:   "gather [shard.jsonl]",
		Short: "All-gather the buffer shards of a data-parallel group and save the union",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			infos, err := parallel.InfosFromEnv()
			if err != nil {
				return err
			}
			topology, err := parallel.NewTopology(infos.WorldSize, modelParallelSize)
			if err != nil {
				return err
			}
			placement, err := topology.Infos(infos)
			if err != nil {
				return err
			}
			logger = logger.With(zap.Int("rank", infos.GlobalRank))

			client := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer client.Close()
			redisConfig := parallel.DefaultRedisConfig()
			redisConfig.Prefix = prefix
			redisConfig.Logger = logger
			collective := parallel.NewRedis(client, infos.GlobalRank, infos.WorldSize, redisConfig)

			ctx, done := interruptContext()
			defer done()
			return gatherShards(ctx, collective, topology.DataParallelGroup(infos.GlobalRank), placement, args[0], logger)
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis", "127.0.0.1:6379", "Address of the redis server shared by the ranks")
	cmd.Flags().StringVar(&prefix, "prefix", parallel.DefaultRedisConfig().Prefix, "Key prefix of this run")
	cmd.Flags().IntVar(&modelParallelSize, "model-parallel-size", 0, "Model-parallel group size, 0 for the whole world")
	return cmd
}
