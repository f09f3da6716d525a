package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeu5/rollout-buffer/buffer"
	"github.com/zeu5/rollout-buffer/report"
	"github.com/zeu5/rollout-buffer/server"
	"go.uber.org/zap"
)

// loadLogitsBuffer reads lines [start, stop) of file
func loadLogitsBuffer(file string, start, stop int, config buffer.LogitsConfig) (*buffer.LogitsBuffer, error) {
	b := buffer.NewLogitsBuffer(config)
	if err := b.Load(file, start, stop); err != nil {
		return nil, err
	}
	return b, nil
}

// allLogps flattens every token log-prob of b
func allLogps(b *buffer.LogitsBuffer) ([]float64, error) {
	batches, err := b.GetLogps(256)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0)
	for batches.Next() {
		values = append(values, batches.Batch().RawMatrix().Data...)
	}
	return values, nil
}

func InspectCommand() *cobra.Command {
	var (
		start, stop int
		plot        bool
	)
	cmd := &cobra.Command{
		Use:   "inspect [buffer.jsonl]",
		Short: "Load a range of a buffer file and report its statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			config := buffer.DefaultLogitsConfig()
			config.Logger = logger
			b, err := loadLogitsBuffer(args[0], start, stop, config)
			if err != nil {
				return err
			}
			logps, err := allLogps(b)
			if err != nil {
				return err
			}
			logger.Info("buffer statistics",
				zap.Int("rows", b.Len()),
				zap.Bool("compressed", b.Compressed()),
				zap.Int("top_k", b.TopK()),
				zap.Object("logps", report.Summarize(logps)),
			)
			if plot {
				return report.PlotLogpsHistogram(logps, filepath.Join(saveFile, "logps.png"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "First line to load")
	cmd.Flags().IntVar(&stop, "stop", -1, "Line to stop at, -1 reads to the end")
	cmd.Flags().BoolVar(&plot, "plot", false, "Plot the histogram of token log-probs")
	return cmd
}

func MergeCommand() *cobra.Command {
	config := buffer.DefaultLogitsConfig()
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "merge [files...]",
		Short: "Concatenate buffer files into one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()
			config.Logger = logger

			merged := buffer.NewLogitsBuffer(config)
			for _, file := range args {
				part, err := loadLogitsBuffer(file, 0, -1, config)
				if err != nil {
					return err
				}
				if err := merged.Extend(part); err != nil {
					return fmt.Errorf("merging %s: %w", file, err)
				}
				logger.Debug("merged file", zap.String("file", file), zap.Int("pending", merged.Pending()))
			}
			return merged.Save(saveFile, overwrite, true)
		},
	}
	cmd.Flags().IntVar(&config.FlushThreshold, "flush-threshold", config.FlushThreshold, "Pending records that trigger a merge")
	cmd.Flags().BoolVar(&overwrite, "overwrite", true, "Truncate an existing output file instead of appending")
	return cmd
}

func ServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [buffer.jsonl]",
		Short: "Serve a buffer file read-only over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			config := buffer.DefaultLogitsConfig()
			config.Logger = logger
			b, err := loadLogitsBuffer(args[0], 0, -1, config)
			if err != nil {
				return err
			}
			ctx, done := interruptContext()
			defer done()
			return server.NewServer(ctx, addr, b, logger).Run()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Listen address")
	return cmd
}
