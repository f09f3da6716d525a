package commands

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	saveFile string
	logLevel string
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          "rollout-buffer",
		Short:        "Build, inspect and exchange PPO rollout buffers",
		SilenceUsage: true,
	}
	rootCommand.PersistentFlags().StringVarP(&saveFile, "save", "s", "results", "Save the result data in the specified folder")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	// adding the subcommands here
	rootCommand.AddCommand(AdvantageCommand())
	rootCommand.AddCommand(InspectCommand())
	rootCommand.AddCommand(MergeCommand())
	rootCommand.AddCommand(ServeCommand())
	rootCommand.AddCommand(GatherCommand())
	return rootCommand
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}

// interruptContext is cancelled on the first interrupt signal or when the
// returned function is called
func interruptContext() (context.Context, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	doneCh := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
		case <-doneCh:
		}
		signal.Stop(sigCh)
		cancel()
	}()
	return ctx, func() { close(doneCh) }
}
