package main

import (
	"os"

	"github.com/zeu5/rollout-buffer/commands"
)

// main entry point to all the buffer tools
func main() {
	rootCommand := commands.GetRootCommand()
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
