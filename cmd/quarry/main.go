package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quarryhq/quarry/cmd/quarry/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Cancel the pipeline context on interrupt so an in-flight apply
	// is marked interrupted and its partial result is persisted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		os.Exit(commands.ExitCode(err))
	}
}
