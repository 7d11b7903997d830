package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/reifyio/reify/cmd/reify/commands"
	"github.com/reifyio/reify/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes: 0 on success, 2 for configuration errors detected before any
// mutation, 1 for execution failures.
const (
	exitOK     = 0
	exitExec   = 1
	exitConfig = 2
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		if engine.IsConfigError(err) {
			os.Exit(exitConfig)
		}
		os.Exit(exitExec)
	}
	os.Exit(exitOK)
}
