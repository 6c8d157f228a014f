package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mistakeknot/interlock/internal/cli"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Execute(ctx, Version); err != nil {
		stop()
		os.Exit(1)
	}
}
