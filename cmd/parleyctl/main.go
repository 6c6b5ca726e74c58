// Package main runs the parley operator command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/parley/internal/cmd/parleyctl"
	"github.com/louisbranch/parley/internal/platform/config"
)

func main() {
	cfg, err := parleyctl.LoadConfig()
	if err != nil {
		config.Exitf("parse config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := parleyctl.Run(ctx, cfg, os.Args[1:], os.Stdout); err != nil {
		stop()
		config.Exitf("Error: %v", err)
	}
}
