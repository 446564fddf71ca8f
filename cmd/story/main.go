// Package main provides a CLI that plays choices through a story world and
// verifies the archived history by replay.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	storycmd "github.com/louisbranch/storyloom/internal/cmd/story"
	platformcmd "github.com/louisbranch/storyloom/internal/platform/cmd"
	"github.com/louisbranch/storyloom/internal/platform/config"
)

func main() {
	cfg, err := storycmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceStory, func(ctx context.Context) error {
		return storycmd.Run(ctx, cfg, os.Stdout, os.Stderr)
	})
	if err != nil {
		config.Exitf("Error: %v", err)
	}
}
