// Package main provides recordctl, a command line tool for recordkit data
// sources: schema management, model metadata, health and a scope demo.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("recordctl failed")
		stop()
		os.Exit(1)
	}
}
