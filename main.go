package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/recall/cmd"
)

// main runs the CLI. The first interrupt cancels the command context so
// servers shut down gracefully; a second one exits immediately.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 2)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM)
	go listenForInterrupt(stopChan, cancel)

	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func listenForInterrupt(stopChan chan os.Signal, cancel context.CancelFunc) {
	<-stopChan
	log.Info().Msg("Interrupt signal received, shutting down...")
	cancel()
	<-stopChan
	log.Fatal().Msg("Second interrupt signal received. Exiting...")
}
