package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// Exit codes returned by the binary.
const (
	exitOK        = 0
	exitFailure   = 1
	exitAuthError = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "followcrawler: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case crawler.IsFatal(err):
		return exitAuthError
	case errors.Is(err, context.Canceled):
		return exitOK
	default:
		return exitFailure
	}
}
