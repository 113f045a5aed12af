package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bid-evaluation-service/internal/cli"
	"bid-evaluation-service/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := cli.NewRootCommand(&cli.App{Config: config.Load()})
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "opsctl:", err)
		cancel()
		os.Exit(1)
	}
}
