package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"parley/cmd/parley/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(commands.ExitCode(err))
	}
}
