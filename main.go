package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"parley/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx, os.Args[1:])
	cancel()

	code := cmd.ExitCode(err)
	switch code {
	case 0:
		return
	case 130:
		fmt.Fprintln(os.Stderr, "parley: interrupted")
	default:
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
	}
	os.Exit(code)
}
