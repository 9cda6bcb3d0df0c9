// Command prw ingests the clinic encounters workbook into the panel
// warehouse, publishes warehouse snapshots, and serves the dashboard API.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp(stdout, stderr, os.Getenv).run(ctx, args)
}
