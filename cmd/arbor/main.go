// Command arbor exercises the element tree runtime with synthetic workloads.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-drift/arbor/cmd/arbor/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := cmd.Execute(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
