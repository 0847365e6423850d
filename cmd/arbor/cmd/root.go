// Package cmd implements the arbor CLI commands.
//
// The root command dispatches to subcommands registered from init functions
// (bench, leaks, serve).
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

// Version information set at build time.
var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
)

const verboseKey = "verbose"

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// commands holds the constructors registered with the CLI. Commands are
// built fresh for every Execute since parsed flag state lives on them.
var commands []func() *cli.Command

// RegisterCommand adds a subcommand constructor to the CLI.
func RegisterCommand(newCommand func() *cli.Command) {
	commands = append(commands, newCommand)
}

func newRootCommand() *cli.Command {
	root := &cli.Command{
		Name:    "arbor",
		Usage:   "Drive the element tree runtime with synthetic workloads",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  verboseKey,
				Usage: "Log flush and ledger diagnostics to stderr",
			},
		},
	}
	for _, newCommand := range commands {
		root.Commands = append(root.Commands, newCommand())
	}
	return root
}

// Execute runs the CLI with the given arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

// newLogger returns a stderr logger at debug level when --verbose is set and
// a discarding one otherwise.
func newLogger(cmd *cli.Command) *slog.Logger {
	if !cmd.Bool(verboseKey) {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
