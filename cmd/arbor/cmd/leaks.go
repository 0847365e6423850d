package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/go-drift/arbor/cmd/arbor/internal/workload"
	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/loop"
	"github.com/go-drift/arbor/pkg/memory"
	arbortest "github.com/go-drift/arbor/pkg/testing"
)

const (
	configKey = "config"
	roundsKey = "rounds"
	stepKey   = "step"
)

const leaksDescription = `Alternates the tree between two widths so every round unmounts and
remounts a slice of it, advancing a simulated clock between rounds.

Unmounted elements are only reclaimed after a flush. With --touches 0 no
flush ever runs, so everything unmounted stays in the ledger and shows up as
a leak once it is older than the configured threshold. Touching cells makes
flushes happen and the report comes back clean.

Ledger options are read from the YAML file given with --config:

  elementAgeThreshold: 1m
  nodeAgeThreshold: 5m
  warnThreshold: 5000`

func init() {
	RegisterCommand(func() *cli.Command {
		return &cli.Command{
			Name:        "leaks",
			Usage:       "Churn a tree and report what the resource ledger still holds",
			Description: leaksDescription,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: configKey, Usage: "YAML file with ledger options"},
				&cli.UintFlag{Name: widthKey, Usage: "Children per row", Value: 4},
				&cli.UintFlag{Name: depthKey, Usage: "Row levels above the cells", Value: 3},
				&cli.UintFlag{Name: roundsKey, Usage: "Churn rounds", Value: 10},
				&cli.UintFlag{Name: touchesKey, Usage: "Cells touched per round", Value: 0},
				&cli.DurationFlag{Name: stepKey, Usage: "Simulated time between rounds", Value: 30 * time.Second},
				&cli.UintFlag{Name: seedKey, Usage: "Random seed for cell selection", Value: 1},
			},
			Action: runLeaks,
		}
	})
}

func runLeaks(ctx context.Context, cmd *cli.Command) error {
	opts := memory.DefaultOptions()
	if path := cmd.String(configKey); path != "" {
		loaded, err := memory.LoadOptions(path)
		if err != nil {
			return err
		}
		opts = loaded
	}
	width := max(int(cmd.Uint(widthKey)), 2)
	rounds := int(cmd.Uint(roundsKey))
	touches := int(cmd.Uint(touchesKey))
	step := cmd.Duration(stepKey)
	seed := uint64(cmd.Uint(seedKey))

	clock := arbortest.NewFakeClock()
	l := loop.New()
	logger := newLogger(cmd)
	opts.Clock = clock
	opts.Logger = logger
	opts.Dispatch = l.Post
	manager := memory.NewManager(opts)
	defer manager.Dispose()
	owner := core.NewBuildOwner(
		core.WithPoster(l),
		core.WithManager(manager),
		core.WithLogger(logger),
	)
	profiler := memory.NewProfiler(manager, clock)

	shapes := []*workload.Workload{
		workload.New(workload.Config{Width: width, Depth: int(cmd.Uint(depthKey))}),
		workload.New(workload.Config{Width: width - 1, Depth: int(cmd.Uint(depthKey))}),
	}
	rng := rand.New(rand.NewPCG(seed, seed))

	owner.MountRoot(shapes[0].Root())
	l.RunUntilIdle(0)
	profiler.Take("mount")
	for round := 1; round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		current := shapes[round%2]
		owner.MountRoot(current.Root())
		for range touches {
			current.Touch(rng.IntN(current.Cells()))
		}
		l.RunUntilIdle(0)
		clock.Advance(step)
		profiler.Take(fmt.Sprintf("round %d", round))
	}

	leaks := manager.DetectLeaks()
	fmt.Fprintf(stdout, "%d rounds over %s, %s leaks\n\n",
		rounds, clock.Elapsed(), humanize.Comma(int64(len(leaks))))
	renderTrend(profiler)
	fmt.Fprintln(stdout)
	fmt.Fprint(stdout, manager.DetailedReport().Render())
	return nil
}

func renderTrend(profiler *memory.Profiler) {
	trend := profiler.Trend()
	if trend == nil {
		return
	}
	keys := make([]string, 0, len(trend.Deltas))
	for key := range trend.Deltas {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Trend over %d snapshots (%s)", trend.Samples, trend.Span))
	t.AppendHeader(table.Row{"Counter", "Delta", "Per second"})
	for _, key := range keys {
		t.AppendRow(table.Row{key, humanize.Comma(trend.Deltas[key]), fmt.Sprintf("%.2f", trend.PerSecond[key])})
	}
	t.Render()
}
