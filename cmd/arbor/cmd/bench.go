package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/go-drift/arbor/cmd/arbor/internal/workload"
	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/loop"
	"github.com/go-drift/arbor/pkg/memory"
)

const (
	widthKey      = "width"
	depthKey      = "depth"
	iterationsKey = "iterations"
	touchesKey    = "touches"
	seedKey       = "seed"
)

const benchDescription = `Mounts a tree of rows with stateful cells at the leaves and runs two
scenarios on a task loop:

  state    touch random cells, then drain the loop
  palette  bump the inherited palette, rebuilding every swatch

Per-tick latency is measured end to end; flush percentiles come from the
build owner.`

func init() {
	RegisterCommand(func() *cli.Command {
		return &cli.Command{
			Name:        "bench",
			Usage:       "Measure rebuild throughput on a synthetic tree",
			Description: benchDescription,
			Flags: []cli.Flag{
				&cli.UintFlag{Name: widthKey, Usage: "Children per row", Value: 4},
				&cli.UintFlag{Name: depthKey, Usage: "Row levels above the cells", Value: 4},
				&cli.UintFlag{Name: iterationsKey, Usage: "Ticks per scenario", Value: 200},
				&cli.UintFlag{Name: touchesKey, Usage: "Cells touched per tick in the state scenario", Value: 16},
				&cli.UintFlag{Name: seedKey, Usage: "Random seed for cell selection", Value: 1},
			},
			Action: runBench,
		}
	})
}

// benchConfig is the parsed bench invocation.
type benchConfig struct {
	shape      workload.Config
	iterations int
	touches    int
	seed       uint64
}

// benchResult is one scenario's measurements.
type benchResult struct {
	scenario string
	ticks    int
	tick     *tachymeter.Metrics
	build    core.BuildStats
	ledger   memory.Stats
}

func runBench(ctx context.Context, cmd *cli.Command) error {
	cfg := benchConfig{
		shape: workload.Config{
			Width: int(cmd.Uint(widthKey)),
			Depth: int(cmd.Uint(depthKey)),
		},
		iterations: int(cmd.Uint(iterationsKey)),
		touches:    int(cmd.Uint(touchesKey)),
		seed:       uint64(cmd.Uint(seedKey)),
	}
	if cfg.iterations == 0 {
		return fmt.Errorf("--%s must be positive", iterationsKey)
	}
	logger := newLogger(cmd)

	results := make([]benchResult, 0, 2)
	for _, scenario := range []string{"state", "palette"} {
		if err := ctx.Err(); err != nil {
			return err
		}
		results = append(results, benchScenario(scenario, cfg, logger))
	}

	w := workload.New(cfg.shape)
	fmt.Fprintf(stdout, "tree: %d×%d, %s cells, %s elements\n\n",
		w.Config().Width, w.Config().Depth,
		humanize.Comma(int64(w.Cells())), humanize.Comma(int64(w.Elements())))
	renderBench(results)
	return nil
}

func benchScenario(scenario string, cfg benchConfig, logger *slog.Logger) benchResult {
	l := loop.New()
	manager := memory.NewManager(memory.Options{Logger: logger})
	defer manager.Dispose()
	owner := core.NewBuildOwner(
		core.WithPoster(l),
		core.WithManager(manager),
		core.WithLogger(logger),
	)
	w := workload.New(cfg.shape)
	owner.MountRoot(w.Root())
	l.RunUntilIdle(0)

	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed))
	timings := tachymeter.New(&tachymeter.Config{Size: cfg.iterations})
	for range cfg.iterations {
		start := time.Now()
		switch scenario {
		case "palette":
			owner.MountRoot(w.NextPalette())
		default:
			for range cfg.touches {
				w.Touch(rng.IntN(w.Cells()))
			}
		}
		l.RunUntilIdle(0)
		timings.AddTime(time.Since(start))
	}

	result := benchResult{
		scenario: scenario,
		ticks:    cfg.iterations,
		tick:     timings.Calc(),
		build:    owner.Stats(),
		ledger:   manager.Stats(),
	}
	owner.Teardown()
	logger.Debug("bench scenario done", "scenario", scenario, "rebuilds", result.build.Rebuilds)
	return result
}

func renderBench(results []benchResult) {
	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Scenario", "Ticks", "Flushes", "Rebuilds", "Tick avg", "Tick p99", "Flush p50", "Flush p99", "Flush max", "Live elements"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.scenario,
			humanize.Comma(int64(r.ticks)),
			humanize.Comma(r.build.Flushes),
			humanize.Comma(r.build.Rebuilds),
			r.tick.Time.Avg.Round(time.Microsecond),
			r.tick.Time.P99.Round(time.Microsecond),
			r.build.FlushP50.Round(time.Microsecond),
			r.build.FlushP99.Round(time.Microsecond),
			r.build.FlushMax.Round(time.Microsecond),
			humanize.Comma(int64(r.ledger.CurrentElements)),
		})
	}
	t.Render()
}
