package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/go-drift/arbor/cmd/arbor/internal/workload"
	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/inspect"
	"github.com/go-drift/arbor/pkg/loop"
	"github.com/go-drift/arbor/pkg/memory"
)

const (
	addrKey     = "addr"
	intervalKey = "interval"
	durationKey = "duration"
	sampleKey   = "sample"
)

const serveDescription = `Mounts a synthetic tree on a running task loop, touches random cells
on every interval and serves the inspector endpoints until interrupted or
--duration elapses:

  /health  /element-tree  /ledger  /build  /runtime`

func init() {
	RegisterCommand(func() *cli.Command {
		return &cli.Command{
			Name:        "serve",
			Usage:       "Run a live tree and expose it over HTTP",
			Description: serveDescription,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: addrKey, Usage: "Listen address", Value: "127.0.0.1:7070"},
				&cli.StringFlag{Name: configKey, Usage: "YAML file with ledger options"},
				&cli.UintFlag{Name: widthKey, Usage: "Children per row", Value: 4},
				&cli.UintFlag{Name: depthKey, Usage: "Row levels above the cells", Value: 3},
				&cli.UintFlag{Name: touchesKey, Usage: "Cells touched per interval", Value: 4},
				&cli.DurationFlag{Name: intervalKey, Usage: "Time between touches", Value: 100 * time.Millisecond},
				&cli.DurationFlag{Name: sampleKey, Usage: "Runtime sampling interval", Value: 5 * time.Second},
				&cli.DurationFlag{Name: durationKey, Usage: "Stop after this long (0 runs until interrupted)"},
				&cli.UintFlag{Name: seedKey, Usage: "Random seed for cell selection", Value: 1},
			},
			Action: runServe,
		}
	})
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	opts := memory.DefaultOptions()
	if path := cmd.String(configKey); path != "" {
		loaded, err := memory.LoadOptions(path)
		if err != nil {
			return err
		}
		opts = loaded
	}
	interval := cmd.Duration(intervalKey)
	if interval <= 0 {
		return fmt.Errorf("--%s must be positive", intervalKey)
	}
	if d := cmd.Duration(durationKey); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger := newLogger(cmd)
	l := loop.New()
	opts.Logger = logger
	opts.Dispatch = l.Post
	manager := memory.NewManager(opts)
	defer manager.Dispose()
	owner := core.NewBuildOwner(
		core.WithPoster(l),
		core.WithManager(manager),
		core.WithLogger(logger),
	)
	samples := inspect.NewRuntimeSampleBuffer(0, cmd.Duration(sampleKey))
	server, err := inspect.New(owner, l, inspect.WithRuntimeSamples(samples), inspect.WithLogger(logger))
	if err != nil {
		return err
	}

	w := workload.New(workload.Config{Width: int(cmd.Uint(widthKey)), Depth: int(cmd.Uint(depthKey))})
	l.Post(func() { owner.MountRoot(w.Root()) })

	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(ctx) }()
	go samples.Run(ctx)

	addr, err := server.Start(cmd.String(addrKey))
	if err != nil {
		l.Close()
		<-loopDone
		return err
	}
	fmt.Fprintf(stdout, "inspector listening on http://%s (%s elements)\n",
		addr, humanize.Comma(int64(w.Elements())))

	seed := uint64(cmd.Uint(seedKey))
	rng := rand.New(rand.NewPCG(seed, seed))
	touches := int(cmd.Uint(touchesKey))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		runErr     error
		loopExited bool
	)
serve:
	for {
		select {
		case <-ctx.Done():
			break serve
		case runErr = <-loopDone:
			loopExited = true
			break serve
		case <-ticker.C:
			picks := make([]int, touches)
			for i := range picks {
				picks[i] = rng.IntN(w.Cells())
			}
			l.Post(func() {
				for _, i := range picks {
					w.Touch(i)
				}
			})
		}
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Stop(shutdown); err != nil {
		logger.Warn("inspector shutdown", "error", err)
	}
	l.Close()
	if !loopExited {
		runErr = <-loopDone
	}

	stats := owner.Stats()
	fmt.Fprintf(stdout, "served %s flushes, %s rebuilds\n",
		humanize.Comma(stats.Flushes), humanize.Comma(stats.Rebuilds))
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	return nil
}
