package core

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jamiealquiza/tachymeter"

	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/memory"
)

// defaultTimingWindow is the number of flush durations kept for Stats.
const defaultTimingWindow = 256

// TaskPoster defers work to the next tick. *loop.Loop satisfies it.
type TaskPoster interface {
	Post(task func())
}

// Option configures a BuildOwner.
type Option func(*BuildOwner)

// WithPoster makes ScheduleBuild post FlushBuild to poster. Without a poster
// the embedder calls FlushBuild itself, typically from OnNeedsFrame.
func WithPoster(poster TaskPoster) Option {
	return func(b *BuildOwner) { b.poster = poster }
}

// WithManager registers every mounted element with the resource ledger and
// runs a batch cleanup after each flush.
func WithManager(manager *memory.Manager) Option {
	return func(b *BuildOwner) { b.manager = manager }
}

// WithPatcher sets the collaborator that applies host render output.
func WithPatcher(patcher Patcher) Option {
	return func(b *BuildOwner) { b.patcher = patcher }
}

// WithServices exposes registry through BuildContext.Service.
func WithServices(registry *ServiceRegistry) Option {
	return func(b *BuildOwner) { b.services = registry }
}

// WithLogger sets the logger for flush diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BuildOwner) { b.logger = logger }
}

// WithTimingWindow sets how many flush durations Stats summarises.
func WithTimingWindow(size int) Option {
	return func(b *BuildOwner) {
		if size > 0 {
			b.window = size
		}
	}
}

// BuildStats summarises scheduler activity.
type BuildStats struct {
	Flushes       int64
	Rebuilds      int64
	Skipped       int64
	BuildFailures int64

	FlushAvg time.Duration
	FlushP50 time.Duration
	FlushP99 time.Duration
	FlushMax time.Duration
}

// BuildOwner collects dirty elements and rebuilds them in batches.
//
// Marks are collected in a pending set. The first mark of a batch posts one
// flush; further marks before it runs only join the set. FlushBuild swaps the
// pending set for a fresh one before rebuilding anything, so marks raised
// while a flush runs always belong to the next flush.
type BuildOwner struct {
	mu        sync.Mutex
	pending   mapset.Set[Element]
	scheduled bool
	flushing  bool
	tornDown  bool
	root      Element

	poster   TaskPoster
	manager  *memory.Manager
	patcher  Patcher
	services *ServiceRegistry
	logger   *slog.Logger

	window  int
	timings *tachymeter.Tachymeter
	stats   BuildStats

	// OnNeedsFrame is called once per newly scheduled flush, signalling the
	// host that a frame should be produced.
	OnNeedsFrame func()
}

// NewBuildOwner creates a BuildOwner.
func NewBuildOwner(opts ...Option) *BuildOwner {
	b := &BuildOwner{
		pending: mapset.NewThreadUnsafeSet[Element](),
		window:  defaultTimingWindow,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.timings = tachymeter.New(&tachymeter.Config{Size: b.window})
	return b
}

// Manager returns the resource ledger, or nil.
func (b *BuildOwner) Manager() *memory.Manager {
	if b == nil {
		return nil
	}
	return b.manager
}

// Patcher returns the host patcher, or nil.
func (b *BuildOwner) Patcher() Patcher {
	if b == nil {
		return nil
	}
	return b.patcher
}

// Services returns the service registry, or nil.
func (b *BuildOwner) Services() *ServiceRegistry {
	if b == nil {
		return nil
	}
	return b.services
}

// MountRoot inflates widget as the root of the tree, replacing or updating
// the previous root.
func (b *BuildOwner) MountRoot(widget Widget) Element {
	b.mu.Lock()
	previous := b.root
	b.mu.Unlock()

	root := updateChild(previous, widget, nil, b, nil)

	b.mu.Lock()
	b.root = root
	b.mu.Unlock()
	return root
}

// Root returns the root element, or nil.
func (b *BuildOwner) Root() Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.root
}

// ScheduleBuild adds element to the pending set. The first element of a batch
// posts exactly one flush.
func (b *BuildOwner) ScheduleBuild(element Element) {
	if element == nil {
		return
	}
	b.mu.Lock()
	if b.tornDown || !b.pending.Add(element) {
		b.mu.Unlock()
		return
	}
	post := !b.scheduled
	b.scheduled = true
	b.mu.Unlock()

	if !post {
		return
	}
	if b.poster != nil {
		b.poster.Post(func() { b.FlushBuild() })
	}
	if b.OnNeedsFrame != nil {
		b.OnNeedsFrame()
	}
}

// PendingCount returns the number of elements waiting for the next flush.
func (b *BuildOwner) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Cardinality()
}

// NeedsWork reports whether a flush has elements to rebuild.
func (b *BuildOwner) NeedsWork() bool {
	return b.PendingCount() > 0
}

// TornDown reports whether Teardown has run.
func (b *BuildOwner) TornDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tornDown
}

// FlushBuild rebuilds the elements pending when it starts, ancestors first,
// and returns how many it rebuilt. Elements that unmounted since being
// marked are skipped, and rebuilds that reported a build failure are not
// counted. Calls made while a flush is running return 0.
func (b *BuildOwner) FlushBuild() int {
	b.mu.Lock()
	if b.flushing || b.tornDown {
		b.mu.Unlock()
		return 0
	}
	b.flushing = true
	drained := b.pending
	b.pending = mapset.NewThreadUnsafeSet[Element]()
	b.scheduled = false
	b.mu.Unlock()

	start := time.Now()
	dirty := drained.ToSlice()
	slices.SortFunc(dirty, func(a, b Element) int {
		if c := cmp.Compare(a.Depth(), b.Depth()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID(), b.ID())
	})

	rebuilt, skipped, failed := 0, 0, 0
	for _, element := range dirty {
		if !element.Mounted() {
			skipped++
			continue
		}
		before := b.buildFailures()
		ok := errors.Guard(errors.PhaseBuild, errors.Site{Element: element, ElementID: element.ID()}, func() error {
			element.RebuildIfNeeded()
			return nil
		})
		if !ok || b.buildFailures() != before {
			failed++
			continue
		}
		rebuilt++
	}
	elapsed := time.Since(start)

	b.mu.Lock()
	b.flushing = false
	b.stats.Flushes++
	b.stats.Skipped += int64(skipped)
	b.timings.AddTime(elapsed)
	root := b.root
	b.mu.Unlock()

	b.logger.Debug("build flush", "dirty", len(dirty), "rebuilt", rebuilt, "skipped", skipped, "failed", failed, "elapsed", elapsed)
	if DebugMode && root != nil {
		verifyTree(root)
	}
	if b.manager != nil && b.manager.PendingDisposal() > 0 {
		b.manager.PerformBatchCleanup()
	}
	return rebuilt
}

// Teardown stops scheduling, unmounts the tree and reclaims it. Marks made
// afterwards are ignored.
func (b *BuildOwner) Teardown() {
	b.mu.Lock()
	if b.tornDown {
		b.mu.Unlock()
		return
	}
	b.tornDown = true
	b.pending.Clear()
	b.scheduled = false
	root := b.root
	b.root = nil
	b.mu.Unlock()

	if root != nil {
		root.Unmount()
	}
	if b.manager != nil {
		b.manager.PerformBatchCleanup()
	}
}

// Stats returns scheduler counters and flush duration percentiles.
func (b *BuildOwner) Stats() BuildStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	if stats.Flushes > 0 {
		calc := b.timings.Calc()
		stats.FlushAvg = calc.Time.Avg
		stats.FlushP50 = calc.Time.P50
		stats.FlushP99 = calc.Time.P99
		stats.FlushMax = calc.Time.Max
	}
	return stats
}

func (b *BuildOwner) noteRebuild() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.stats.Rebuilds++
	b.mu.Unlock()
}

func (b *BuildOwner) buildFailures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats.BuildFailures
}

func (b *BuildOwner) noteBuildFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.stats.BuildFailures++
	b.mu.Unlock()
}
