package testing

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/loop"
	"github.com/go-drift/arbor/pkg/memory"
)

// DefaultSettleTicks bounds PumpAndSettle when callers pass a non-positive
// limit.
const DefaultSettleTicks = 100

// ErrSettleTimeout is returned when PumpAndSettle runs out of ticks.
var ErrSettleTimeout = errors.New("PumpAndSettle: tree did not settle")

// ErrTornDown is returned when pumping a tester after Cleanup.
var ErrTornDown = errors.New("tester: torn down")

// Tester drives an element tree the way an embedder would: a task loop runs
// flushes, a resource ledger tracks elements and nodes, and host output goes
// to a PatchRecorder. Time comes from a FakeClock.
type Tester struct {
	loop     *loop.Loop
	owner    *core.BuildOwner
	manager  *memory.Manager
	services *core.ServiceRegistry
	clock    *FakeClock
	patches  *PatchRecorder
	errs     *errorRecorder
}

// NewTester creates a tester with a default ledger configuration. Call
// Cleanup when done, or use NewTesterWithT instead.
func NewTester() *Tester {
	return NewTesterWithOptions(memory.Options{})
}

// NewTesterWithOptions creates a tester whose ledger uses opts. The clock and
// dispatch hook are always replaced by the tester's own; a nil logger
// discards output.
func NewTesterWithOptions(opts memory.Options) *Tester {
	clk := NewFakeClock()
	l := loop.New()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Clock = clk
	opts.Dispatch = l.Post

	t := &Tester{
		loop:     l,
		manager:  memory.NewManager(opts),
		services: core.NewServiceRegistry(),
		clock:    clk,
		patches:  &PatchRecorder{},
		errs:     &errorRecorder{},
	}
	t.owner = core.NewBuildOwner(
		core.WithPoster(l),
		core.WithManager(t.manager),
		core.WithPatcher(t.patches),
		core.WithServices(t.services),
		core.WithLogger(opts.Logger),
	)
	errors.SetHandler(t.errs)
	return t
}

// NewTesterWithT creates a tester that is cleaned up with t.Cleanup.
func NewTesterWithT(t testing.TB) *Tester {
	tester := NewTester()
	t.Cleanup(tester.Cleanup)
	return tester
}

// Cleanup tears the tree down, stops the ledger and restores the default
// error handler. It is safe to call more than once.
func (t *Tester) Cleanup() {
	if t.owner.TornDown() {
		return
	}
	t.owner.Teardown()
	t.manager.Dispose()
	t.loop.Close()
	errors.SetHandler(nil)
}

// Loop returns the task loop flushes run on.
func (t *Tester) Loop() *loop.Loop { return t.loop }

// Owner returns the build owner.
func (t *Tester) Owner() *core.BuildOwner { return t.owner }

// Manager returns the resource ledger.
func (t *Tester) Manager() *memory.Manager { return t.manager }

// Services returns the registry exposed through BuildContext.Service.
func (t *Tester) Services() *core.ServiceRegistry { return t.services }

// Clock returns the fake clock used by the ledger.
func (t *Tester) Clock() *FakeClock { return t.clock }

// Patches returns the recorder receiving host output.
func (t *Tester) Patches() *PatchRecorder { return t.patches }

// Errors returns the callback errors reported since the tester was created.
func (t *Tester) Errors() []*errors.CallbackError { return t.errs.callbacks() }

// RootElement returns the root element of the mounted tree.
func (t *Tester) RootElement() core.Element {
	return t.owner.Root()
}

// PumpWidget mounts widget as the root, updating the previous root in place
// when it has the same type and key, then runs one tick.
func (t *Tester) PumpWidget(widget core.Widget) error {
	if t.owner.TornDown() {
		return ErrTornDown
	}
	t.owner.MountRoot(widget)
	return t.Pump()
}

// Pump runs one tick of the loop: every task queued before the call,
// including at most one flush. Elements unmounted outside a flush, such as a
// replaced root, are reclaimed at the end of the tick.
func (t *Tester) Pump() error {
	if t.owner.TornDown() {
		return ErrTornDown
	}
	t.loop.RunPending()
	if t.manager.PendingDisposal() > 0 {
		t.manager.PerformBatchCleanup()
	}
	return nil
}

// PumpAndSettle runs ticks until neither the loop nor the build owner has
// work, or maxTicks ticks have run.
func (t *Tester) PumpAndSettle(maxTicks int) error {
	if maxTicks <= 0 {
		maxTicks = DefaultSettleTicks
	}
	for range maxTicks {
		if err := t.Pump(); err != nil {
			return err
		}
		if !t.needsWork() {
			return nil
		}
	}
	return ErrSettleTimeout
}

func (t *Tester) needsWork() bool {
	return t.owner.NeedsWork() || t.loop.Pending() > 0
}

// Dispatch queues fn for the next tick.
func (t *Tester) Dispatch(fn func()) {
	t.loop.Post(fn)
}

// Find evaluates a finder against the current element tree.
func (t *Tester) Find(finder Finder) FinderResult {
	root := t.owner.Root()
	if root == nil {
		return FinderResult{finder: finder}
	}
	return FinderResult{
		elements: finder.Evaluate(root),
		finder:   finder,
	}
}

// errorRecorder keeps callback errors for assertions and logs nothing.
type errorRecorder struct {
	mu   sync.Mutex
	errs []*errors.CallbackError
}

func (r *errorRecorder) HandleError(err *errors.RuntimeError) {}

func (r *errorRecorder) HandlePanic(err *errors.PanicError) {}

func (r *errorRecorder) HandleCallbackError(err *errors.CallbackError) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errorRecorder) callbacks() []*errors.CallbackError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*errors.CallbackError, len(r.errs))
	copy(out, r.errs)
	return out
}
