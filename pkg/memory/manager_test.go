package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/go-drift/arbor/pkg/errors"
)

type fakeElement struct {
	id       uint64
	depth    int
	children int
	mounted  bool
	released int
}

func (e *fakeElement) ID() uint64        { return e.id }
func (e *fakeElement) Depth() int        { return e.depth }
func (e *fakeElement) ChildCount() int   { return e.children }
func (e *fakeElement) Mounted() bool     { return e.mounted }
func (e *fakeElement) ReleaseResources() { e.released++ }

type fakeNode struct {
	id string
}

func (n *fakeNode) NodeID() string      { return n.id }
func (n *fakeNode) SetNodeID(id string) { n.id = id }

type fakeTarget struct {
	mu      sync.Mutex
	removed []string
}

func (t *fakeTarget) RemoveListener(event string, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, event)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingHandler struct {
	mu        sync.Mutex
	callbacks []*errors.CallbackError
}

func (h *recordingHandler) HandleError(*errors.RuntimeError) {}
func (h *recordingHandler) HandlePanic(*errors.PanicError)   {}
func (h *recordingHandler) HandleCallbackError(err *errors.CallbackError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, err)
}

func captureErrors(t *testing.T) *recordingHandler {
	t.Helper()
	handler := &recordingHandler{}
	errors.SetHandler(handler)
	t.Cleanup(func() { errors.SetHandler(nil) })
	return handler
}

func mounted(id uint64) *fakeElement {
	return &fakeElement{id: id, mounted: true}
}

func TestRegisterRejectsNil(t *testing.T) {
	m := NewManager(Options{})

	err := m.Register(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	var typedNil *fakeElement
	assert.ErrorIs(t, m.Register(typedNil), errors.ErrInvalidArgument)
	assert.Zero(t, m.ElementCount())
}

func TestRegisterRecordsMetadataAndPeak(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock})

	el := &fakeElement{id: 1, depth: 3, children: 2, mounted: true}
	require.NoError(t, m.Register(el))
	require.NoError(t, m.Register(mounted(2)))

	info, ok := m.Metadata(1)
	require.True(t, ok)
	assert.Equal(t, 3, info.Depth)
	assert.Equal(t, 2, info.ChildCount)
	assert.Equal(t, clock.Now(), info.RegisteredAt)

	m.CleanupElement(el)
	stats := m.Stats()
	assert.Equal(t, int64(2), stats.ElementsCreated)
	assert.Equal(t, 1, stats.CurrentElements)
	assert.Equal(t, 2, stats.PeakElements)

	_, ok = m.Metadata(1)
	assert.False(t, ok, "metadata for a cleaned element is absent")
}

func TestBatchCleanupScenario(t *testing.T) {
	m := NewManager(Options{})
	elements := make([]*fakeElement, 5)
	for i := range elements {
		elements[i] = mounted(uint64(i + 1))
		require.NoError(t, m.Register(elements[i]))
	}
	for _, el := range elements[:3] {
		el.mounted = false
		m.Unregister(el)
	}

	assert.Equal(t, 5, m.ElementCount(), "unregister only queues")
	assert.Equal(t, 3, m.PendingDisposal())

	assert.Equal(t, 3, m.PerformBatchCleanup())
	assert.Equal(t, int64(3), m.Stats().ElementsDisposed)
	assert.Equal(t, 2, m.ElementCount())
	assert.Zero(t, m.PendingDisposal())
	for _, el := range elements[:3] {
		assert.Equal(t, 1, el.released)
	}
}

func TestCleanupElementTwiceCountsTwice(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	require.NoError(t, m.Register(el))

	m.CleanupElement(el)
	m.CleanupElement(el)

	assert.Equal(t, int64(2), m.Stats().ElementsDisposed)
	assert.Equal(t, 2, el.released)
}

func TestUnregisterIgnoresNilAndUnknown(t *testing.T) {
	m := NewManager(Options{})
	m.Unregister(nil)
	m.Unregister(mounted(42))
	assert.Zero(t, m.PendingDisposal())
}

func TestUnregisterTwiceQueuesOnce(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	require.NoError(t, m.Register(el))
	m.Unregister(el)
	m.Unregister(el)
	assert.Equal(t, 1, m.PendingDisposal())
}

func TestRegisterTakesElementOutOfDisposalQueue(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	require.NoError(t, m.Register(el))
	m.Unregister(el)
	require.NoError(t, m.Register(el))

	assert.Zero(t, m.PendingDisposal())
	assert.Zero(t, m.PerformBatchCleanup())
	assert.True(t, m.IsTracked(1))
	assert.Equal(t, int64(1), m.Stats().ElementsCreated)
}

func TestQueueOverflowTriggersCleanup(t *testing.T) {
	m := NewManager(Options{MaxRetainedObjects: 2})
	for i := uint64(1); i <= 3; i++ {
		el := mounted(i)
		require.NoError(t, m.Register(el))
		m.Unregister(el)
	}
	assert.Zero(t, m.PendingDisposal())
	assert.Equal(t, int64(3), m.Stats().ElementsDisposed)
}

func TestCleanupRunsDisposersAndIsolatesFailures(t *testing.T) {
	handler := captureErrors(t)
	m := NewManager(Options{})
	el := mounted(7)
	require.NoError(t, m.Register(el))

	var ran []string
	require.NoError(t, m.RegisterDisposable(7, func() { ran = append(ran, "first") }))
	require.NoError(t, m.RegisterDisposable(7, func() { panic("faulty disposer") }))
	require.NoError(t, m.RegisterDisposable(7, func() { ran = append(ran, "third") }))

	assert.NotPanics(t, func() { m.CleanupElement(el) })
	assert.Equal(t, []string{"first", "third"}, ran)

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.DisposersRun)
	assert.Equal(t, int64(1), stats.DisposerFailures)
	assert.Zero(t, stats.CurrentDisposers)

	require.Len(t, handler.callbacks, 1)
	assert.Equal(t, errors.PhaseDisposer, handler.callbacks[0].Phase)
	assert.Equal(t, uint64(7), handler.callbacks[0].ElementID)

	m.CleanupElement(el)
	assert.Len(t, ran, 2, "disposers are removed after running")
}

func TestDisposerMayReenterManager(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(3)
	require.NoError(t, m.Register(el))

	reregistered := false
	require.NoError(t, m.RegisterDisposable(3, func() {
		reregistered = m.RegisterDisposable(3, func() {}) == nil
		_ = m.Register(mounted(4))
	}))

	m.CleanupElement(el)

	assert.True(t, reregistered)
	assert.Equal(t, 1, m.Stats().CurrentDisposers, "re-registered disposer waits for the next cleanup")
	assert.True(t, m.IsTracked(4))
}

func TestRegisterDisposableValidation(t *testing.T) {
	m := NewManager(Options{})
	assert.ErrorIs(t, m.RegisterDisposable(0, func() {}), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.RegisterDisposable(1, nil), errors.ErrInvalidArgument)
}

func TestTrackListenerValidation(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	target := &fakeTarget{}
	handler := Handler(func(any) {})

	tests := []struct {
		name    string
		owner   Tracked
		target  ListenerTarget
		event   string
		handler Handler
	}{
		{"nil owner", nil, target, "click", handler},
		{"nil target", el, nil, "click", handler},
		{"empty event", el, target, "", handler},
		{"nil handler", el, target, "click", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.TrackListener(tt.owner, tt.target, tt.event, tt.handler)
			assert.ErrorIs(t, err, errors.ErrInvalidArgument)
		})
	}
	assert.Zero(t, m.Stats().ListenersAttached)
}

func TestRemoveAllListeners(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	target := &fakeTarget{}
	noop := Handler(func(any) {})

	require.NoError(t, m.TrackListener(el, target, "click", noop))
	require.NoError(t, m.TrackListener(el, target, "keydown", noop))
	assert.Equal(t, 2, m.ListenerCount(el))

	assert.Equal(t, 2, m.RemoveAllListeners(el))
	assert.Equal(t, []string{"click", "keydown"}, target.removed)
	assert.Zero(t, m.RemoveAllListeners(el), "second removal finds nothing")
	assert.Zero(t, m.RemoveAllListeners(nil))

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.ListenersAttached)
	assert.Equal(t, int64(2), stats.ListenersRemoved)
}

func TestCleanupDetachesListeners(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	target := &fakeTarget{}
	require.NoError(t, m.Register(el))
	require.NoError(t, m.TrackListener(el, target, "scroll", func(any) {}))

	m.CleanupElement(el)

	assert.Equal(t, []string{"scroll"}, target.removed)
	assert.Zero(t, m.ListenerCount(el))
}

func TestNodeRegistry(t *testing.T) {
	m := NewManager(Options{})
	owner := mounted(9)
	node := &fakeNode{}

	assert.ErrorIs(t, m.RegisterNode(nil, owner), errors.ErrInvalidArgument)
	assert.ErrorIs(t, m.RegisterNode(node, nil), errors.ErrInvalidArgument)

	require.NoError(t, m.RegisterNode(node, owner))
	require.NotEmpty(t, node.id, "registration stamps an id")

	got, ok := m.NodeOwner(node)
	require.True(t, ok)
	assert.Equal(t, uint64(9), got)

	other := &fakeNode{}
	require.NoError(t, m.RegisterNode(other, owner))
	assert.NotEqual(t, node.id, other.id)
	assert.Equal(t, 2, m.Stats().PeakNodes)

	m.UnregisterNode(node)
	_, ok = m.NodeOwner(node)
	assert.False(t, ok, "lookups fail open after unregister")
	m.UnregisterNode(node)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.NodesCreated)
	assert.Equal(t, int64(1), stats.NodesDisposed)
	assert.Equal(t, 1, stats.CurrentNodes)
}

func TestRegisterNodeMovesOwner(t *testing.T) {
	m := NewManager(Options{})
	node := &fakeNode{}
	first, second := mounted(1), mounted(2)
	require.NoError(t, m.RegisterNode(node, first))
	id := node.id
	require.NoError(t, m.RegisterNode(node, second))

	assert.Equal(t, id, node.id, "re-registering keeps the id")
	owner, _ := m.NodeOwner(node)
	assert.Equal(t, uint64(2), owner)
	assert.Equal(t, int64(1), m.Stats().NodesCreated)

	require.NoError(t, m.Register(first))
	m.CleanupElement(first)
	_, ok := m.NodeOwner(node)
	assert.True(t, ok, "cleaning the previous owner leaves the node alone")
}

func TestCleanupDropsOwnedNodes(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(5)
	node := &fakeNode{}
	require.NoError(t, m.Register(el))
	require.NoError(t, m.RegisterNode(node, el))

	m.CleanupElement(el)

	_, ok := m.NodeOwner(node)
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.Stats().NodesDisposed)
}

func TestForceCleanupUnmounted(t *testing.T) {
	m := NewManager(Options{})
	live := mounted(1)
	dead := &fakeElement{id: 2}
	deadToo := &fakeElement{id: 3}
	for _, el := range []*fakeElement{live, dead, deadToo} {
		require.NoError(t, m.Register(el))
	}
	m.Unregister(dead)

	assert.Equal(t, 2, m.ForceCleanupUnmounted())
	assert.Equal(t, 1, m.ElementCount())
	assert.Zero(t, m.PendingDisposal())
	assert.True(t, m.IsTracked(1))
}

func TestResetStats(t *testing.T) {
	m := NewManager(Options{})
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, m.Register(mounted(i)))
	}
	m.CleanupElement(mounted(3))
	m.ResetStats()

	stats := m.Stats()
	assert.Zero(t, stats.ElementsCreated)
	assert.Zero(t, stats.ElementsDisposed)
	assert.Equal(t, 2, stats.PeakElements)
	assert.Equal(t, 2, stats.CurrentElements)
}

func TestClearDropsWithoutRunningDisposers(t *testing.T) {
	m := NewManager(Options{})
	el := mounted(1)
	target := &fakeTarget{}
	ran := false
	require.NoError(t, m.Register(el))
	require.NoError(t, m.RegisterDisposable(1, func() { ran = true }))
	require.NoError(t, m.TrackListener(el, target, "click", func(any) {}))
	require.NoError(t, m.RegisterNode(&fakeNode{}, el))
	m.Unregister(el)

	m.Clear()

	assert.False(t, ran)
	assert.Empty(t, target.removed)
	stats := m.Stats()
	assert.Zero(t, stats.CurrentElements)
	assert.Zero(t, stats.CurrentNodes)
	assert.Zero(t, stats.CurrentListeners)
	assert.Zero(t, stats.CurrentDisposers)
	assert.Zero(t, stats.PendingDisposal)
	assert.Equal(t, int64(1), stats.ElementsCreated, "cumulative counters survive Clear")
}

func TestMetricsMirroredToScope(t *testing.T) {
	scope := tally.NewTestScope("arbor", nil)
	m := NewManager(Options{Scope: scope})
	el := mounted(1)
	require.NoError(t, m.Register(el))
	require.NoError(t, m.TrackListener(el, &fakeTarget{}, "click", func(any) {}))
	m.Unregister(el)
	m.PerformBatchCleanup()

	counters := map[string]int64{}
	for _, c := range scope.Snapshot().Counters() {
		counters[c.Name()] = c.Value()
	}
	assert.Equal(t, int64(1), counters["arbor.elements.created"])
	assert.Equal(t, int64(1), counters["arbor.elements.disposed"])
	assert.Equal(t, int64(1), counters["arbor.listeners.attached"])
	assert.Equal(t, int64(1), counters["arbor.listeners.removed"])
}

func TestDetailedReportRenders(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock, ElementAgeThreshold: time.Second})
	root := &fakeElement{id: 1, depth: 0, mounted: true}
	child := &fakeElement{id: 2, depth: 1}
	require.NoError(t, m.Register(root))
	require.NoError(t, m.Register(child))
	clock.Advance(2 * time.Second)

	report := m.DetailedReport()
	assert.Equal(t, map[int]int{0: 1, 1: 1}, report.DepthHistogram)
	assert.Equal(t, 2*time.Second, report.OldestElement)
	require.Len(t, report.Leaks, 1)

	out := report.Render()
	assert.Contains(t, out, "Resource ledger")
	assert.Contains(t, out, "Elements by depth")
	assert.Contains(t, out, "registered but unmounted")
}
