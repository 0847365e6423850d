package memory

import (
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"

	"github.com/go-drift/arbor/pkg/errors"
)

// Manager is the resource ledger. All methods are safe to call from
// callbacks the manager itself invokes.
type Manager struct {
	mu     sync.Mutex
	opts   Options
	clock  Clock
	logger *slog.Logger
	scope  tally.Scope

	elements   map[uint64]*elementRecord
	queue      []Tracked
	queued     mapset.Set[uint64]
	nodes      map[string]*nodeRecord
	ownerNodes map[uint64]mapset.Set[string]
	listeners  map[uint64][]Listener
	disposers  map[uint64][]func()

	stats  Stats
	warned bool

	detector *leakDetector
}

// NewManager creates a ledger. Zero option fields take their defaults. The
// leak detector starts immediately when EnableLeakDetection is set.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
		scope:  opts.Scope,
	}
	m.resetRegistries()
	if opts.EnableLeakDetection {
		m.StartLeakDetection()
	}
	return m
}

func (m *Manager) resetRegistries() {
	m.elements = make(map[uint64]*elementRecord)
	m.queue = nil
	m.queued = mapset.NewThreadUnsafeSet[uint64]()
	m.nodes = make(map[string]*nodeRecord)
	m.ownerNodes = make(map[uint64]mapset.Set[string])
	m.listeners = make(map[uint64][]Listener)
	m.disposers = make(map[uint64][]func())
}

// Options returns the effective options.
func (m *Manager) Options() Options {
	return m.opts
}

// Register records element metadata. Registering an element that is waiting
// in the disposal queue takes it back out.
func (m *Manager) Register(element Tracked) error {
	if isNil(element) {
		return errors.InvalidArgument("memory.Register", "element is nil")
	}
	id := element.ID()

	m.mu.Lock()
	record, exists := m.elements[id]
	if !exists {
		record = &elementRecord{registeredAt: m.clock.Now()}
		m.elements[id] = record
		m.stats.ElementsCreated++
	}
	record.element = element
	record.depth = element.Depth()
	record.childCount = element.ChildCount()
	if m.queued.Contains(id) {
		m.queued.Remove(id)
		m.queue = removeTracked(m.queue, id)
	}
	live := len(m.elements)
	m.stats.PeakElements = max(m.stats.PeakElements, live)
	warn := m.checkWarnThresholdLocked(live)
	m.mu.Unlock()

	if !exists {
		m.scope.Counter("elements.created").Inc(1)
	}
	m.scope.Gauge("elements.live").Update(float64(live))
	if warn {
		m.logger.Warn("live element count above threshold",
			"live", live, "threshold", m.opts.WarnThreshold)
	}
	return nil
}

// checkWarnThresholdLocked reports whether the threshold was just crossed.
func (m *Manager) checkWarnThresholdLocked(live int) bool {
	if live <= m.opts.WarnThreshold {
		m.warned = false
		return false
	}
	if m.warned {
		return false
	}
	m.warned = true
	return true
}

// Unregister queues element for the next batch cleanup. Nil or unknown
// elements are ignored.
func (m *Manager) Unregister(element Tracked) {
	if isNil(element) {
		return
	}
	id := element.ID()

	m.mu.Lock()
	if _, ok := m.elements[id]; !ok || m.queued.Contains(id) {
		m.mu.Unlock()
		return
	}
	m.queued.Add(id)
	m.queue = append(m.queue, element)
	overflow := len(m.queue) > m.opts.MaxRetainedObjects
	m.mu.Unlock()

	if overflow {
		m.PerformBatchCleanup()
	}
}

// PerformBatchCleanup reclaims every queued element and returns how many
// were reclaimed.
func (m *Manager) PerformBatchCleanup() int {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	m.queued.Clear()
	m.mu.Unlock()

	for _, element := range queue {
		m.CleanupElement(element)
	}
	return len(queue)
}

// CleanupElement releases everything tied to element and drops its record.
// Each call counts as one disposal, including repeated calls on an element
// that was already cleaned.
func (m *Manager) CleanupElement(element Tracked) {
	if isNil(element) {
		return
	}
	id := element.ID()

	m.mu.Lock()
	listeners := m.listeners[id]
	delete(m.listeners, id)
	disposers := m.disposers[id]
	delete(m.disposers, id)
	delete(m.elements, id)
	if m.queued.Contains(id) {
		m.queued.Remove(id)
		m.queue = removeTracked(m.queue, id)
	}
	nodesDropped := m.dropOwnedNodesLocked(id)
	m.stats.ElementsDisposed++
	m.stats.ListenersRemoved += int64(len(listeners))
	m.stats.NodesDisposed += int64(nodesDropped)
	live := len(m.elements)
	m.mu.Unlock()

	m.scope.Counter("elements.disposed").Inc(1)
	m.scope.Gauge("elements.live").Update(float64(live))
	if len(listeners) > 0 {
		m.scope.Counter("listeners.removed").Inc(int64(len(listeners)))
	}
	if nodesDropped > 0 {
		m.scope.Counter("nodes.disposed").Inc(int64(nodesDropped))
	}

	site := errors.Site{Element: element, ElementID: id}
	if releasable, ok := element.(Releasable); ok {
		errors.Guard(errors.PhaseRelease, site, func() error {
			releasable.ReleaseResources()
			return nil
		})
	}
	detachListeners(listeners, site)
	m.runDisposers(disposers, site)
}

func (m *Manager) runDisposers(disposers []func(), site errors.Site) {
	failures := 0
	for _, fn := range disposers {
		if !errors.Guard(errors.PhaseDisposer, site, func() error {
			fn()
			return nil
		}) {
			failures++
		}
	}
	m.mu.Lock()
	m.stats.DisposersRun += int64(len(disposers))
	m.stats.DisposerFailures += int64(failures)
	m.mu.Unlock()
	if failures > 0 {
		m.scope.Counter("disposers.failed").Inc(int64(failures))
	}
}

func detachListeners(listeners []Listener, site errors.Site) {
	for _, l := range listeners {
		errors.Guard(errors.PhaseListener, site, func() error {
			l.Target.RemoveListener(l.Event, l.Handler)
			return nil
		})
	}
}

func (m *Manager) dropOwnedNodesLocked(owner uint64) int {
	ids, ok := m.ownerNodes[owner]
	if !ok {
		return 0
	}
	delete(m.ownerNodes, owner)
	dropped := 0
	for _, nodeID := range ids.ToSlice() {
		if _, ok := m.nodes[nodeID]; ok {
			delete(m.nodes, nodeID)
			dropped++
		}
	}
	return dropped
}

// RegisterNode stamps node with a generated id and associates it with owner.
// Registering an already registered node moves it to the new owner.
func (m *Manager) RegisterNode(node Node, owner Tracked) error {
	if isNil(node) {
		return errors.InvalidArgument("memory.RegisterNode", "node is nil")
	}
	if isNil(owner) {
		return errors.InvalidArgument("memory.RegisterNode", "owner is nil")
	}
	ownerID := owner.ID()

	m.mu.Lock()
	id := node.NodeID()
	record, exists := m.nodes[id]
	if id == "" || !exists {
		id = uuid.NewString()
		node.SetNodeID(id)
		record = &nodeRecord{node: node, registeredAt: m.clock.Now()}
		m.nodes[id] = record
		m.stats.NodesCreated++
	} else if set, ok := m.ownerNodes[record.owner]; ok {
		set.Remove(id)
	}
	record.owner = ownerID
	set, ok := m.ownerNodes[ownerID]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		m.ownerNodes[ownerID] = set
	}
	set.Add(id)
	m.stats.PeakNodes = max(m.stats.PeakNodes, len(m.nodes))
	m.mu.Unlock()

	if !exists {
		m.scope.Counter("nodes.created").Inc(1)
	}
	return nil
}

// UnregisterNode drops the node's association. Unknown nodes are ignored.
func (m *Manager) UnregisterNode(node Node) {
	if isNil(node) {
		return
	}
	id := node.NodeID()
	if id == "" {
		return
	}

	m.mu.Lock()
	record, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.nodes, id)
	if set, ok := m.ownerNodes[record.owner]; ok {
		set.Remove(id)
		if set.Cardinality() == 0 {
			delete(m.ownerNodes, record.owner)
		}
	}
	m.stats.NodesDisposed++
	m.mu.Unlock()

	m.scope.Counter("nodes.disposed").Inc(1)
}

// NodeOwner returns the id of the element owning node. The second result is
// false once the node is unregistered.
func (m *Manager) NodeOwner(node Node) (uint64, bool) {
	if isNil(node) {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.nodes[node.NodeID()]
	if !ok {
		return 0, false
	}
	return record.owner, true
}

// TrackListener records a listener attachment so it can be detached in bulk.
func (m *Manager) TrackListener(owner Tracked, target ListenerTarget, event string, handler Handler) error {
	switch {
	case isNil(owner):
		return errors.InvalidArgument("memory.TrackListener", "owner is nil")
	case isNil(target):
		return errors.InvalidArgument("memory.TrackListener", "target is nil")
	case event == "":
		return errors.InvalidArgument("memory.TrackListener", "event name is empty")
	case handler == nil:
		return errors.InvalidArgument("memory.TrackListener", "handler is nil")
	}
	id := owner.ID()

	m.mu.Lock()
	m.listeners[id] = append(m.listeners[id], Listener{
		Owner:   id,
		Target:  target,
		Event:   event,
		Handler: handler,
	})
	m.stats.ListenersAttached++
	m.mu.Unlock()

	m.scope.Counter("listeners.attached").Inc(1)
	return nil
}

// RemoveAllListeners detaches every listener tracked for owner and returns
// how many were detached.
func (m *Manager) RemoveAllListeners(owner Tracked) int {
	if isNil(owner) {
		return 0
	}
	id := owner.ID()

	m.mu.Lock()
	listeners := m.listeners[id]
	delete(m.listeners, id)
	m.stats.ListenersRemoved += int64(len(listeners))
	m.mu.Unlock()

	if len(listeners) == 0 {
		return 0
	}
	m.scope.Counter("listeners.removed").Inc(int64(len(listeners)))
	detachListeners(listeners, errors.Site{Element: owner, ElementID: id})
	return len(listeners)
}

// ListenerCount returns the number of listeners tracked for owner.
func (m *Manager) ListenerCount(owner Tracked) int {
	if isNil(owner) {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners[owner.ID()])
}

// RegisterDisposable adds fn to the callbacks run when the element with the
// given id is cleaned up.
func (m *Manager) RegisterDisposable(id uint64, fn func()) error {
	if id == 0 {
		return errors.InvalidArgument("memory.RegisterDisposable", "id must be non-zero")
	}
	if fn == nil {
		return errors.InvalidArgument("memory.RegisterDisposable", "cleanup function is nil")
	}
	m.mu.Lock()
	m.disposers[id] = append(m.disposers[id], fn)
	m.mu.Unlock()
	return nil
}

// ForceCleanupUnmounted reclaims every tracked element that is not mounted
// and returns how many were reclaimed.
func (m *Manager) ForceCleanupUnmounted() int {
	m.mu.Lock()
	candidates := make([]Tracked, 0, len(m.elements))
	for _, record := range m.elements {
		candidates = append(candidates, record.element)
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, element := range candidates {
		if element.Mounted() {
			continue
		}
		m.CleanupElement(element)
		reclaimed++
	}
	return reclaimed
}

// IsTracked reports whether an element with id is registered.
func (m *Manager) IsTracked(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.elements[id]
	return ok
}

// Metadata returns the record for id. The second result is false for
// unknown elements.
func (m *Manager) Metadata(id uint64) (ElementInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.elements[id]
	if !ok {
		return ElementInfo{}, false
	}
	return ElementInfo{
		ID:           id,
		Depth:        record.depth,
		ChildCount:   record.childCount,
		RegisteredAt: record.registeredAt,
		Disposers:    len(m.disposers[id]),
		Listeners:    len(m.listeners[id]),
	}, true
}

// ElementCount returns the number of registered elements.
func (m *Manager) ElementCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.elements)
}

// PendingDisposal returns the disposal queue length.
func (m *Manager) PendingDisposal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Clear empties every registry without running disposers or detaching
// listeners. Cumulative counters are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.resetRegistries()
	m.warned = false
	m.mu.Unlock()
	m.scope.Gauge("elements.live").Update(0)
}

// Dispose stops the leak detector and clears the ledger.
func (m *Manager) Dispose() {
	m.StopLeakDetection()
	m.Clear()
}

func removeTracked(queue []Tracked, id uint64) []Tracked {
	for i, element := range queue {
		if element.ID() == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// now is used by the leak detector and reports.
func (m *Manager) now() time.Time {
	return m.clock.Now()
}
