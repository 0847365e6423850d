package memory

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/go-drift/arbor/pkg/errors"
)

// LeakKind distinguishes leaked elements from orphaned nodes.
type LeakKind int

const (
	LeakElement LeakKind = iota
	LeakNode
)

func (k LeakKind) String() string {
	switch k {
	case LeakElement:
		return "element"
	case LeakNode:
		return "node"
	default:
		return "unknown"
	}
}

// Leak describes one suspected leak.
type Leak struct {
	Kind         LeakKind
	ElementID    uint64
	NodeID       string
	RegisteredAt time.Time
	Age          time.Duration
	Detail       string
}

func (l Leak) String() string {
	if l.Kind == LeakNode {
		return fmt.Sprintf("node %s (owner %d) retained for %s: %s", l.NodeID, l.ElementID, l.Age, l.Detail)
	}
	return fmt.Sprintf("element %d retained for %s: %s", l.ElementID, l.Age, l.Detail)
}

// DetectLeaks reports unmounted elements registered longer than
// ElementAgeThreshold and nodes older than NodeAgeThreshold whose owner is
// gone or unmounted. It never changes ledger state.
func (m *Manager) DetectLeaks() []Leak {
	now := m.now()

	type elementView struct {
		element      Tracked
		registeredAt time.Time
	}
	type nodeView struct {
		id           string
		owner        uint64
		registeredAt time.Time
	}

	m.mu.Lock()
	elements := make(map[uint64]elementView, len(m.elements))
	for id, record := range m.elements {
		elements[id] = elementView{element: record.element, registeredAt: record.registeredAt}
	}
	nodes := make([]nodeView, 0, len(m.nodes))
	for id, record := range m.nodes {
		nodes = append(nodes, nodeView{id: id, owner: record.owner, registeredAt: record.registeredAt})
	}
	elementThreshold := m.opts.ElementAgeThreshold
	nodeThreshold := m.opts.NodeAgeThreshold
	m.mu.Unlock()

	var leaks []Leak
	for id, view := range elements {
		age := now.Sub(view.registeredAt)
		if age <= elementThreshold || view.element.Mounted() {
			continue
		}
		leaks = append(leaks, Leak{
			Kind:         LeakElement,
			ElementID:    id,
			RegisteredAt: view.registeredAt,
			Age:          age,
			Detail:       "registered but unmounted",
		})
	}
	for _, view := range nodes {
		age := now.Sub(view.registeredAt)
		if age <= nodeThreshold {
			continue
		}
		owner, ok := elements[view.owner]
		var detail string
		switch {
		case !ok:
			detail = "owner no longer tracked"
		case !owner.element.Mounted():
			detail = "owner unmounted"
		default:
			continue
		}
		leaks = append(leaks, Leak{
			Kind:         LeakNode,
			ElementID:    view.owner,
			NodeID:       view.id,
			RegisteredAt: view.registeredAt,
			Age:          age,
			Detail:       detail,
		})
	}

	slices.SortFunc(leaks, func(a, b Leak) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ElementID, b.ElementID); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	return leaks
}

type leakDetector struct {
	stop chan struct{}
}

// StartLeakDetection runs DetectLeaks every LeakDetectionInterval until
// StopLeakDetection or Dispose. Calling it while running is a no-op.
func (m *Manager) StartLeakDetection() {
	m.mu.Lock()
	if m.detector != nil {
		m.mu.Unlock()
		return
	}
	detector := &leakDetector{stop: make(chan struct{})}
	m.detector = detector
	interval := m.opts.LeakDetectionInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.onLeakTick(detector)
			case <-detector.stop:
				return
			}
		}
	}()
}

// StopLeakDetection stops the detector. No detection pass starts after it
// returns, including passes already handed to Options.Dispatch.
func (m *Manager) StopLeakDetection() {
	m.mu.Lock()
	detector := m.detector
	m.detector = nil
	m.mu.Unlock()
	if detector == nil {
		return
	}
	close(detector.stop)
}

// LeakDetectionRunning reports whether the periodic detector is active.
func (m *Manager) LeakDetectionRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detector != nil
}

func (m *Manager) onLeakTick(detector *leakDetector) {
	if m.opts.Dispatch == nil {
		m.checkLeaks(detector)
		return
	}
	m.opts.Dispatch(func() { m.checkLeaks(detector) })
}

// checkLeaks runs one detection pass unless detector was stopped meanwhile.
func (m *Manager) checkLeaks(detector *leakDetector) {
	m.mu.Lock()
	active := m.detector == detector
	m.mu.Unlock()
	if !active {
		return
	}
	defer errors.Recover("memory.leakDetector")

	leaks := m.DetectLeaks()
	m.scope.Gauge("leaks.detected").Update(float64(len(leaks)))
	if len(leaks) == 0 {
		return
	}
	if m.opts.DebugMode {
		for _, leak := range leaks {
			m.logger.Warn("possible leak", "kind", leak.Kind.String(), "element", leak.ElementID,
				"node", leak.NodeID, "age", leak.Age)
		}
	}
	if m.opts.OnLeak != nil {
		errors.Guard(errors.PhaseLeakCallback, errors.Site{}, func() error {
			m.opts.OnLeak(leaks)
			return nil
		})
	}
}
