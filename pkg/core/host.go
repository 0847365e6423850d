package core

import (
	"github.com/go-drift/arbor/pkg/errors"
)

// VNode is one node of render output. The resource ledger stamps its id when
// the node is registered.
type VNode struct {
	Tag   string
	Props map[string]any

	id string
}

// NodeID returns the ledger-assigned id, or "" before registration.
func (n *VNode) NodeID() string {
	return n.id
}

// SetNodeID is called by the resource ledger.
func (n *VNode) SetNodeID(id string) {
	n.id = id
}

// Patcher applies render output to the host. Diffing previous against next is
// entirely the patcher's business.
type Patcher interface {
	// Patch replaces previous with next for element. Either may be nil.
	Patch(element Element, previous, next *VNode)
	// Remove detaches node from the host when element unmounts.
	Remove(element Element, node *VNode)
}

// HostElement hosts a HostWidget. It owns the widget's render output and any
// number of child elements.
type HostElement struct {
	elementBase
	node     *VNode
	children []Element
}

// NewHostElement creates an element for a host widget.
func NewHostElement() *HostElement {
	element := &HostElement{}
	element.init(element)
	return element
}

// Node returns the current render output.
func (e *HostElement) Node() *VNode {
	return e.node
}

func (e *HostElement) Mount(parent Element, slot any) {
	e.mountBase(parent, slot)
	e.RebuildIfNeeded()
}

func (e *HostElement) Update(newWidget Widget) {
	e.widget = newWidget
	e.dirty = true
	e.RebuildIfNeeded()
}

func (e *HostElement) Unmount() {
	if !e.mounted.Load() {
		return
	}
	children := e.children
	e.children = nil
	for _, child := range children {
		child.Unmount()
	}
	if e.node != nil {
		if patcher := e.owner.Patcher(); patcher != nil {
			node := e.node
			errors.Guard(errors.PhasePatch, e.site(), func() error {
				patcher.Remove(e, node)
				return nil
			})
		}
		e.node = nil
	}
	e.unmountBase()
}

// RebuildIfNeeded renders new output, hands it to the patcher and reconciles
// children by position. A panicking Render keeps the previous output and
// children.
func (e *HostElement) RebuildIfNeeded() {
	if !e.dirty || !e.mounted.Load() {
		return
	}
	e.dirty = false

	widget := e.widget.(HostWidget)
	var next *VNode
	var childWidgets []Widget
	ok := errors.Guard(errors.PhaseBuild, e.site(), func() error {
		next = widget.Render(e)
		childWidgets = widget.ChildWidgets()
		return nil
	})
	if !ok {
		e.owner.noteBuildFailure()
		return
	}
	e.commit(next)

	previous := e.children
	e.children = nil
	updated := make([]Element, 0, len(childWidgets))
	for index, childWidget := range childWidgets {
		var existing Element
		if index < len(previous) {
			existing = previous[index]
		}
		if child := updateChild(existing, childWidget, e, e.owner, index); child != nil {
			updated = append(updated, child)
		}
	}
	for i := len(childWidgets); i < len(previous); i++ {
		previous[i].Unmount()
	}
	e.children = updated
	e.refreshLedger()
	e.owner.noteRebuild()
}

// commit patches the host and moves the ledger's node registration from the
// previous output to next.
func (e *HostElement) commit(next *VNode) {
	previous := e.node
	if patcher := e.owner.Patcher(); patcher != nil {
		errors.Guard(errors.PhasePatch, e.site(), func() error {
			patcher.Patch(e, previous, next)
			return nil
		})
	}
	if m := e.manager(); m != nil {
		if previous != nil && previous != next {
			m.UnregisterNode(previous)
		}
		if next != nil {
			_ = m.RegisterNode(next, e)
		}
	}
	e.node = next
}

func (e *HostElement) VisitChildren(visitor func(Element) bool) {
	for _, child := range e.children {
		if !visitor(child) {
			return
		}
	}
}

func (e *HostElement) forgetChild(child Element) {
	for i, existing := range e.children {
		if existing == child {
			e.children = append(e.children[:i:i], e.children[i+1:]...)
			return
		}
	}
}

// ReleaseResources drops render output, children and the parent link.
func (e *HostElement) ReleaseResources() {
	e.node = nil
	e.children = nil
	e.release()
}
