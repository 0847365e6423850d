package core

import (
	"reflect"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/memory"
)

// elementIDs hands out process-unique element ids. Zero is never used.
var elementIDs atomic.Uint64

type elementBase struct {
	id      uint64
	widget  Widget
	parent  Element
	depth   int
	slot    any
	owner   *BuildOwner
	dirty   bool
	self    Element

	// mounted is read by the ledger's leak detector off the loop goroutine.
	mounted atomic.Bool

	// dependencies are the providers this element registered with.
	dependencies mapset.Set[*InheritedElement]
}

func (e *elementBase) init(self Element) {
	e.id = elementIDs.Add(1)
	e.self = self
}

func (e *elementBase) attach(widget Widget, owner *BuildOwner) {
	e.widget = widget
	e.owner = owner
}

// ID returns the element's process-unique id.
func (e *elementBase) ID() uint64 {
	return e.id
}

func (e *elementBase) Widget() Widget {
	return e.widget
}

func (e *elementBase) Depth() int {
	return e.depth
}

// Parent returns the parent element, or nil for the root.
func (e *elementBase) Parent() Element {
	return e.parent
}

func (e *elementBase) Mounted() bool {
	return e.mounted.Load()
}

func (e *elementBase) Dirty() bool {
	return e.dirty
}

// Owner returns the build owner scheduling this element.
func (e *elementBase) Owner() *BuildOwner {
	return e.owner
}

// Children returns the current child elements in order.
func (e *elementBase) Children() []Element {
	var children []Element
	e.self.VisitChildren(func(child Element) bool {
		children = append(children, child)
		return true
	})
	return children
}

func (e *elementBase) ChildCount() int {
	count := 0
	e.self.VisitChildren(func(Element) bool {
		count++
		return true
	})
	return count
}

// MarkNeedsBuild schedules a rebuild. It does nothing for unmounted elements,
// elements that are already dirty, or when the owner has been torn down.
func (e *elementBase) MarkNeedsBuild() {
	if !e.mounted.Load() || e.dirty {
		return
	}
	if e.owner != nil && e.owner.TornDown() {
		return
	}
	e.dirty = true
	if e.owner != nil {
		e.owner.ScheduleBuild(e.self)
	}
}

func (e *elementBase) manager() *memory.Manager {
	if e.owner == nil {
		return nil
	}
	return e.owner.manager
}

func (e *elementBase) site() errors.Site {
	return errors.Site{Widget: e.widget, Element: e.self, ElementID: e.id}
}

// mountBase attaches the element below parent and registers it with the
// resource ledger. The caller builds children afterwards.
func (e *elementBase) mountBase(parent Element, slot any) {
	e.parent = parent
	e.slot = slot
	e.depth = 0
	if parent != nil {
		e.depth = parent.Depth() + 1
	}
	e.mounted.Store(true)
	e.dirty = true
	if m := e.manager(); m != nil {
		_ = m.Register(e.self)
	}
}

// unmountBase finishes an unmount once children are gone: it leaves every
// provider, detaches from the parent and queues the element for disposal.
func (e *elementBase) unmountBase() {
	e.mounted.Store(false)
	e.dirty = false
	if e.dependencies != nil {
		for _, provider := range e.dependencies.ToSlice() {
			provider.RemoveDependent(e.self)
		}
		e.dependencies = nil
	}
	if parent, ok := e.parent.(interface{ forgetChild(Element) }); ok {
		parent.forgetChild(e.self)
	}
	if m := e.manager(); m != nil {
		m.Unregister(e.self)
	}
}

// refreshLedger updates the ledger's metadata after the child list changed.
func (e *elementBase) refreshLedger() {
	if m := e.manager(); m != nil && e.mounted.Load() {
		_ = m.Register(e.self)
	}
}

func (e *elementBase) release() {
	e.parent = nil
	e.dependencies = nil
}

func (e *elementBase) addDependency(provider *InheritedElement) {
	if e.dependencies == nil {
		e.dependencies = mapset.NewThreadUnsafeSet[*InheritedElement]()
	}
	e.dependencies.Add(provider)
}

func (e *elementBase) removeDependency(provider *InheritedElement) {
	if e.dependencies != nil {
		e.dependencies.Remove(provider)
	}
}

// safeBuild runs build, reporting a panic as a build failure. On failure the
// caller keeps its previous child.
func (e *elementBase) safeBuild(build func() Widget) (Widget, bool) {
	var built Widget
	ok := errors.Guard(errors.PhaseBuild, e.site(), func() error {
		built = build()
		return nil
	})
	if !ok {
		e.owner.noteBuildFailure()
	}
	return built, ok
}

func (e *elementBase) FindAncestor(predicate func(Element) bool) Element {
	for current := e.parent; current != nil; current = current.Parent() {
		if predicate(current) {
			return current
		}
	}
	return nil
}

func (e *elementBase) DependOnInherited(inheritedType reflect.Type, aspect any) any {
	return dependOnInherited(e.self, inheritedType, aspect)
}

func (e *elementBase) DependOnInheritedWithAspects(inheritedType reflect.Type, aspects ...any) any {
	return dependOnInherited(e.self, inheritedType, aspects...)
}

func (e *elementBase) Service(key any) (any, bool) {
	if e.owner == nil || e.owner.services == nil {
		return nil, false
	}
	return e.owner.services.Lookup(key)
}

// StatelessElement hosts a StatelessWidget.
type StatelessElement struct {
	elementBase
	child Element
}

// NewStatelessElement creates an element for a stateless widget. The widget
// and owner are attached during inflation.
func NewStatelessElement() *StatelessElement {
	element := &StatelessElement{}
	element.init(element)
	return element
}

func (e *StatelessElement) Mount(parent Element, slot any) {
	e.mountBase(parent, slot)
	e.RebuildIfNeeded()
}

func (e *StatelessElement) Update(newWidget Widget) {
	e.widget = newWidget
	e.dirty = true
	e.RebuildIfNeeded()
}

func (e *StatelessElement) Unmount() {
	if !e.mounted.Load() {
		return
	}
	if e.child != nil {
		e.child.Unmount()
		e.child = nil
	}
	e.unmountBase()
}

func (e *StatelessElement) RebuildIfNeeded() {
	if !e.dirty || !e.mounted.Load() {
		return
	}
	e.dirty = false
	widget := e.widget.(StatelessWidget)
	built, ok := e.safeBuild(func() Widget {
		return widget.Build(e)
	})
	if !ok {
		return
	}
	e.child = updateChild(e.child, built, e, e.owner, nil)
	e.refreshLedger()
	e.owner.noteRebuild()
}

func (e *StatelessElement) VisitChildren(visitor func(Element) bool) {
	if e.child != nil {
		visitor(e.child)
	}
}

func (e *StatelessElement) forgetChild(child Element) {
	if e.child == child {
		e.child = nil
	}
}

// ReleaseResources drops the child and parent links once the ledger
// reclaims the element.
func (e *StatelessElement) ReleaseResources() {
	e.child = nil
	e.release()
}

// StatefulElement hosts a StatefulWidget and its State.
type StatefulElement struct {
	elementBase
	child Element
	state State
}

// NewStatefulElement creates an element for a stateful widget.
func NewStatefulElement() *StatefulElement {
	element := &StatefulElement{}
	element.init(element)
	return element
}

// State returns the element's state, or nil before mount.
func (e *StatefulElement) State() State {
	return e.state
}

func (e *StatefulElement) Mount(parent Element, slot any) {
	e.mountBase(parent, slot)
	widget := e.widget.(StatefulWidget)
	e.state = widget.CreateState()
	if setter, ok := e.state.(interface{ SetElement(*StatefulElement) }); ok {
		setter.SetElement(e)
	} else if setter, ok := e.state.(interface{ setElement(*StatefulElement) }); ok {
		setter.setElement(e)
	}
	errors.Guard(errors.PhaseBuild, e.site(), func() error {
		e.state.InitState()
		return nil
	})
	e.dirty = true
	e.RebuildIfNeeded()
}

func (e *StatefulElement) Update(newWidget Widget) {
	oldWidget := e.widget.(StatefulWidget)
	e.widget = newWidget
	errors.Guard(errors.PhaseBuild, e.site(), func() error {
		e.state.DidUpdateWidget(oldWidget)
		return nil
	})
	e.dirty = true
	e.RebuildIfNeeded()
}

func (e *StatefulElement) Unmount() {
	if !e.mounted.Load() {
		return
	}
	if e.child != nil {
		e.child.Unmount()
		e.child = nil
	}
	if e.state != nil {
		errors.Guard(errors.PhaseDisposer, e.site(), func() error {
			e.state.Dispose()
			return nil
		})
	}
	e.unmountBase()
}

func (e *StatefulElement) RebuildIfNeeded() {
	if !e.dirty || !e.mounted.Load() {
		return
	}
	e.dirty = false
	built, ok := e.safeBuild(func() Widget {
		return e.state.Build(e)
	})
	if !ok {
		return
	}
	e.child = updateChild(e.child, built, e, e.owner, nil)
	e.refreshLedger()
	e.owner.noteRebuild()
}

func (e *StatefulElement) VisitChildren(visitor func(Element) bool) {
	if e.child != nil {
		visitor(e.child)
	}
}

func (e *StatefulElement) forgetChild(child Element) {
	if e.child == child {
		e.child = nil
	}
}

// ReleaseResources drops the child, state and parent links.
func (e *StatefulElement) ReleaseResources() {
	e.child = nil
	e.state = nil
	e.release()
}

// updateChild reconciles existing against widget: identical widgets keep the
// element untouched, matching type and key update it in place, anything else
// replaces it.
func updateChild(existing Element, widget Widget, parent Element, owner *BuildOwner, slot any) Element {
	if widget == nil {
		if existing != nil {
			existing.Unmount()
		}
		return nil
	}
	if existing != nil {
		if sameWidget(existing.Widget(), widget) {
			return existing
		}
		if canUpdateWidget(existing.Widget(), widget) {
			existing.Update(widget)
			return existing
		}
		existing.Unmount()
	}
	element := inflateWidget(widget, owner)
	element.Mount(parent, slot)
	return element
}

// sameWidget reports pointer identity. Value widgets are never identical.
func sameWidget(a, b Widget) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Pointer || va.Type() != vb.Type() {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

func canUpdateWidget(existing Widget, next Widget) bool {
	if existing == nil || next == nil {
		return false
	}
	if reflect.TypeOf(existing) != reflect.TypeOf(next) {
		return false
	}
	return reflect.DeepEqual(existing.Key(), next.Key())
}

func inflateWidget(widget Widget, owner *BuildOwner) Element {
	if widget == nil {
		return nil
	}
	element := widget.CreateElement()
	if setter, ok := element.(interface{ attach(Widget, *BuildOwner) }); ok {
		setter.attach(widget, owner)
	}
	return element
}
