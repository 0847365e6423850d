package core

import (
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/go-drift/arbor/pkg/errors"
)

// dependOnAllAspects marks a dependent that registered without an aspect.
var dependOnAllAspects = &struct{}{}

// InheritedElement hosts an [InheritedWidget] and keeps the set of
// descendants that read it.
//
// A descendant registers through [BuildContext.DependOnInherited]. It stays
// registered until it unmounts or the provider unmounts; registering again is
// a no-op apart from recording the new aspect.
//
// When [InheritedElement.Update] installs a widget whose UpdateShouldNotify
// returns true, every dependent that is still mounted at that moment is
// marked for rebuild. Those rebuilds happen in the next flush, never in the
// one that ran Update. A panicking UpdateShouldNotify is reported and treated
// as false.
//
// # Aspect-Based Tracking
//
// A dependent registered with a non-nil aspect records it in its aspect set.
// If the widget implements [AspectAwareInheritedWidget],
// UpdateShouldNotifyDependent decides per dependent. Aspect sets only grow
// during a dependent's lifetime, so a stale aspect can cause an extra rebuild
// but never a missed one.
type InheritedElement struct {
	elementBase
	child      Element
	dependents map[Element]mapset.Set[any]
}

// NewInheritedElement creates an InheritedElement.
func NewInheritedElement() *InheritedElement {
	element := &InheritedElement{
		dependents: make(map[Element]mapset.Set[any]),
	}
	element.init(element)
	return element
}

func (e *InheritedElement) Mount(parent Element, slot any) {
	e.mountBase(parent, slot)
	if e.dependents == nil {
		e.dependents = make(map[Element]mapset.Set[any])
	}
	e.RebuildIfNeeded()
}

// Update installs newWidget and notifies dependents when the widget says
// they need it. The provider's own child is always rebuilt.
func (e *InheritedElement) Update(newWidget Widget) {
	oldWidget := e.widget.(InheritedWidget)
	e.widget = newWidget
	next := newWidget.(InheritedWidget)

	notify := errors.GuardBool(errors.PhaseUpdateShouldNotify, e.site(), false, func() bool {
		return next.UpdateShouldNotify(oldWidget)
	})
	if notify {
		e.notifyChanged(oldWidget, next)
	}

	e.dirty = true
	e.RebuildIfNeeded()
}

func (e *InheritedElement) notifyChanged(oldWidget, next InheritedWidget) {
	aspectAware, hasAspects := next.(AspectAwareInheritedWidget)
	for _, dependent := range e.dependentSnapshot() {
		if !dependent.Mounted() {
			continue
		}
		aspects := e.dependents[dependent]
		if !hasAspects || aspects == nil || aspects.Cardinality() == 0 || aspects.Contains(dependOnAllAspects) {
			notifyDependent(dependent)
			continue
		}
		if errors.GuardBool(errors.PhaseUpdateShouldNotify, e.site(), false, func() bool {
			return aspectAware.UpdateShouldNotifyDependent(oldWidget, aspects)
		}) {
			notifyDependent(dependent)
		}
	}
}

func (e *InheritedElement) Unmount() {
	if !e.mounted.Load() {
		return
	}
	if e.child != nil {
		e.child.Unmount()
		e.child = nil
	}
	for dependent := range e.dependents {
		if base, ok := dependent.(interface{ removeDependency(*InheritedElement) }); ok {
			base.removeDependency(e)
		}
	}
	clear(e.dependents)
	e.unmountBase()
}

func (e *InheritedElement) RebuildIfNeeded() {
	if !e.dirty || !e.mounted.Load() {
		return
	}
	e.dirty = false
	inherited := e.widget.(InheritedWidget)
	childWidget, ok := e.safeBuild(inherited.ChildWidget)
	if !ok {
		return
	}
	e.child = updateChild(e.child, childWidget, e, e.owner, nil)
	e.refreshLedger()
	e.owner.noteRebuild()
}

func (e *InheritedElement) VisitChildren(visitor func(Element) bool) {
	if e.child != nil {
		visitor(e.child)
	}
}

func (e *InheritedElement) forgetChild(child Element) {
	if e.child == child {
		e.child = nil
	}
}

// ReleaseResources drops the child, the dependents and the parent link.
func (e *InheritedElement) ReleaseResources() {
	e.child = nil
	e.dependents = nil
	e.release()
}

// AddDependent registers dependent. A nil aspect depends on every change.
// Calls on an unmounted provider are ignored.
func (e *InheritedElement) AddDependent(dependent Element, aspect any) {
	if !e.mounted.Load() || dependent == nil {
		return
	}
	aspects := e.dependents[dependent]
	if aspects == nil {
		aspects = mapset.NewThreadUnsafeSet[any]()
		e.dependents[dependent] = aspects
		if base, ok := dependent.(interface{ addDependency(*InheritedElement) }); ok {
			base.addDependency(e)
		}
	}
	if aspect == nil {
		aspect = dependOnAllAspects
	}
	aspects.Add(aspect)
}

// RemoveDependent unregisters dependent.
func (e *InheritedElement) RemoveDependent(dependent Element) {
	if _, ok := e.dependents[dependent]; !ok {
		return
	}
	delete(e.dependents, dependent)
	if base, ok := dependent.(interface{ removeDependency(*InheritedElement) }); ok {
		base.removeDependency(e)
	}
}

// HasDependent reports whether dependent is registered.
func (e *InheritedElement) HasDependent(dependent Element) bool {
	_, ok := e.dependents[dependent]
	return ok
}

// DependentCount returns the number of registered dependents.
func (e *InheritedElement) DependentCount() int {
	return len(e.dependents)
}

// Aspects returns the aspects dependent registered, or nil.
func (e *InheritedElement) Aspects(dependent Element) mapset.Set[any] {
	aspects, ok := e.dependents[dependent]
	if !ok {
		return nil
	}
	return aspects.Clone()
}

// NotifyDependents marks every dependent that is mounted right now for
// rebuild.
func (e *InheritedElement) NotifyDependents() {
	for _, dependent := range e.dependentSnapshot() {
		if dependent.Mounted() {
			notifyDependent(dependent)
		}
	}
}

// NotifySpecificDependents is NotifyDependents restricted to subset. Members
// of subset that are not registered dependents are ignored.
func (e *InheritedElement) NotifySpecificDependents(subset ...Element) {
	seen := mapset.NewThreadUnsafeSet[Element]()
	for _, dependent := range subset {
		if dependent == nil || !seen.Add(dependent) {
			continue
		}
		if _, ok := e.dependents[dependent]; ok && dependent.Mounted() {
			notifyDependent(dependent)
		}
	}
}

// dependentSnapshot copies the dependents so notification can run while
// dependents register or unregister.
func (e *InheritedElement) dependentSnapshot() []Element {
	snapshot := make([]Element, 0, len(e.dependents))
	for dependent := range e.dependents {
		snapshot = append(snapshot, dependent)
	}
	return snapshot
}

// notifyDependent tells a stateful dependent about the change, then marks it
// for rebuild.
func notifyDependent(element Element) {
	if stateful, ok := element.(*StatefulElement); ok && stateful.state != nil {
		errors.Guard(errors.PhaseBuild, stateful.site(), func() error {
			stateful.state.DidChangeDependencies()
			return nil
		})
	}
	element.MarkNeedsBuild()
}

// dependOnInherited walks up from element to the nearest InheritedElement
// hosting inheritedType (or a pointer to it), registers every aspect and
// returns the provider's widget. No aspects means every change.
func dependOnInherited(element Element, inheritedType reflect.Type, aspects ...any) any {
	for current := element.Parent(); current != nil; current = current.Parent() {
		inherited, ok := current.(*InheritedElement)
		if !ok {
			continue
		}
		widgetType := reflect.TypeOf(inherited.widget)
		if widgetType != inheritedType && (widgetType.Kind() != reflect.Pointer || widgetType.Elem() != inheritedType) {
			continue
		}
		if len(aspects) == 0 {
			inherited.AddDependent(element, nil)
		}
		for _, aspect := range aspects {
			inherited.AddDependent(element, aspect)
		}
		return inherited.widget
	}
	return nil
}

// InheritedOf is the typed form of DependOnInherited.
func InheritedOf[T InheritedWidget](ctx BuildContext, aspect any) (T, bool) {
	var zero T
	result := ctx.DependOnInherited(reflect.TypeFor[T](), aspect)
	if result == nil {
		return zero, false
	}
	typed, ok := result.(T)
	return typed, ok
}
