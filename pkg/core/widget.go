package core

import (
	"reflect"

	mapset "github.com/deckarep/golang-set/v2"
)

// Widget is an immutable description of part of the tree.
type Widget interface {
	// CreateElement creates the element that hosts this widget.
	CreateElement() Element
	// Key identifies the widget among its siblings. Elements are reused
	// across rebuilds only when type and key match.
	Key() any
}

// StatelessWidget builds its child purely from its own configuration and
// the inherited data it reads.
type StatelessWidget interface {
	Widget
	Build(ctx BuildContext) Widget
}

// StatefulWidget owns a State that survives rebuilds.
type StatefulWidget interface {
	Widget
	CreateState() State
}

// State is the mutable half of a StatefulWidget.
type State interface {
	InitState()
	Build(ctx BuildContext) Widget
	SetState(fn func())
	Dispose()
	DidChangeDependencies()
	DidUpdateWidget(oldWidget StatefulWidget)
}

// InheritedWidget publishes data to its descendants.
type InheritedWidget interface {
	Widget
	ChildWidget() Widget
	// UpdateShouldNotify reports whether dependents must rebuild when this
	// widget replaces oldWidget.
	UpdateShouldNotify(oldWidget InheritedWidget) bool
}

// AspectAwareInheritedWidget narrows notifications to dependents whose
// registered aspects changed.
type AspectAwareInheritedWidget interface {
	InheritedWidget
	UpdateShouldNotifyDependent(oldWidget InheritedWidget, aspects mapset.Set[any]) bool
}

// HostWidget produces render output for the host and lays out child widgets
// below it.
type HostWidget interface {
	Widget
	Render(ctx BuildContext) *VNode
	ChildWidgets() []Widget
}

// Disposable is implemented by controllers that hold resources.
type Disposable interface {
	Dispose()
}

// BuildContext is the handle a widget receives while building.
type BuildContext interface {
	// Widget returns the widget currently hosted by the element.
	Widget() Widget
	// FindAncestor walks up the tree and returns the first element matching
	// predicate, or nil.
	FindAncestor(predicate func(Element) bool) Element
	// DependOnInherited returns the nearest ancestor inherited widget of
	// inheritedType and registers the caller as its dependent. A nil aspect
	// depends on every change.
	DependOnInherited(inheritedType reflect.Type, aspect any) any
	// DependOnInheritedWithAspects registers several aspects in one walk.
	DependOnInheritedWithAspects(inheritedType reflect.Type, aspects ...any) any
	// Service looks key up in the owner's service registry.
	Service(key any) (any, bool)
}

// Element is the live instance of a widget at one position in the tree.
type Element interface {
	BuildContext

	ID() uint64
	Depth() int
	Parent() Element
	Children() []Element
	ChildCount() int
	Mounted() bool
	Dirty() bool

	Mount(parent Element, slot any)
	Unmount()
	Update(newWidget Widget)
	RebuildIfNeeded()
	MarkNeedsBuild()
	VisitChildren(visitor func(Element) bool)
}
