package core

import (
	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/memory"
)

// UseController creates a controller and disposes it with the state.
//
//	func (s *myState) InitState() {
//	    s.ticker = core.UseController(s, newTicker)
//	}
func UseController[C Disposable](s stateBase, create func() C) C {
	base := s.state()
	controller := create()
	base.OnDispose(func() {
		controller.Dispose()
	})
	return controller
}

// EventTarget is a host object that accepts event listeners.
type EventTarget interface {
	memory.ListenerTarget
	AddListener(event string, handler memory.Handler)
}

// Listen attaches handler to target and records the attachment in the
// resource ledger, which detaches it when the element is reclaimed.
func Listen(ctx BuildContext, target EventTarget, event string, handler memory.Handler) error {
	manager, element, err := ledgerFor("core.Listen", ctx)
	if err != nil {
		return err
	}
	if target == nil || event == "" || handler == nil {
		return errors.InvalidArgument("core.Listen", "target, event and handler are required")
	}
	if err := manager.TrackListener(element, target, event, handler); err != nil {
		return err
	}
	target.AddListener(event, handler)
	return nil
}

// OnCleanup registers fn with the resource ledger under the element's id. It
// runs when the ledger reclaims the element, after unmount.
func OnCleanup(ctx BuildContext, fn func()) error {
	manager, element, err := ledgerFor("core.OnCleanup", ctx)
	if err != nil {
		return err
	}
	return manager.RegisterDisposable(element.ID(), fn)
}

func ledgerFor(op string, ctx BuildContext) (*memory.Manager, Element, error) {
	element, ok := ctx.(Element)
	if !ok || element == nil {
		return nil, nil, errors.InvalidArgument(op, "context is not an element")
	}
	owner, ok := element.(interface{ Owner() *BuildOwner })
	if !ok || owner.Owner().Manager() == nil {
		return nil, nil, errors.InvalidArgument(op, "element %d has no resource ledger", element.ID())
	}
	return owner.Owner().Manager(), element, nil
}

// Managed holds a value and schedules a rebuild of its state's element
// whenever the value changes.
//
// Managed is NOT thread-safe. It must only be accessed from the loop
// goroutine.
//
//	type myState struct {
//	    core.StateBase
//	    count *core.Managed[int]
//	}
//
//	func (s *myState) InitState() {
//	    s.count = core.NewManaged(s, 0)
//	}
type Managed[T any] struct {
	base  *StateBase
	value T
}

// NewManaged creates a managed value bound to s.
func NewManaged[T any](s stateBase, initial T) *Managed[T] {
	return &Managed[T]{
		base:  s.state(),
		value: initial,
	}
}

// Value returns the current value.
func (m *Managed[T]) Value() T {
	return m.value
}

// Set stores value and schedules a rebuild.
func (m *Managed[T]) Set(value T) {
	m.base.SetState(func() { m.value = value })
}

// Update applies transform to the current value and schedules a rebuild.
func (m *Managed[T]) Update(transform func(T) T) {
	m.base.SetState(func() { m.value = transform(m.value) })
}
