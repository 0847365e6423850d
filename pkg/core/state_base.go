package core

import (
	"sync"

	"github.com/go-drift/arbor/pkg/errors"
)

// stateBase is satisfied by any struct that embeds StateBase.
// Hooks and NewManaged accept stateBase so callers can pass s directly.
type stateBase interface {
	state() *StateBase
}

func (s *StateBase) state() *StateBase { return s }

// StateBase provides the default State behaviour. Embed it in a state struct
// and override what you need.
//
//	type counterState struct {
//	    core.StateBase
//	    count int
//	}
//
//	func (s *counterState) Build(ctx core.BuildContext) core.Widget { ... }
type StateBase struct {
	element   *StatefulElement
	disposers []func()
	disposed  bool
	mu        sync.Mutex
}

func (s *StateBase) setElement(element *StatefulElement) {
	s.element = element
}

// Element returns the element hosting this state, or nil before mount.
func (s *StateBase) Element() *StatefulElement {
	return s.element
}

// Context returns the element as a BuildContext, or nil before mount.
func (s *StateBase) Context() BuildContext {
	if s.element == nil {
		return nil
	}
	return s.element
}

// Mounted reports whether the hosting element is in the tree.
func (s *StateBase) Mounted() bool {
	return s.element != nil && s.element.Mounted()
}

// SetState applies fn immediately, then marks the element for rebuild.
// Any number of calls before the next flush produce one rebuild. Calls after
// disposal are ignored.
//
// SetState is NOT thread-safe. Call it from the loop goroutine; other
// goroutines hand work over with loop.Dispatch.
func (s *StateBase) SetState(fn func()) {
	if s.IsDisposed() {
		return
	}
	if fn != nil {
		fn()
	}
	if s.element != nil {
		s.element.MarkNeedsBuild()
	}
}

// OnDispose registers cleanup to run when the state is disposed and returns
// a function that cancels the registration. Registering on a disposed state
// runs cleanup immediately.
func (s *StateBase) OnDispose(cleanup func()) func() {
	if cleanup == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		cleanup()
		return func() {}
	}
	index := len(s.disposers)
	s.disposers = append(s.disposers, cleanup)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if index < len(s.disposers) {
			s.disposers[index] = nil
		}
	}
}

// RunDisposers runs registered disposers once, most recent first. A
// panicking disposer is reported and the rest still run.
func (s *StateBase) RunDisposers() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	var site errors.Site
	if s.element != nil {
		site = s.element.site()
	}
	for i := len(disposers) - 1; i >= 0; i-- {
		if fn := disposers[i]; fn != nil {
			errors.Guard(errors.PhaseDisposer, site, func() error {
				fn()
				return nil
			})
		}
	}
}

// Dispose runs the disposers. Overrides must call s.StateBase.Dispose().
func (s *StateBase) Dispose() {
	s.RunDisposers()
}

// InitState is a no-op default.
func (s *StateBase) InitState() {}

// Build returns nil by default.
func (s *StateBase) Build(ctx BuildContext) Widget {
	return nil
}

// DidChangeDependencies is a no-op default. It runs when an inherited
// widget this state depends on notifies.
func (s *StateBase) DidChangeDependencies() {}

// DidUpdateWidget is a no-op default.
func (s *StateBase) DidUpdateWidget(oldWidget StatefulWidget) {}

// IsDisposed reports whether Dispose has run.
func (s *StateBase) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
