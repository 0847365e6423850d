// Package core provides the element tree and its rebuild coordination.
//
// Application code describes the tree with immutable widgets. The runtime
// keeps a parallel tree of elements that own state, render output and
// dependencies on inherited data, and rebuilds only the elements marked dirty.
//
// # Core Types
//
// Widget is an immutable description of part of the tree. Element is the
// live instance of a widget at one position; it survives rebuilds as long as
// its parent keeps producing a widget of the same type and key.
//
// Four element kinds exist: StatelessElement, StatefulElement (which owns a
// State), InheritedElement (which publishes data to descendants) and
// HostElement (which owns render output handed to a Patcher).
//
// # Scheduling
//
// BuildOwner batches rebuilds. MarkNeedsBuild adds an element to the pending
// set and the first mark of a batch posts one flush to the TaskPoster,
// usually a *loop.Loop. FlushBuild takes the pending set, rebuilds its
// members ancestors first, and skips members that unmounted in the meantime.
// Marks raised while a flush runs join the next flush.
//
//	l := loop.New()
//	owner := core.NewBuildOwner(core.WithPoster(l))
//	owner.MountRoot(app)
//	...
//	l.RunUntilIdle(0)
//
// # State
//
// Embed StateBase in a state struct. SetState applies the change at once and
// schedules one rebuild no matter how often it is called before the flush:
//
//	type counterState struct {
//	    core.StateBase
//	    count int
//	}
//
//	s.SetState(func() { s.count++ })
//
// Managed wraps a single value with the same behaviour.
//
// # Inherited Data
//
// A descendant reading an InheritedWidget through DependOnInherited (or the
// typed InheritedOf) becomes a dependent of the provider. When the provider
// is updated and UpdateShouldNotify returns true, every still-mounted
// dependent rebuilds in the following flush.
//
// # Resources
//
// With WithManager, every mounted element is tracked by a memory.Manager.
// Unmounted elements are queued and reclaimed after each flush. Listen and
// OnCleanup tie listeners and cleanups to that reclamation.
package core
