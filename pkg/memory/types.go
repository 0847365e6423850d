package memory

import (
	"reflect"
	"time"
)

// Tracked is the view of an element the ledger needs.
type Tracked interface {
	ID() uint64
	Depth() int
	ChildCount() int
	Mounted() bool
}

// Releasable is implemented by elements that hold render output, host
// linkage or children that must be dropped when the element is reclaimed.
type Releasable interface {
	ReleaseResources()
}

// Node is a render-output node the ledger can stamp with an id.
type Node interface {
	NodeID() string
	SetNodeID(id string)
}

// Handler is an event callback attached to a listener target.
type Handler func(event any)

// ListenerTarget is a host object listeners are attached to.
type ListenerTarget interface {
	RemoveListener(event string, handler Handler)
}

// Listener is one tracked attachment.
type Listener struct {
	Owner   uint64
	Target  ListenerTarget
	Event   string
	Handler Handler
}

// Clock provides time for registration timestamps and leak ages.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ElementInfo is the metadata recorded for a registered element.
type ElementInfo struct {
	ID           uint64
	Depth        int
	ChildCount   int
	RegisteredAt time.Time
	Disposers    int
	Listeners    int
}

type elementRecord struct {
	element      Tracked
	depth        int
	childCount   int
	registeredAt time.Time
}

type nodeRecord struct {
	node         Node
	owner        uint64
	registeredAt time.Time
}

// isNil reports whether v is nil or an interface wrapping a nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
