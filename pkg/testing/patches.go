package testing

import (
	"fmt"
	"maps"
	"sync"

	"github.com/go-drift/arbor/pkg/core"
)

// PatchKind classifies a recorded patch.
type PatchKind string

const (
	// PatchCreate is a first render of an element.
	PatchCreate PatchKind = "create"
	// PatchUpdate replaces previous output.
	PatchUpdate PatchKind = "update"
	// PatchClear replaces previous output with nothing.
	PatchClear PatchKind = "clear"
	// PatchRemove detaches output when its element unmounts.
	PatchRemove PatchKind = "remove"
)

// PatchOp is one call the tree made on the host.
type PatchOp struct {
	Kind      PatchKind      `json:"kind"`
	ElementID uint64         `json:"-"`
	Tag       string         `json:"tag"`
	Props     map[string]any `json:"props,omitempty"`
}

func (op PatchOp) String() string {
	if len(op.Props) == 0 {
		return fmt.Sprintf("%s %s", op.Kind, op.Tag)
	}
	return fmt.Sprintf("%s %s %v", op.Kind, op.Tag, op.Props)
}

// PatchRecorder is a core.Patcher that records every call instead of
// touching a real host.
type PatchRecorder struct {
	mu  sync.Mutex
	ops []PatchOp
}

var _ core.Patcher = (*PatchRecorder)(nil)

// Patch records a create, update or clear.
func (r *PatchRecorder) Patch(element core.Element, previous, next *core.VNode) {
	op := PatchOp{ElementID: element.ID()}
	switch {
	case next == nil && previous == nil:
		return
	case next == nil:
		op.Kind = PatchClear
		op.Tag = previous.Tag
	case previous == nil:
		op.Kind = PatchCreate
		op.Tag = next.Tag
		op.Props = maps.Clone(next.Props)
	default:
		op.Kind = PatchUpdate
		op.Tag = next.Tag
		op.Props = maps.Clone(next.Props)
	}
	r.record(op)
}

// Remove records a removal.
func (r *PatchRecorder) Remove(element core.Element, node *core.VNode) {
	if node == nil {
		return
	}
	r.record(PatchOp{Kind: PatchRemove, ElementID: element.ID(), Tag: node.Tag})
}

func (r *PatchRecorder) record(op PatchOp) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ops returns a copy of the recorded operations in call order.
func (r *PatchRecorder) Ops() []PatchOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PatchOp, len(r.ops))
	copy(out, r.ops)
	return out
}

// Count returns how many operations of kind were recorded.
func (r *PatchRecorder) Count(kind PatchKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Reset forgets everything recorded so far.
func (r *PatchRecorder) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}
