package testbed

import (
	"github.com/go-drift/arbor/pkg/core"
)

// Tone publishes a name to descendants. Dependents are notified when the name
// changes.
type Tone struct {
	core.InheritedBase
	Name  string
	Child core.Widget
}

func (t Tone) ChildWidget() core.Widget { return t.Child }

func (t Tone) UpdateShouldNotify(old core.InheritedWidget) bool {
	return t.Name != old.(Tone).Name
}
