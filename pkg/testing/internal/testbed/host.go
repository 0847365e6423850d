package testbed

import (
	"github.com/go-drift/arbor/pkg/core"
)

// Label renders a single "label" node. The inherited Tone, when present, is
// copied into the node's props.
type Label struct {
	core.HostBase
	Text string
}

func (l Label) Render(ctx core.BuildContext) *core.VNode {
	props := map[string]any{"text": l.Text}
	if tone, ok := core.InheritedOf[Tone](ctx, nil); ok {
		props["tone"] = tone.Name
	}
	return &core.VNode{Tag: "label", Props: props}
}

func (l Label) ChildWidgets() []core.Widget { return nil }

// Column renders a "column" node and hosts its children in order.
type Column struct {
	core.HostBase
	ID       string
	Children []core.Widget
}

func (c Column) Key() any {
	if c.ID == "" {
		return nil
	}
	return c.ID
}

func (c Column) Render(ctx core.BuildContext) *core.VNode {
	return &core.VNode{Tag: "column", Props: map[string]any{"count": len(c.Children)}}
}

func (c Column) ChildWidgets() []core.Widget { return c.Children }
