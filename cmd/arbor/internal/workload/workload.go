// Package workload builds synthetic widget trees for the arbor CLI.
//
// A tree is a Palette provider over rows of host nodes with stateful cells
// at the leaves. Every cell renders a swatch that reads the palette, so a
// palette change fans out to all leaves through the dependency ledger while
// a cell touch rebuilds only that cell.
package workload

import (
	"strconv"

	"github.com/go-drift/arbor/pkg/core"
)

// Config shapes a tree.
type Config struct {
	// Width is the number of children per row.
	Width int
	// Depth is the number of row levels above the cells.
	Depth int
}

// Workload owns one tree shape and handles to its cells.
type Workload struct {
	cfg     Config
	body    core.Widget
	cells   []func()
	version int
}

// New builds the widgets for cfg. Width and depth below one are raised to
// one.
func New(cfg Config) *Workload {
	cfg.Width = max(cfg.Width, 1)
	cfg.Depth = max(cfg.Depth, 1)
	w := &Workload{cfg: cfg}
	w.cells = make([]func(), cellCount(cfg))
	next := 0
	w.body = w.row(0, &next)
	return w
}

func cellCount(cfg Config) int {
	n := 1
	for range cfg.Depth {
		n *= cfg.Width
	}
	return n
}

func (w *Workload) row(level int, next *int) core.Widget {
	children := make([]core.Widget, w.cfg.Width)
	for i := range children {
		if level+1 == w.cfg.Depth {
			children[i] = Cell{Index: *next, ready: w.bind}
			*next++
			continue
		}
		children[i] = w.row(level+1, next)
	}
	return &Row{Level: level, Children: children}
}

func (w *Workload) bind(index int, touch func()) {
	w.cells[index] = touch
}

// Config returns the normalised shape.
func (w *Workload) Config() Config { return w.cfg }

// Root returns the tree under the current palette version. The body is the
// same widget every time, so only palette dependents rebuild on a version
// change.
func (w *Workload) Root() core.Widget {
	return Palette{Version: w.version, Child: w.body}
}

// NextPalette bumps the palette version and returns the new root.
func (w *Workload) NextPalette() core.Widget {
	w.version++
	return w.Root()
}

// Cells returns the number of leaf cells.
func (w *Workload) Cells() int { return len(w.cells) }

// Elements returns the number of elements a mounted tree holds.
func (w *Workload) Elements() int {
	rows := 0
	for level, n := 0, 1; level < w.cfg.Depth; level++ {
		rows += n
		n *= w.cfg.Width
	}
	// palette + rows + a cell and its swatch per leaf
	return 1 + rows + 2*len(w.cells)
}

// Touch bumps cell i's counter. Cells that were never mounted or have been
// disposed ignore it.
func (w *Workload) Touch(i int) {
	if i < 0 || i >= len(w.cells) || w.cells[i] == nil {
		return
	}
	w.cells[i]()
}

// Palette publishes a version number to every swatch below it.
type Palette struct {
	core.InheritedBase
	Version int
	Child   core.Widget
}

func (p Palette) ChildWidget() core.Widget { return p.Child }

func (p Palette) UpdateShouldNotify(old core.InheritedWidget) bool {
	return p.Version != old.(Palette).Version
}

// Row renders a "row" node and hosts its children.
type Row struct {
	core.HostBase
	Level    int
	Children []core.Widget
}

func (r *Row) Render(ctx core.BuildContext) *core.VNode {
	return &core.VNode{Tag: "row", Props: map[string]any{"level": r.Level}}
}

func (r *Row) ChildWidgets() []core.Widget { return r.Children }

// Cell is a leaf with a counter.
type Cell struct {
	core.StatefulBase
	Index int
	ready func(index int, touch func())
}

func (c Cell) CreateState() core.State {
	return &cellState{}
}

type cellState struct {
	core.StateBase
	count int
}

func (s *cellState) InitState() {
	s.bind()
}

// DidUpdateWidget rebinds the touch handle when the cell moves to a new tree.
func (s *cellState) DidUpdateWidget(old core.StatefulWidget) {
	s.bind()
}

func (s *cellState) bind() {
	cell := s.Element().Widget().(Cell)
	if cell.ready != nil {
		cell.ready(cell.Index, s.touch)
	}
}

func (s *cellState) touch() {
	s.SetState(func() { s.count++ })
}

func (s *cellState) Build(ctx core.BuildContext) core.Widget {
	return Swatch{Count: s.count}
}

// Swatch renders a "swatch" node stamped with the palette version.
type Swatch struct {
	core.HostBase
	Count int
}

func (s Swatch) Render(ctx core.BuildContext) *core.VNode {
	props := map[string]any{"count": strconv.Itoa(s.Count)}
	if palette, ok := core.InheritedOf[Palette](ctx, nil); ok {
		props["palette"] = palette.Version
	}
	return &core.VNode{Tag: "swatch", Props: props}
}

func (s Swatch) ChildWidgets() []core.Widget { return nil }
