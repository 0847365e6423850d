package memory

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olekukonko/tablewriter"
)

// Stats holds ledger counters. Created/disposed/attached/removed counters are
// cumulative until ResetStats; Current* fields are filled at snapshot time.
type Stats struct {
	ElementsCreated   int64
	ElementsDisposed  int64
	NodesCreated      int64
	NodesDisposed     int64
	ListenersAttached int64
	ListenersRemoved  int64
	DisposersRun      int64
	DisposerFailures  int64

	CurrentElements  int
	PeakElements     int
	CurrentNodes     int
	PeakNodes        int
	CurrentListeners int
	CurrentDisposers int
	PendingDisposal  int
}

// Counters flattens the stats into named values. Profiler diffs and trends
// operate on these names.
func (s Stats) Counters() map[string]int64 {
	return map[string]int64{
		"elements.created":   s.ElementsCreated,
		"elements.disposed":  s.ElementsDisposed,
		"elements.current":   int64(s.CurrentElements),
		"elements.peak":      int64(s.PeakElements),
		"nodes.created":      s.NodesCreated,
		"nodes.disposed":     s.NodesDisposed,
		"nodes.current":      int64(s.CurrentNodes),
		"nodes.peak":         int64(s.PeakNodes),
		"listeners.attached": s.ListenersAttached,
		"listeners.removed":  s.ListenersRemoved,
		"listeners.current":  int64(s.CurrentListeners),
		"disposers.run":      s.DisposersRun,
		"disposers.failed":   s.DisposerFailures,
		"disposers.current":  int64(s.CurrentDisposers),
		"disposal.pending":   int64(s.PendingDisposal),
	}
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	stats := m.stats
	stats.CurrentElements = len(m.elements)
	stats.CurrentNodes = len(m.nodes)
	for _, ls := range m.listeners {
		stats.CurrentListeners += len(ls)
	}
	for _, ds := range m.disposers {
		stats.CurrentDisposers += len(ds)
	}
	stats.PendingDisposal = len(m.queue)
	return stats
}

// ResetStats zeroes the cumulative counters. Peaks restart from the current
// registry sizes.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{
		PeakElements: len(m.elements),
		PeakNodes:    len(m.nodes),
	}
}

// Report is a detailed view of the ledger.
type Report struct {
	GeneratedAt    time.Time
	Stats          Stats
	DepthHistogram map[int]int
	OldestElement  time.Duration
	Leaks          []Leak
	Options        Options
}

// DetailedReport gathers statistics, a depth histogram and current leaks.
func (m *Manager) DetailedReport() Report {
	now := m.now()

	m.mu.Lock()
	stats := m.statsLocked()
	histogram := make(map[int]int)
	var oldest time.Duration
	for _, record := range m.elements {
		histogram[record.depth]++
		oldest = max(oldest, now.Sub(record.registeredAt))
	}
	m.mu.Unlock()

	return Report{
		GeneratedAt:    now,
		Stats:          stats,
		DepthHistogram: histogram,
		OldestElement:  oldest,
		Leaks:          m.DetectLeaks(),
		Options:        m.opts,
	}
}

// Render formats the report as text tables.
func (r Report) Render() string {
	var sb strings.Builder

	counters := table.NewWriter()
	counters.SetTitle("Resource ledger")
	counters.AppendHeader(table.Row{"resource", "created", "disposed", "current", "peak"})
	counters.AppendRows([]table.Row{
		{"elements", humanize.Comma(r.Stats.ElementsCreated), humanize.Comma(r.Stats.ElementsDisposed),
			humanize.Comma(int64(r.Stats.CurrentElements)), humanize.Comma(int64(r.Stats.PeakElements))},
		{"nodes", humanize.Comma(r.Stats.NodesCreated), humanize.Comma(r.Stats.NodesDisposed),
			humanize.Comma(int64(r.Stats.CurrentNodes)), humanize.Comma(int64(r.Stats.PeakNodes))},
		{"listeners", humanize.Comma(r.Stats.ListenersAttached), humanize.Comma(r.Stats.ListenersRemoved),
			humanize.Comma(int64(r.Stats.CurrentListeners)), "-"},
		{"disposers", humanize.Comma(r.Stats.DisposersRun), humanize.Comma(r.Stats.DisposerFailures) + " failed",
			humanize.Comma(int64(r.Stats.CurrentDisposers)), "-"},
	})
	counters.AppendFooter(table.Row{"pending disposal", humanize.Comma(int64(r.Stats.PendingDisposal)), "", "oldest", r.OldestElement.Round(time.Millisecond).String()})
	sb.WriteString(counters.Render())
	sb.WriteString("\n")

	if len(r.DepthHistogram) > 0 {
		depths := make([]int, 0, len(r.DepthHistogram))
		for depth := range r.DepthHistogram {
			depths = append(depths, depth)
		}
		slices.Sort(depths)

		histogram := table.NewWriter()
		histogram.SetTitle("Elements by depth")
		histogram.AppendHeader(table.Row{"depth", "elements"})
		for _, depth := range depths {
			histogram.AppendRow(table.Row{depth, humanize.Comma(int64(r.DepthHistogram[depth]))})
		}
		sb.WriteString(histogram.Render())
		sb.WriteString("\n")
	}

	if len(r.Leaks) > 0 {
		RenderLeaks(&sb, r.Leaks)
	}
	return sb.String()
}

// RenderLeaks writes leaks as a table to w.
func RenderLeaks(w io.Writer, leaks []Leak) {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"kind", "element", "node", "age", "detail"})
	for _, leak := range leaks {
		element := "-"
		if leak.ElementID != 0 {
			element = fmt.Sprintf("%d", leak.ElementID)
		}
		node := "-"
		if leak.NodeID != "" {
			node = leak.NodeID
		}
		tw.Append([]string{
			leak.Kind.String(),
			element,
			node,
			leak.Age.Round(time.Millisecond).String(),
			leak.Detail,
		})
	}
	tw.Render()
}
