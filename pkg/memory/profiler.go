package memory

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultProfilerCapacity is the number of snapshots a Profiler keeps.
const DefaultProfilerCapacity = 50

// StatsSource is anything that can produce ledger statistics.
type StatsSource interface {
	Stats() Stats
}

// Snapshot is a timestamped copy of ledger statistics.
type Snapshot struct {
	Label       string
	Taken       time.Time
	Stats       Stats
	Fingerprint uint64
}

// SnapshotDiff is the per-counter difference between two snapshots.
type SnapshotDiff struct {
	From    string
	To      string
	Elapsed time.Duration
	// Deltas holds to-minus-from for every counter that changed.
	Deltas map[string]int64
	// Changed is false when both snapshots carry the same counters.
	Changed bool
}

// Trend is the linear rate of change between the oldest and newest snapshot.
type Trend struct {
	Samples   int
	Span      time.Duration
	Deltas    map[string]int64
	PerSecond map[string]float64
}

// Profiler keeps a bounded ring of snapshots, evicting the oldest first.
type Profiler struct {
	mu     sync.RWMutex
	source StatsSource
	clock  Clock
	ring   []Snapshot
	index  int
	count  int
}

// NewProfiler creates a profiler reading from source. A nil clock uses the
// system clock.
func NewProfiler(source StatsSource, clock Clock) *Profiler {
	return NewProfilerWithCapacity(source, clock, DefaultProfilerCapacity)
}

// NewProfilerWithCapacity creates a profiler with a custom ring size.
func NewProfilerWithCapacity(source StatsSource, clock Clock, capacity int) *Profiler {
	if capacity <= 0 {
		capacity = DefaultProfilerCapacity
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Profiler{
		source: source,
		clock:  clock,
		ring:   make([]Snapshot, capacity),
	}
}

// Capacity returns the ring size.
func (p *Profiler) Capacity() int {
	return len(p.ring)
}

// Take records a snapshot of the source's current statistics.
func (p *Profiler) Take(label string) Snapshot {
	var stats Stats
	if p.source != nil {
		stats = p.source.Stats()
	}
	snapshot := Snapshot{
		Label:       label,
		Taken:       p.clock.Now(),
		Stats:       stats,
		Fingerprint: fingerprint(stats),
	}
	p.Record(snapshot)
	return snapshot
}

// Record stores an externally built snapshot.
func (p *Profiler) Record(snapshot Snapshot) {
	if snapshot.Fingerprint == 0 {
		snapshot.Fingerprint = fingerprint(snapshot.Stats)
	}
	p.mu.Lock()
	p.ring[p.index] = snapshot
	p.index = (p.index + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
	p.mu.Unlock()
}

// Len returns the number of stored snapshots.
func (p *Profiler) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Snapshots returns stored snapshots oldest first.
func (p *Profiler) Snapshots() []Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.count == 0 {
		return nil
	}
	result := make([]Snapshot, p.count)
	if p.count < len(p.ring) {
		copy(result, p.ring[:p.count])
	} else {
		copy(result, p.ring[p.index:])
		copy(result[len(p.ring)-p.index:], p.ring[:p.index])
	}
	return result
}

// Clear drops every snapshot.
func (p *Profiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.ring)
	p.index = 0
	p.count = 0
}

// Diff compares two snapshots.
func Diff(from, to Snapshot) SnapshotDiff {
	diff := SnapshotDiff{
		From:    from.Label,
		To:      to.Label,
		Elapsed: to.Taken.Sub(from.Taken),
		Deltas:  make(map[string]int64),
		Changed: from.Fingerprint != to.Fingerprint,
	}
	before := from.Stats.Counters()
	for name, value := range to.Stats.Counters() {
		if delta := value - before[name]; delta != 0 {
			diff.Deltas[name] = delta
		}
	}
	return diff
}

// Trend computes the rate of change across the stored snapshots. It returns
// nil with fewer than two snapshots.
func (p *Profiler) Trend() *Trend {
	snapshots := p.Snapshots()
	if len(snapshots) < 2 {
		return nil
	}
	first, last := snapshots[0], snapshots[len(snapshots)-1]
	span := last.Taken.Sub(first.Taken)
	diff := Diff(first, last)

	trend := &Trend{
		Samples:   len(snapshots),
		Span:      span,
		Deltas:    diff.Deltas,
		PerSecond: make(map[string]float64, len(diff.Deltas)),
	}
	if seconds := span.Seconds(); seconds > 0 {
		for name, delta := range diff.Deltas {
			trend.PerSecond[name] = float64(delta) / seconds
		}
	}
	return trend
}

func fingerprint(stats Stats) uint64 {
	counters := stats.Counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	slices.Sort(names)

	digest := xxhash.New()
	for _, name := range names {
		_, _ = digest.WriteString(name)
		_, _ = digest.WriteString("=")
		_, _ = digest.WriteString(strconv.FormatInt(counters[name], 10))
		_, _ = digest.WriteString(";")
	}
	return digest.Sum64()
}
