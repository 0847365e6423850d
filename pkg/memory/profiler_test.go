package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilerEvictsOldest(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock})
	p := NewProfiler(m, clock)

	for i := 0; i < DefaultProfilerCapacity+1; i++ {
		p.Take(fmt.Sprintf("s%d", i))
		clock.Advance(time.Second)
	}

	snapshots := p.Snapshots()
	require.Len(t, snapshots, DefaultProfilerCapacity)
	assert.Equal(t, "s1", snapshots[0].Label, "the first snapshot was evicted")
	assert.Equal(t, fmt.Sprintf("s%d", DefaultProfilerCapacity), snapshots[len(snapshots)-1].Label)
}

func TestProfilerTrendNeedsTwoSnapshots(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock})
	p := NewProfiler(m, clock)

	assert.Nil(t, p.Trend())
	p.Take("only")
	assert.Nil(t, p.Trend())
}

func TestProfilerTrend(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock})
	p := NewProfiler(m, clock)

	p.Take("start")
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, m.Register(mounted(i)))
	}
	clock.Advance(5 * time.Second)
	p.Take("end")

	trend := p.Trend()
	require.NotNil(t, trend)
	assert.Equal(t, 2, trend.Samples)
	assert.Equal(t, 5*time.Second, trend.Span)
	assert.Equal(t, int64(10), trend.Deltas["elements.created"])
	assert.InDelta(t, 2.0, trend.PerSecond["elements.created"], 1e-9)
}

func TestDiff(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(Options{Clock: clock})
	p := NewProfiler(m, clock)

	before := p.Take("before")
	el := mounted(1)
	require.NoError(t, m.Register(el))
	require.NoError(t, m.Register(mounted(2)))
	m.CleanupElement(el)
	clock.Advance(time.Second)
	after := p.Take("after")

	diff := Diff(before, after)
	want := map[string]int64{
		"elements.created":  2,
		"elements.disposed": 1,
		"elements.current":  1,
		"elements.peak":     2,
	}
	if d := cmp.Diff(want, diff.Deltas); d != "" {
		t.Errorf("Diff deltas mismatch (-want +got):\n%s", d)
	}
	assert.True(t, diff.Changed)
	assert.Equal(t, time.Second, diff.Elapsed)

	same := Diff(after, p.Take("again"))
	assert.False(t, same.Changed)
	assert.Empty(t, same.Deltas)
}

func TestProfilerClear(t *testing.T) {
	p := NewProfilerWithCapacity(nil, nil, 3)
	p.Take("a")
	p.Take("b")
	p.Clear()
	assert.Zero(t, p.Len())
	assert.Nil(t, p.Snapshots())
	assert.Equal(t, 3, p.Capacity())
}
