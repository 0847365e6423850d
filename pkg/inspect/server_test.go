package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/arbor/pkg/core"
	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/loop"
	"github.com/go-drift/arbor/pkg/memory"
	arbortest "github.com/go-drift/arbor/pkg/testing"
)

type box struct {
	core.HostBase
	Tag      string
	Children []core.Widget
}

func (b box) Render(ctx core.BuildContext) *core.VNode {
	return &core.VNode{Tag: b.Tag}
}

func (b box) ChildWidgets() []core.Widget { return b.Children }

type keyed struct {
	box
	key any
}

func (k keyed) Key() any { return k.key }

type fixture struct {
	loop    *loop.Loop
	owner   *core.BuildOwner
	manager *memory.Manager
	clock   *arbortest.FakeClock
}

// newFixture starts a loop on its own goroutine, as an embedder would.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{loop: loop.New(), clock: arbortest.NewFakeClock()}
	f.manager = memory.NewManager(memory.Options{
		Clock:               f.clock,
		Dispatch:            f.loop.Post,
		ElementAgeThreshold: time.Minute,
	})
	f.owner = core.NewBuildOwner(core.WithPoster(f.loop), core.WithManager(f.manager))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		f.manager.Dispose()
	})
	return f
}

// do runs fn on the loop and waits for it.
func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.loop.Dispatch(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run task")
	}
}

func (f *fixture) server(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(f.owner, f.loop, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestNewRejectsNil(t *testing.T) {
	_, err := New(nil, loop.New())
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = New(core.NewBuildOwner(), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestHealth(t *testing.T) {
	srv := newFixture(t).server(t)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newFixture(t).server(t)

	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestElementTree(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	var status int
	status = getJSON(t, srv.URL+"/element-tree", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status, "no root yet")

	f.do(t, func() {
		f.owner.MountRoot(box{Tag: "column", Children: []core.Widget{
			box{Tag: "label"},
			keyed{box: box{Tag: "label"}, key: "second"},
		}})
	})

	var tree ElementTreeNode
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/element-tree", &tree))
	assert.Equal(t, "column", tree.Tag)
	assert.Equal(t, "*core.HostElement", tree.ElementType)
	assert.Equal(t, "inspect.box", tree.WidgetType)
	assert.True(t, tree.Mounted)
	assert.NotEmpty(t, tree.NodeID)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, tree.Depth+1, tree.Children[0].Depth)
	assert.Nil(t, tree.Children[0].Key)
	assert.Equal(t, "second", tree.Children[1].Key)
}

func TestElementTreeTimesOutWithoutLoop(t *testing.T) {
	owner := core.NewBuildOwner()
	s, err := New(owner, loop.New(), WithLoopTimeout(20*time.Millisecond))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/element-tree", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrLoopTimeout.Error())
}

func TestElementTreeClosedLoop(t *testing.T) {
	l := loop.New()
	l.Close()
	s, err := New(core.NewBuildOwner(), l)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/element-tree", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), loop.ErrLoopClosed.Error())
}

func TestLedger(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	f.do(t, func() {
		f.owner.MountRoot(box{Tag: "column", Children: []core.Widget{box{Tag: "label"}}})
	})

	var ledger LedgerResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ledger", &ledger))
	assert.EqualValues(t, 2, ledger.Counters["elements.current"])
	assert.EqualValues(t, 2, ledger.Counters["nodes.current"])
	assert.Empty(t, ledger.Leaks)
}

func TestLedgerReportsUnreclaimedElements(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	f.do(t, func() {
		f.owner.MountRoot(box{Tag: "column"})
		// A different widget type replaces the root; nothing flushes, so the
		// old element stays queued for disposal.
		f.owner.MountRoot(keyed{box: box{Tag: "column"}, key: 1})
	})
	f.clock.Advance(2 * time.Minute)

	var ledger LedgerResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/ledger", &ledger))
	require.NotEmpty(t, ledger.Leaks)
	assert.Equal(t, "element", ledger.Leaks[0].Kind)
	assert.GreaterOrEqual(t, ledger.Leaks[0].AgeMs, float64(time.Minute/time.Millisecond))
}

func TestLedgerWithoutManager(t *testing.T) {
	s, err := New(core.NewBuildOwner(), loop.New())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	srv := f.server(t)

	f.do(t, func() {
		f.owner.MountRoot(box{Tag: "column", Children: []core.Widget{box{Tag: "label"}, box{Tag: "label"}}})
	})

	var build BuildResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/build", &build))
	assert.EqualValues(t, 3, build.Rebuilds)
	assert.Zero(t, build.Pending)
	assert.Zero(t, build.BuildFailures)
}

func TestRuntime(t *testing.T) {
	buffer := NewRuntimeSampleBuffer(time.Minute, time.Second)
	buffer.Sample()
	buffer.Sample()
	buffer.Sample()
	srv := newFixture(t).server(t, WithRuntimeSamples(buffer))

	var resp struct {
		IntervalMs float64         `json:"intervalMs"`
		Samples    []RuntimeSample `json:"samples"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runtime", &resp))
	assert.Equal(t, 1000.0, resp.IntervalMs)
	assert.Len(t, resp.Samples, 3)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runtime?limit=1", &resp))
	assert.Len(t, resp.Samples, 1)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runtime?window=60", &resp))
	assert.Len(t, resp.Samples, 3)
}

func TestRuntimeDisabled(t *testing.T) {
	srv := newFixture(t).server(t)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/runtime", nil))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s, err := New(f.owner, f.loop)
	require.NoError(t, err)

	addr, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, addr, s.Addr())

	_, err = s.Start("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	var health map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/health", &health))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(ctx), "second stop is a no-op")

	_, err = http.Get("http://" + addr + "/health")
	assert.Error(t, err)
}
