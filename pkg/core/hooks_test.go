package core

import (
	"testing"

	"github.com/go-drift/arbor/pkg/errors"
	"github.com/go-drift/arbor/pkg/memory"
)

type mockDisposable struct {
	disposed bool
}

func (m *mockDisposable) Dispose() {
	m.disposed = true
}

func TestUseController(t *testing.T) {
	base := &StateBase{}

	controller := UseController(base, func() *mockDisposable {
		return &mockDisposable{}
	})

	if controller.disposed {
		t.Error("Controller should not be disposed initially")
	}

	base.Dispose()

	if !controller.disposed {
		t.Error("Controller should be disposed when StateBase is disposed")
	}
}

func TestOnDisposeRunsInReverseOrderOnce(t *testing.T) {
	base := &StateBase{}
	var order []int
	base.OnDispose(func() { order = append(order, 1) })
	cancel := base.OnDispose(func() { order = append(order, 2) })
	base.OnDispose(func() { order = append(order, 3) })
	cancel()

	base.Dispose()
	base.Dispose()

	if len(order) != 2 || order[0] != 3 || order[1] != 1 {
		t.Errorf("order = %v, want [3 1]", order)
	}

	late := false
	base.OnDispose(func() { late = true })
	if !late {
		t.Error("registering on a disposed state runs immediately")
	}
}

func TestPanickingDisposerDoesNotSkipOthers(t *testing.T) {
	handler := captureErrors(t)
	base := &StateBase{}
	first := UseController(base, func() *mockDisposable { return &mockDisposable{} })
	base.OnDispose(func() { panic("dispose failed") })
	var last bool
	base.OnDispose(func() { last = true })

	base.Dispose()

	if !last || !first.disposed {
		t.Errorf("disposers after and before the failure must run: last=%v first=%v", last, first.disposed)
	}
	if len(handler.callbacks) != 1 {
		t.Fatalf("expected 1 callback error, got %d", len(handler.callbacks))
	}
	if err := handler.callbacks[0]; err.Phase != errors.PhaseDisposer || err.Recovered != "dispose failed" {
		t.Errorf("callback error = %v phase %q", err.Recovered, err.Phase)
	}
}

func TestSetStateAfterDisposeIsIgnored(t *testing.T) {
	base := &StateBase{}
	base.Dispose()
	ran := false
	base.SetState(func() { ran = true })
	if ran {
		t.Error("SetState after dispose must not run fn")
	}
}

func TestManaged_Value(t *testing.T) {
	base := &StateBase{}
	m := NewManaged(base, 42)

	if m.Value() != 42 {
		t.Errorf("Expected 42, got %d", m.Value())
	}
}

func TestManaged_SetSchedulesOneRebuild(t *testing.T) {
	rec := newRecorder()
	owner := NewBuildOwner()
	root := owner.MountRoot(counterWidget{label: "counter", rec: rec})
	state := root.(*StatefulElement).State().(*counterState)
	m := NewManaged(state, 0)
	rec.reset()

	m.Set(1)
	m.Update(func(v int) int { return v + 10 })

	if m.Value() != 11 {
		t.Errorf("Expected 11, got %d", m.Value())
	}
	if owner.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", owner.PendingCount())
	}
	owner.FlushBuild()
	if rec.builds["counter"] != 1 {
		t.Errorf("counter rebuilt %d times, want 1", rec.builds["counter"])
	}
}

type fakeTarget struct {
	handlers map[string]int
}

func (f *fakeTarget) AddListener(event string, handler memory.Handler) {
	f.handlers[event]++
}

func (f *fakeTarget) RemoveListener(event string, handler memory.Handler) {
	f.handlers[event]--
}

// hookWidget attaches a listener and a cleanup the first time it builds.
type hookWidget struct {
	StatelessBase
	target  *fakeTarget
	cleaned *bool
	errs    *[]error
}

func (w *hookWidget) Build(ctx BuildContext) Widget {
	*w.errs = append(*w.errs,
		Listen(ctx, w.target, "click", func(any) {}),
		OnCleanup(ctx, func() { *w.cleaned = true }),
	)
	return nil
}

func TestLedgerHooksReleaseOnReclaim(t *testing.T) {
	manager := memory.NewManager(memory.Options{})
	owner := NewBuildOwner(WithManager(manager))
	target := &fakeTarget{handlers: make(map[string]int)}
	cleaned := false
	var errs []error
	root := owner.MountRoot(&hookWidget{target: target, cleaned: &cleaned, errs: &errs})

	for _, err := range errs {
		if err != nil {
			t.Fatalf("hook failed: %v", err)
		}
	}
	if target.handlers["click"] != 1 || manager.ListenerCount(root) != 1 {
		t.Fatalf("listener not attached: %v", target.handlers)
	}

	owner.Teardown()

	if target.handlers["click"] != 0 {
		t.Error("reclaiming the element detaches its listeners")
	}
	if !cleaned {
		t.Error("reclaiming the element runs its cleanups")
	}
}

func TestLedgerHooksNeedALedger(t *testing.T) {
	owner := NewBuildOwner()
	target := &fakeTarget{handlers: make(map[string]int)}
	cleaned := false
	var errs []error
	owner.MountRoot(&hookWidget{target: target, cleaned: &cleaned, errs: &errs})

	if len(errs) != 2 {
		t.Fatalf("expected 2 results, got %d", len(errs))
	}
	for _, err := range errs {
		if !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("expected invalid argument, got %v", err)
		}
	}
	if target.handlers["click"] != 0 {
		t.Error("nothing is attached without a ledger")
	}
}
