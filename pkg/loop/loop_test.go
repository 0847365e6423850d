package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-drift/arbor/pkg/errors"
)

func TestPostRunsOnNextTick(t *testing.T) {
	l := New()
	var order []string

	l.Post(func() {
		order = append(order, "first")
		l.Post(func() { order = append(order, "nested") })
	})
	l.Post(func() { order = append(order, "second") })

	assert.Empty(t, order, "posted tasks must not run synchronously")
	assert.Equal(t, 2, l.RunPending())
	assert.Equal(t, []string{"first", "second"}, order)

	assert.Equal(t, 1, l.Pending(), "nested task waits for the following tick")
	assert.Equal(t, 1, l.RunPending())
	assert.Equal(t, []string{"first", "second", "nested"}, order)
	assert.Equal(t, uint64(2), l.Ticks())
}

func TestRunUntilIdle(t *testing.T) {
	l := New()
	depth := 0
	var step func()
	step = func() {
		depth++
		if depth < 5 {
			l.Post(step)
		}
	}
	l.Post(step)

	assert.Equal(t, 5, l.RunUntilIdle(0))
	assert.Equal(t, 5, depth)
	assert.Zero(t, l.Pending())
}

func TestRunUntilIdleRespectsLimit(t *testing.T) {
	l := New()
	var forever func()
	forever = func() { l.Post(forever) }
	l.Post(forever)

	assert.Equal(t, 3, l.RunUntilIdle(3))
	assert.Equal(t, 1, l.Pending())
}

func TestPanickingTaskDoesNotStopTick(t *testing.T) {
	errors.SetHandler(&silentHandler{})
	defer errors.SetHandler(nil)

	l := New()
	ran := false
	l.Post(func() { panic("task failed") })
	l.Post(func() { ran = true })

	l.RunPending()
	assert.True(t, ran)
}

func TestDispatchValidation(t *testing.T) {
	l := New()
	err := l.Dispatch(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	l.Close()
	assert.ErrorIs(t, l.Dispatch(func() {}), ErrLoopClosed)
}

func TestOnPostFiresWhenIdle(t *testing.T) {
	l := New()
	calls := 0
	l.OnPost = func() { calls++ }

	l.Post(func() {})
	l.Post(func() {})
	assert.Equal(t, 1, calls)

	l.RunPending()
	l.Post(func() {})
	assert.Equal(t, 2, calls)
}

func TestRunProcessesDispatchedTasks(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Dispatch(func() { count.Add(1) }))
	}

	assert.Eventually(t, func() bool { return count.Load() == 10 }, time.Second, 5*time.Millisecond)

	l.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type silentHandler struct{}

func (silentHandler) HandleError(*errors.RuntimeError)          {}
func (silentHandler) HandlePanic(*errors.PanicError)            {}
func (silentHandler) HandleCallbackError(*errors.CallbackError) {}
