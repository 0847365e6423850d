// Package testbed provides internal test widgets for the testing framework.
package testbed

import (
	"strconv"

	"github.com/go-drift/arbor/pkg/core"
)

// Counter is a stateful widget that renders its count as a label. OnReady
// receives an increment function once the state is initialised.
type Counter struct {
	core.StatefulBase
	Initial int
	OnReady func(increment func())
}

func (c Counter) CreateState() core.State {
	return &counterState{}
}

type counterState struct {
	core.StateBase
	count int
}

func (s *counterState) InitState() {
	w := s.Element().Widget().(Counter)
	s.count = w.Initial
	if w.OnReady != nil {
		w.OnReady(s.increment)
	}
}

func (s *counterState) increment() {
	s.SetState(func() {
		s.count++
	})
}

func (s *counterState) Build(ctx core.BuildContext) core.Widget {
	return Label{Text: strconv.Itoa(s.count)}
}
