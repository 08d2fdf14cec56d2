package smq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type (
	// Lifecycle drives a component through its setup and teardown steps.
	// Steps run in order when going up and in reverse order when going
	// down.
	Lifecycle struct {
		name   string
		steps  []Step
		logger Logger

		lock  sync.Mutex
		state State
		done  int // number of steps whose Up function succeeded
	}

	// Step is one setup/teardown stage of a component. Either function may
	// be nil.
	Step struct {
		Name string
		Up   func(ctx context.Context) error
		Down func(ctx context.Context) error
	}

	// State is the lifecycle state of a component.
	State int
)

const (
	// StateDown is the initial and final state.
	StateDown State = iota
	// StateGoingUp is the state while setup steps run.
	StateGoingUp
	// StateUp is the state once all setup steps succeeded.
	StateUp
	// StateGoingDown is the state while teardown steps run.
	StateGoingDown
)

// ErrLifecycle is returned when a transition is requested from a state
// that does not allow it.
var ErrLifecycle = errors.New("invalid lifecycle transition")

// NewLifecycle returns a lifecycle in the Down state for the given steps.
func NewLifecycle(name string, logger Logger, steps ...Step) *Lifecycle {
	if logger == nil {
		logger = NoopLogger()
	}
	return &Lifecycle{name: name, steps: steps, logger: logger}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

// Start runs the Up function of each step in order. If a step fails the
// steps that already succeeded are torn down in reverse order and the
// lifecycle goes back to Down.
func (l *Lifecycle) Start(ctx context.Context) error {
	if err := l.transition(StateDown, StateGoingUp); err != nil {
		return err
	}
	for i, step := range l.steps {
		if step.Up != nil {
			if err := step.Up(ctx); err != nil {
				l.logger.Error(fmt.Errorf("%s: step %q failed: %w", l.name, step.Name, err))
				l.setDone(i)
				l.teardown(ctx)
				l.setState(StateDown)
				return fmt.Errorf("%s: %s: %w", l.name, step.Name, err)
			}
		}
		l.logger.Debug("up", "step", step.Name)
	}
	l.setDone(len(l.steps))
	l.setState(StateUp)
	return nil
}

// Stop runs the Down function of each step in reverse order. All steps are
// run even if some fail, the first error is returned.
func (l *Lifecycle) Stop(ctx context.Context) error {
	if err := l.transition(StateUp, StateGoingDown); err != nil {
		return err
	}
	err := l.teardown(ctx)
	l.setState(StateDown)
	return err
}

func (l *Lifecycle) teardown(ctx context.Context) error {
	l.lock.Lock()
	done := l.done
	l.lock.Unlock()
	var first error
	for i := done - 1; i >= 0; i-- {
		step := l.steps[i]
		if step.Down == nil {
			continue
		}
		if err := step.Down(ctx); err != nil {
			l.logger.Error(fmt.Errorf("%s: teardown %q failed: %w", l.name, step.Name, err))
			if first == nil {
				first = fmt.Errorf("%s: %s: %w", l.name, step.Name, err)
			}
			continue
		}
		l.logger.Debug("down", "step", step.Name)
	}
	l.setDone(0)
	return first
}

func (l *Lifecycle) transition(from, to State) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.state != from {
		return fmt.Errorf("%s: %w: %s to %s", l.name, ErrLifecycle, l.state, to)
	}
	l.state = to
	return nil
}

func (l *Lifecycle) setState(s State) {
	l.lock.Lock()
	l.state = s
	l.lock.Unlock()
}

func (l *Lifecycle) setDone(n int) {
	l.lock.Lock()
	l.done = n
	l.lock.Unlock()
}

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateGoingUp:
		return "going-up"
	case StateUp:
		return "up"
	case StateGoingDown:
		return "going-down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
