package tap

import (
	"sync"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
)

// Tracker is a StateMachine shared between goroutines. Step holds the lock
// across the caller's decision and the hardware access so both see the same
// state.
type Tracker struct {
	mu sync.Mutex
	m  StateMachine
}

// NewTracker returns a tracker in Test-Logic-Reset.
func NewTracker() *Tracker {
	return &Tracker{m: StateMachine{state: StateTestLogicReset}}
}

// State reports the tracked state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m.State()
}

// Reset marks the TAP as being in Test-Logic-Reset, e.g. after the session
// was reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.m.state = StateTestLogicReset
	t.mu.Unlock()
}

// Step calls fn with the state before tms is clocked. When fn reports that
// the stream reached the target (advance) the tracker walks tms; otherwise
// the state is left unchanged. Errors from fn leave the state unchanged too.
func (t *Tracker) Step(tms bitvec.Vector, fn func(current State) (advance bool, err error)) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	advance, err := fn(t.m.State())
	if err != nil || !advance {
		return t.m.State(), err
	}
	return t.m.Walk(tms), nil
}
