// Package tap models the IEEE 1149.1 TAP controller so the bridge can follow
// the target's state from the TMS bits it forwards.
package tap

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
)

// State is one of the 16 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR

	numStates
)

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle",
	"SelectDRScan", "CaptureDR", "ShiftDR", "Exit1DR", "PauseDR", "Exit2DR", "UpdateDR",
	"SelectIRScan", "CaptureIR", "ShiftIR", "Exit1IR", "PauseIR", "Exit2IR", "UpdateIR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Valid reports whether s names a real TAP state.
func (s State) Valid() bool {
	return s < numStates
}

// IsIR reports whether s belongs to the instruction-register column.
func (s State) IsIR() bool {
	return s >= StateSelectIRScan && s <= StateUpdateIR
}

// next[s][tms] is the state entered from s on a rising TCK edge.
var next = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the state after one TCK with the given TMS level. It
// panics on an invalid state.
func NextState(current State, tms bool) State {
	if !current.Valid() {
		panic(fmt.Sprintf("tap: unhandled state %d", current))
	}
	if tms {
		return next[current][1]
	}
	return next[current][0]
}

// Sequence is a TMS pattern together with the states it visits. States has
// one more entry than TMS: the starting state comes first.
type Sequence struct {
	TMS    []bool
	States []State
}

// TMSVector packs the sequence's TMS bits for a shift.
func (s Sequence) TMSVector() bitvec.Vector {
	return bitvec.FromBools(s.TMS)
}

// StateMachine tracks the controller state locally without touching
// hardware. The zero value starts in Test-Logic-Reset.
type StateMachine struct {
	state State
}

// NewStateMachine returns a machine in Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

// State reports the tracked state.
func (m *StateMachine) State() State {
	return m.state
}

// Clock advances one TCK cycle.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Walk clocks every bit of tms in order and returns the final state.
func (m *StateMachine) Walk(tms bitvec.Vector) State {
	for i := 0; i < tms.Len(); i++ {
		m.Clock(tms.Bit(i))
	}
	return m.state
}

// Reset clocks five TMS=1 cycles, which reaches Test-Logic-Reset from any
// state.
func (m *StateMachine) Reset() Sequence {
	seq := Sequence{
		TMS:    make([]bool, 5),
		States: make([]State, 1, 6),
	}
	seq.States[0] = m.state
	for i := range seq.TMS {
		seq.TMS[i] = true
		seq.States = append(seq.States, m.Clock(true))
	}
	return seq
}

// GoTo computes the shortest TMS path to target, applies it to the machine
// and returns it.
func (m *StateMachine) GoTo(target State) (Sequence, error) {
	path, err := computePath(m.state, target)
	if err != nil {
		return Sequence{}, err
	}
	m.state = target
	return path, nil
}

// computePath runs a breadth-first search over the state diagram.
func computePath(from, to State) (Sequence, error) {
	if !from.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if !to.Valid() {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}
	if from == to {
		return Sequence{States: []State{from}}, nil
	}

	var (
		prev    [numStates]State
		prevTMS [numStates]bool
		seen    [numStates]bool
	)
	seen[from] = true
	queue := []State{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, bit := range [2]bool{false, true} {
			n := NextState(cur, bit)
			if seen[n] {
				continue
			}
			seen[n] = true
			prev[n] = cur
			prevTMS[n] = bit
			if n == to {
				return unwind(from, to, &prev, &prevTMS), nil
			}
			queue = append(queue, n)
		}
	}
	return Sequence{}, fmt.Errorf("tap: no path from %s to %s", from, to)
}

func unwind(from, to State, prev *[numStates]State, prevTMS *[numStates]bool) Sequence {
	var states []State
	var tms []bool
	for s := to; s != from; s = prev[s] {
		states = append(states, s)
		tms = append(tms, prevTMS[s])
	}
	states = append(states, from)
	for i, j := 0, len(states)-1; i < j; i, j = i+1, j-1 {
		states[i], states[j] = states[j], states[i]
	}
	for i, j := 0, len(tms)-1; i < j; i, j = i+1, j-1 {
		tms[i], tms[j] = tms[j], tms[i]
	}
	return Sequence{TMS: tms, States: states}
}
