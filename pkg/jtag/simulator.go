package jtag

import (
	"errors"
	"sync"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

var errSimClosed = errors.New("simulator closed")

// ShiftHook allows tests to supply TDO for a shift.
type ShiftHook func(tms, tdi bitvec.Vector) (bitvec.Vector, error)

// ShiftOp captures the last shift invocation for inspection within tests.
type ShiftOp struct {
	TMS bitvec.Vector
	TDI bitvec.Vector
}

// SimDevice is one TAP on a simulated scan chain. An IDCode of zero models a
// device without an IDCODE register, which selects BYPASS on reset.
type SimDevice struct {
	IDCode   uint32
	IRLength int
}

// SimConfig tunes a SimSession.
type SimConfig struct {
	MinPeriodNS     uint32
	MaxVectorLength uint32
	// Devices, nearest TDO first. With no devices TDO echoes TDI.
	Devices []SimDevice
}

// SimSession is an in-memory backend. By default TDO mirrors TDI bit for bit;
// with Devices configured it runs a TAP model of that chain. OnShift, when
// set, overrides both.
type SimSession struct {
	mu sync.Mutex

	cfg      SimConfig
	periodNS uint32

	OnShift ShiftHook

	lastShift ShiftOp
	shifts    int
	resets    int
	fault     error
	closed    bool

	tap    *tap.StateMachine
	bypass []bool
	shreg  []bool
}

// NewSimSession constructs a simulator.
func NewSimSession(cfg SimConfig) *SimSession {
	if cfg.MaxVectorLength == 0 {
		cfg.MaxVectorLength = DefaultMaxVectorLength
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].IRLength < 2 {
			cfg.Devices[i].IRLength = 2
		}
	}
	s := &SimSession{
		cfg:    cfg,
		tap:    tap.NewStateMachine(),
		bypass: make([]bool, len(cfg.Devices)),
	}
	s.periodNS = clampPeriod(0, cfg.MinPeriodNS, 0)
	s.resetDevices()
	return s
}

// LastShift returns a copy of the most recent shift request.
func (s *SimSession) LastShift() ShiftOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShiftOp{TMS: s.lastShift.TMS.Slice(0, s.lastShift.TMS.Len()), TDI: s.lastShift.TDI.Slice(0, s.lastShift.TDI.Len())}
}

// Counts reports how many shifts and resets have been executed.
func (s *SimSession) Counts() (shifts, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shifts, s.resets
}

// SetFault makes every later device operation fail with err wrapped as
// ErrDeviceUnavailable. A nil err clears the fault.
func (s *SimSession) SetFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// State reports the TAP state of the simulated chain.
func (s *SimSession) State() tap.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap.State()
}

func (s *SimSession) Info() AdapterInfo {
	return AdapterInfo{
		Name:        "Simulator",
		Vendor:      "OpenTraceXVC",
		Model:       "sim",
		MinPeriodNS: s.cfg.MinPeriodNS,
		Notes:       "in-memory loopback",
	}
}

func (s *SimSession) MaxVectorLength() uint32 {
	return s.cfg.MaxVectorLength
}

func (s *SimSession) ClockPeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodNS
}

func (s *SimSession) SetClockPeriod(ns uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("set clock"); err != nil {
		return s.periodNS, err
	}
	s.periodNS = clampPeriod(ns, s.cfg.MinPeriodNS, 0)
	return s.periodNS, nil
}

func (s *SimSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("tap reset"); err != nil {
		return err
	}
	s.resets++
	s.clock(bitvec.Ones(5), bitvec.New(5))
	return nil
}

func (s *SimSession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.cfg.MaxVectorLength); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("shift"); err != nil {
		return bitvec.Vector{}, err
	}

	s.shifts++
	s.lastShift = ShiftOp{TMS: tms.Slice(0, tms.Len()), TDI: tdi.Slice(0, tdi.Len())}

	if s.OnShift != nil {
		s.tap.Walk(tms)
		return s.OnShift(tms, tdi)
	}
	if len(s.cfg.Devices) == 0 {
		s.tap.Walk(tms)
		return tdi.Slice(0, tdi.Len()), nil
	}
	return s.clock(tms, tdi), nil
}

func (s *SimSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SimSession) check(op string) error {
	if s.closed {
		return unavailable(op, errSimClosed)
	}
	if s.fault != nil {
		return unavailable(op, s.fault)
	}
	return nil
}

// clock runs the chain model one TCK per bit. TDO for bit i is the register
// end before the rising edge of bit i.
func (s *SimSession) clock(tms, tdi bitvec.Vector) bitvec.Vector {
	tdo := bitvec.New(tms.Len())
	for i := 0; i < tms.Len(); i++ {
		state := s.tap.State()
		switch state {
		case tap.StateCaptureDR:
			s.captureDR()
		case tap.StateCaptureIR:
			s.captureIR()
		case tap.StateShiftDR, tap.StateShiftIR:
			if len(s.shreg) > 0 {
				tdo.SetBit(i, s.shreg[0])
				s.shreg = append(s.shreg[1:], tdi.Bit(i))
			}
		}
		switch s.tap.Clock(tms.Bit(i)) {
		case tap.StateTestLogicReset:
			s.resetDevices()
		case tap.StateUpdateIR:
			s.updateIR()
		}
	}
	return tdo
}

func (s *SimSession) resetDevices() {
	for i, d := range s.cfg.Devices {
		s.bypass[i] = d.IDCode == 0
	}
}

func (s *SimSession) captureDR() {
	s.shreg = s.shreg[:0]
	for i, d := range s.cfg.Devices {
		if s.bypass[i] {
			s.shreg = append(s.shreg, false)
			continue
		}
		for b := 0; b < 32; b++ {
			s.shreg = append(s.shreg, d.IDCode>>b&1 == 1)
		}
	}
}

// captureIR loads the mandatory ...01 pattern into every instruction register.
func (s *SimSession) captureIR() {
	s.shreg = s.shreg[:0]
	for _, d := range s.cfg.Devices {
		for b := 0; b < d.IRLength; b++ {
			s.shreg = append(s.shreg, b == 0)
		}
	}
}

// updateIR latches the shifted instructions. All ones selects BYPASS; any
// other opcode selects IDCODE when the device has one.
func (s *SimSession) updateIR() {
	off := 0
	for i, d := range s.cfg.Devices {
		ones := true
		for b := 0; b < d.IRLength && off+b < len(s.shreg); b++ {
			ones = ones && s.shreg[off+b]
		}
		s.bypass[i] = ones || d.IDCode == 0
		off += d.IRLength
	}
}
