package jtag

import (
	"fmt"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"periph.io/x/conn/v3/physic"
)

// Engine is a clocked bit-bang device: every byte written is applied to the
// output pins at the engine's rate, and the pin levels sampled immediately
// before that byte took effect are returned in the same position.
type Engine interface {
	Transfer(out []byte) ([]byte, error)
	// SetRate requests a byte rate and returns the rate in effect.
	SetRate(f physic.Frequency) (physic.Frequency, error)
	MaxRate() physic.Frequency
	// ChunkSize is the largest Transfer the engine accepts at once.
	ChunkSize() int
	Close() error
}

// PinMap assigns JTAG signals to bit positions of an engine's byte port.
// Program is optional; a negative value means not wired.
type PinMap struct {
	TCK, TDI, TDO, TMS int
	Program            int
}

// DefaultPinMap is the layout of the FTDI based boards (Papilio One,
// FT4232H in GPIO mode): TCK=D0, TDI=D1, TDO=D2, TMS=D3.
var DefaultPinMap = PinMap{TCK: 0, TDI: 1, TDO: 2, TMS: 3, Program: -1}

// Validate checks the positions fit in a byte and do not overlap.
func (p PinMap) Validate() error {
	seen := map[int]string{}
	for _, pin := range []struct {
		name string
		bit  int
	}{{"tck", p.TCK}, {"tdi", p.TDI}, {"tdo", p.TDO}, {"tms", p.TMS}, {"program", p.Program}} {
		if pin.name == "program" && pin.bit < 0 {
			continue
		}
		if pin.bit < 0 || pin.bit > 7 {
			return fmt.Errorf("jtag: %s bit %d out of range 0-7", pin.name, pin.bit)
		}
		if other, dup := seen[pin.bit]; dup {
			return fmt.Errorf("jtag: %s and %s share bit %d", other, pin.name, pin.bit)
		}
		seen[pin.bit] = pin.name
	}
	return nil
}

// Direction returns the output-enable mask for the engine port.
func (p PinMap) Direction() byte {
	mask := byte(1<<p.TCK | 1<<p.TDI | 1<<p.TMS)
	if p.Program >= 0 {
		mask |= 1 << p.Program
	}
	return mask
}

// idle is the resting port value: clock low, PROGRAM_B released high.
func (p PinMap) idle() byte {
	if p.Program >= 0 {
		return 1 << p.Program
	}
	return 0
}

// BitBangSession implements Session on top of any Engine. Each JTAG bit
// becomes two port writes: TCK low with TMS/TDI set, then TCK high. The
// sample returned for the second write is the TDO bit.
type BitBangSession struct {
	mu sync.Mutex

	engine Engine
	pins   PinMap
	info   AdapterInfo

	maxBits  uint32
	periodNS uint32
}

// NewBitBangSession wraps engine. The clock starts at the engine's fastest
// rate.
func NewBitBangSession(engine Engine, pins PinMap, info AdapterInfo, maxBits uint32) (*BitBangSession, error) {
	if err := pins.Validate(); err != nil {
		return nil, err
	}
	if engine.ChunkSize() < 2 {
		return nil, fmt.Errorf("jtag: engine chunk size %d too small", engine.ChunkSize())
	}
	if maxBits == 0 {
		maxBits = DefaultMaxVectorLength
	}
	s := &BitBangSession{
		engine:  engine,
		pins:    pins,
		info:    info,
		maxBits: maxBits,
	}
	s.info.MinPeriodNS = 2 * frequencyToPeriod(engine.MaxRate())
	if _, err := s.SetClockPeriod(0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BitBangSession) Info() AdapterInfo {
	return s.info
}

func (s *BitBangSession) MaxVectorLength() uint32 {
	return s.maxBits
}

func (s *BitBangSession) ClockPeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodNS
}

// SetClockPeriod programs the engine for two port writes per TCK period.
func (s *BitBangSession) SetClockPeriod(ns uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns = clampPeriod(ns, s.info.MinPeriodNS, s.info.MaxPeriodNS)
	want := 2 * periodToFrequency(ns)
	if want <= 0 || want > s.engine.MaxRate() {
		want = s.engine.MaxRate()
	}
	got, err := s.engine.SetRate(want)
	if err != nil {
		return s.periodNS, unavailable("set rate", err)
	}
	s.periodNS = 2 * frequencyToPeriod(got)
	return s.periodNS, nil
}

func (s *BitBangSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.shift(bitvec.Ones(5), bitvec.New(5))
	return err
}

func (s *BitBangSession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.maxBits); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shift(tms, tdi)
}

func (s *BitBangSession) shift(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	n := tms.Len()
	tdo := bitvec.New(n)
	if n == 0 {
		return tdo, nil
	}

	wave := s.waveform(tms, tdi)
	chunk := s.engine.ChunkSize() &^ 1
	tdoMask := byte(1 << s.pins.TDO)

	for off := 0; off < len(wave); off += chunk {
		end := off + chunk
		if end > len(wave) {
			end = len(wave)
		}
		in, err := s.engine.Transfer(wave[off:end])
		if err != nil {
			return bitvec.Vector{}, unavailable("transfer", err)
		}
		if len(in) != end-off {
			return bitvec.Vector{}, fmt.Errorf("%w: short read %d of %d", ErrDeviceUnavailable, len(in), end-off)
		}
		// Odd positions are the rising-edge writes; their samples were taken
		// after TMS/TDI settled and before TCK rose.
		for j := 1; j < len(in); j += 2 {
			if in[j]&tdoMask != 0 {
				tdo.SetBit((off+j)/2, true)
			}
		}
	}
	return tdo, nil
}

// waveform renders the two port bytes per bit.
func (s *BitBangSession) waveform(tms, tdi bitvec.Vector) []byte {
	base := s.pins.idle()
	tck := byte(1 << s.pins.TCK)
	wave := make([]byte, 0, 2*tms.Len())
	for i := 0; i < tms.Len(); i++ {
		low := base
		if tms.Bit(i) {
			low |= 1 << s.pins.TMS
		}
		if tdi.Bit(i) {
			low |= 1 << s.pins.TDI
		}
		wave = append(wave, low, low|tck)
	}
	return wave
}

// PulseProgram drives PROGRAM_B low for d, then releases it.
func (s *BitBangSession) PulseProgram(d time.Duration) error {
	if s.pins.Program < 0 {
		return ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.engine.Transfer([]byte{0}); err != nil {
		return unavailable("program low", err)
	}
	time.Sleep(d)
	if _, err := s.engine.Transfer([]byte{s.pins.idle()}); err != nil {
		return unavailable("program high", err)
	}
	return nil
}

func (s *BitBangSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Close()
}
