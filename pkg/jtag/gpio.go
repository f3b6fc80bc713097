package jtag

import (
	"fmt"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
)

// PinDriver toggles and samples individual GPIO lines. Pin numbers are in
// the driver's own namespace (BCM numbers for rpio, gpioreg names resolved
// from numbers for periph).
type PinDriver interface {
	Output(pin int) error
	Input(pin int, pullUp bool) error
	Write(pin int, high bool)
	Read(pin int) bool
	Close() error
}

// GPIOPins assigns JTAG signals to GPIO numbers. Program < 0 means not wired.
type GPIOPins struct {
	TCK, TDI, TDO, TMS int
	Program            int
}

// Validate checks every required pin is set and no two signals share a pin.
func (p GPIOPins) Validate() error {
	seen := map[int]string{}
	for _, pin := range []struct {
		name string
		num  int
	}{{"tck", p.TCK}, {"tdi", p.TDI}, {"tdo", p.TDO}, {"tms", p.TMS}, {"program", p.Program}} {
		if pin.name == "program" && pin.num < 0 {
			continue
		}
		if pin.num < 0 {
			return fmt.Errorf("jtag: gpio %s pin not set", pin.name)
		}
		if other, dup := seen[pin.num]; dup {
			return fmt.Errorf("jtag: gpio %s and %s share pin %d", other, pin.name, pin.num)
		}
		seen[pin.num] = pin.name
	}
	return nil
}

// DefaultGPIOMinPeriodNS is the fastest clock offered for software-timed
// GPIO.
const DefaultGPIOMinPeriodNS = 1000

// GPIOConfig tunes a GPIOSession.
type GPIOConfig struct {
	Pins            GPIOPins
	MinPeriodNS     uint32
	PeriodNS        uint32
	MaxVectorLength uint32
}

// GPIOSession bit-bangs JTAG on raw GPIO lines with software delays.
type GPIOSession struct {
	mu sync.Mutex

	drv  PinDriver
	pins GPIOPins
	info AdapterInfo

	maxBits  uint32
	periodNS uint32

	delay func(time.Duration)
}

// NewGPIOSession configures the pins on drv: TCK, TMS, TDI (and PROGRAM_B)
// as outputs, TDO as a pulled-up input.
func NewGPIOSession(drv PinDriver, cfg GPIOConfig) (*GPIOSession, error) {
	if err := cfg.Pins.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinPeriodNS == 0 {
		cfg.MinPeriodNS = DefaultGPIOMinPeriodNS
	}
	if cfg.MaxVectorLength == 0 {
		cfg.MaxVectorLength = DefaultMaxVectorLength
	}

	for _, pin := range []int{cfg.Pins.TCK, cfg.Pins.TMS, cfg.Pins.TDI} {
		if err := drv.Output(pin); err != nil {
			return nil, unavailable(fmt.Sprintf("gpio %d output", pin), err)
		}
	}
	if cfg.Pins.Program >= 0 {
		if err := drv.Output(cfg.Pins.Program); err != nil {
			return nil, unavailable(fmt.Sprintf("gpio %d output", cfg.Pins.Program), err)
		}
		drv.Write(cfg.Pins.Program, true)
	}
	if err := drv.Input(cfg.Pins.TDO, true); err != nil {
		return nil, unavailable(fmt.Sprintf("gpio %d input", cfg.Pins.TDO), err)
	}
	drv.Write(cfg.Pins.TCK, false)

	s := &GPIOSession{
		drv:  drv,
		pins: cfg.Pins,
		info: AdapterInfo{
			Name:        "GPIO",
			Model:       fmt.Sprintf("tck=%d tdi=%d tdo=%d tms=%d", cfg.Pins.TCK, cfg.Pins.TDI, cfg.Pins.TDO, cfg.Pins.TMS),
			MinPeriodNS: cfg.MinPeriodNS,
			Notes:       "software timed",
		},
		maxBits: cfg.MaxVectorLength,
		delay:   spinDelay,
	}
	s.periodNS = clampPeriod(cfg.PeriodNS, cfg.MinPeriodNS, 0)
	return s, nil
}

// spinDelay busy-waits short intervals that time.Sleep cannot honour.
func spinDelay(d time.Duration) {
	if d >= 50*time.Microsecond {
		time.Sleep(d)
		return
	}
	for start := time.Now(); time.Since(start) < d; {
	}
}

func (s *GPIOSession) Info() AdapterInfo {
	return s.info
}

func (s *GPIOSession) MaxVectorLength() uint32 {
	return s.maxBits
}

func (s *GPIOSession) ClockPeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodNS
}

// SetClockPeriod only changes the software delay; it cannot fail.
func (s *GPIOSession) SetClockPeriod(ns uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodNS = clampPeriod(ns, s.info.MinPeriodNS, 0)
	return s.periodNS, nil
}

func (s *GPIOSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shift(bitvec.Ones(5), bitvec.New(5))
	return nil
}

func (s *GPIOSession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.maxBits); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shift(tms, tdi), nil
}

// shift drives each bit with TCK low, waits half a period, samples TDO,
// raises TCK, waits again and drops TCK.
func (s *GPIOSession) shift(tms, tdi bitvec.Vector) bitvec.Vector {
	half := time.Duration(s.periodNS/2) * time.Nanosecond
	tdo := bitvec.New(tms.Len())
	for i := 0; i < tms.Len(); i++ {
		s.drv.Write(s.pins.TMS, tms.Bit(i))
		s.drv.Write(s.pins.TDI, tdi.Bit(i))
		s.delay(half)
		if s.drv.Read(s.pins.TDO) {
			tdo.SetBit(i, true)
		}
		s.drv.Write(s.pins.TCK, true)
		s.delay(half)
		s.drv.Write(s.pins.TCK, false)
	}
	return tdo
}

// PulseProgram drives PROGRAM_B low for d.
func (s *GPIOSession) PulseProgram(d time.Duration) error {
	if s.pins.Program < 0 {
		return ErrNotImplemented
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drv.Write(s.pins.Program, false)
	time.Sleep(d)
	s.drv.Write(s.pins.Program, true)
	return nil
}

func (s *GPIOSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drv.Close()
}

// NewPinDriver opens a GPIO driver by name: "rpio" (memory-mapped BCM2835
// registers) or "periph" (periph.io host drivers).
func NewPinDriver(name string) (PinDriver, error) {
	switch name {
	case "", "rpio":
		d, err := OpenRpioDriver()
		if err != nil {
			return nil, err
		}
		return d, nil
	case "periph":
		d, err := OpenPeriphDriver()
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("jtag: unknown gpio driver %q", name)
}
