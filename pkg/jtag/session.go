package jtag

import (
	"errors"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"periph.io/x/conn/v3/physic"
)

// AdapterInfo describes the backend behind a Session.
type AdapterInfo struct {
	Name         string
	Vendor       string
	Model        string
	SerialNumber string
	Firmware     string
	MinPeriodNS  uint32
	MaxPeriodNS  uint32
	Notes        string
}

// Session is the contract every backend satisfies. Implementations serialize
// all calls internally so a single Session may be shared by every client
// connection.
type Session interface {
	Info() AdapterInfo

	// Reset clocks five TMS=1 cycles so the TAP ends in Test-Logic-Reset.
	Reset() error

	// SetClockPeriod requests a TCK period in nanoseconds and returns the
	// period actually in effect. Zero selects the fastest supported clock.
	SetClockPeriod(ns uint32) (uint32, error)

	// ClockPeriod reports the period currently in effect.
	ClockPeriod() uint32

	// MaxVectorLength is the largest bit count accepted by ShiftBits.
	MaxVectorLength() uint32

	// ShiftBits clocks len(tms) cycles. For each bit i it drives tms[i] and
	// tdi[i], samples TDO into result bit i before the rising edge of bit i,
	// then raises TCK.
	ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error)

	Close() error
}

// Programmer is implemented by backends wired to an FPGA PROGRAM_B line.
type Programmer interface {
	PulseProgram(d time.Duration) error
}

var (
	// ErrDeviceUnavailable means the backend lost its hardware.
	ErrDeviceUnavailable = errors.New("jtag: device unavailable")
	// ErrLengthExceeded means a shift asked for more bits than MaxVectorLength.
	ErrLengthExceeded = errors.New("jtag: vector length exceeded")
	// ErrLengthMismatch means TMS and TDI vectors differ in length.
	ErrLengthMismatch = errors.New("jtag: tms/tdi length mismatch")
	// ErrNotImplemented lets backends signal a missing optional capability.
	ErrNotImplemented = errors.New("jtag: not implemented")
)

// DefaultMaxVectorLength is the per-shift bit limit used when a backend is
// not configured otherwise. It corresponds to a 512 byte XVC vector budget.
const DefaultMaxVectorLength = 2048

// ValidateShift checks the ShiftBits preconditions shared by all backends.
func ValidateShift(tms, tdi bitvec.Vector, max uint32) error {
	if tms.Len() != tdi.Len() {
		return fmt.Errorf("%w: tms=%d tdi=%d", ErrLengthMismatch, tms.Len(), tdi.Len())
	}
	if uint64(tms.Len()) > uint64(max) {
		return fmt.Errorf("%w: %d > %d bits", ErrLengthExceeded, tms.Len(), max)
	}
	return nil
}

// clampPeriod applies the "zero means fastest" rule and the backend limits.
func clampPeriod(ns, min, max uint32) uint32 {
	if ns < min {
		ns = min
	}
	if max != 0 && ns > max {
		ns = max
	}
	return ns
}

// periodToFrequency converts a TCK period into the matching frequency.
func periodToFrequency(ns uint32) physic.Frequency {
	if ns == 0 {
		return 0
	}
	return physic.Frequency(int64(physic.Hertz) * int64(time.Second) / int64(ns))
}

// frequencyToPeriod converts a frequency into a whole-nanosecond period,
// rounding up so the reported period is never faster than the real clock.
func frequencyToPeriod(f physic.Frequency) uint32 {
	if f <= 0 {
		return 0
	}
	ns := (int64(physic.Hertz)*int64(time.Second) + int64(f) - 1) / int64(f)
	if ns > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ns)
}

// unavailable wraps err as ErrDeviceUnavailable unless it already is.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, op, err)
}
