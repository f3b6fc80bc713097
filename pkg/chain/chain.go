// Package chain discovers the devices on a scan chain by reading the IDCODE
// registers every IEEE 1149.1 device selects on reset.
package chain

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/idcode"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// DefaultMaxDevices bounds a scan when the caller passes zero.
const DefaultMaxDevices = 16

var (
	// ErrTooManyDevices means no end marker appeared within the device limit,
	// typically because TDO is stuck low or the chain is longer than expected.
	ErrTooManyDevices = errors.New("chain: end marker not found")
)

// Scan resets the chain, shifts ones through DR and decodes the captured
// IDCODE/BYPASS registers, nearest TDO first. The TAP is left in
// Run-Test/Idle.
func Scan(s jtag.Session, maxDevices int) ([]idcode.IDCode, error) {
	if s == nil {
		return nil, fmt.Errorf("chain: session is nil")
	}
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}

	xport := newTransport(s)
	if err := xport.reset(); err != nil {
		return nil, err
	}
	if err := xport.gotoState(tap.StateShiftDR); err != nil {
		return nil, err
	}

	// Worst case every device has an IDCODE; one extra word carries the
	// all-ones marker.
	bits := (maxDevices + 1) * 32
	tdo, err := xport.shiftDR(bits)
	if err != nil {
		return nil, err
	}
	if err := xport.gotoState(tap.StateRunTestIdle); err != nil {
		return nil, err
	}
	return decode(tdo, maxDevices)
}

// decode walks the captured stream: a 0 bit is a BYPASS register, a 1 bit
// starts a 32-bit IDCODE, and 32 ones end the chain.
func decode(tdo bitvec.Vector, maxDevices int) ([]idcode.IDCode, error) {
	var ids []idcode.IDCode
	for pos := 0; pos < tdo.Len(); {
		if len(ids) == maxDevices {
			break
		}
		if !tdo.Bit(pos) {
			ids = append(ids, idcode.Bypass())
			pos++
			continue
		}
		if pos+32 > tdo.Len() {
			break
		}
		raw := word(tdo, pos)
		if raw == 0xFFFFFFFF {
			return ids, nil
		}
		ids = append(ids, idcode.ParseIDCode(raw))
		pos += 32
	}
	return ids, fmt.Errorf("%w within %d devices", ErrTooManyDevices, maxDevices)
}

func word(v bitvec.Vector, pos int) uint32 {
	var val uint32
	for i := 0; i < 32; i++ {
		if v.Bit(pos + i) {
			val |= 1 << uint(i)
		}
	}
	return val
}

// transport mirrors the target TAP state while forwarding TMS streams to the
// session.
type transport struct {
	session jtag.Session
	tap     *tap.StateMachine
}

func newTransport(s jtag.Session) *transport {
	return &transport{session: s, tap: tap.NewStateMachine()}
}

func (t *transport) reset() error {
	if err := t.session.Reset(); err != nil {
		return fmt.Errorf("chain: reset: %w", err)
	}
	t.tap.Reset()
	return nil
}

func (t *transport) gotoState(target tap.State) error {
	seq, err := t.tap.GoTo(target)
	if err != nil {
		return err
	}
	if len(seq.TMS) == 0 {
		return nil
	}
	tms := seq.TMSVector()
	if _, err := t.session.ShiftBits(tms, bitvec.New(tms.Len())); err != nil {
		return fmt.Errorf("chain: goto %s: %w", target, err)
	}
	return nil
}

// shiftDR clocks n bits of TDI=1 from Shift-DR, leaving on the last bit. The
// stream is split to honour the session's vector limit.
func (t *transport) shiftDR(n int) (bitvec.Vector, error) {
	if t.tap.State() != tap.StateShiftDR {
		return bitvec.Vector{}, fmt.Errorf("chain: shift from %s", t.tap.State())
	}
	limit := int(t.session.MaxVectorLength())
	if limit <= 0 {
		return bitvec.Vector{}, fmt.Errorf("chain: session accepts no bits")
	}

	out := bitvec.New(n)
	for off := 0; off < n; off += limit {
		size := n - off
		if size > limit {
			size = limit
		}
		tms := bitvec.New(size)
		if off+size == n {
			tms.SetBit(size-1, true)
		}
		tdo, err := t.session.ShiftBits(tms, bitvec.Ones(size))
		if err != nil {
			return bitvec.Vector{}, fmt.Errorf("chain: shift dr: %w", err)
		}
		t.tap.Walk(tms)
		for i := 0; i < size; i++ {
			if tdo.Bit(i) {
				out.SetBit(off+i, true)
			}
		}
	}
	return out, nil
}
