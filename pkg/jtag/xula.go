package jtag

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
	"github.com/google/gousb"
)

// XuLA USB identifiers (PIC18 firmware).
const (
	VendorIDMicrochip = 0x04D8
	ProductIDXuLA     = 0xFF8C
)

// XuLA firmware commands.
const (
	xulaTick    = 0x43 // <op> <mask>, replies <op> <pins>
	xulaShift   = 0x44 // <op> <bits u32 LE>, then TDI bytes, replies TDO bytes
	xulaProgram = 0x49 // <op> <level>

	xulaMaskTMS = 0x01
	xulaMaskTDI = 0x02
	xulaMaskTDO = 0x04
)

const (
	// The firmware clocks at a fixed rate.
	xulaPeriodNS = 1000
	// xulaMaxVectorLength matches the 4096 byte vectors the board handles.
	xulaMaxVectorLength = 16384
	// Shorter TMS=0 runs are cheaper as single ticks than as a bulk shift
	// plus the walk back into Shift.
	xulaMinBulk = 8
)

// xulaLink is the bulk pipe to the board.
type xulaLink interface {
	write(p []byte) (int, error)
	read(p []byte) (int, error)
	Close() error
}

var _ xulaLink = (*usbLink)(nil)

// XuLASession drives a XESS XuLA board. The firmware has a single-clock
// command and a bulk shift that always ends with TMS=1, so the session
// tracks the TAP to know when a TMS=0 run sits inside Shift-DR/IR.
type XuLASession struct {
	mu sync.Mutex

	link    xulaLink
	info    AdapterInfo
	maxBits uint32
	tap     *tap.StateMachine
}

// OpenXuLA opens the board at vid:pid.
func OpenXuLA(vid, pid uint16, maxBits uint32) (*XuLASession, error) {
	link, err := openUSB(vid, pid, func(gousb.ConfigDesc) int { return 0 })
	if err != nil {
		return nil, err
	}
	manufacturer, product, serial := link.descriptor()
	info := AdapterInfo{
		Name:         "XuLA",
		Vendor:       manufacturer,
		Model:        product,
		SerialNumber: serial,
		Notes:        fmt.Sprintf("XuLA %04X:%04X fixed TCK", vid, pid),
	}
	return newXuLASession(link, info, maxBits), nil
}

func newXuLASession(link xulaLink, info AdapterInfo, maxBits uint32) *XuLASession {
	if maxBits == 0 {
		maxBits = xulaMaxVectorLength
	}
	info.MinPeriodNS, info.MaxPeriodNS = xulaPeriodNS, xulaPeriodNS
	return &XuLASession{
		link:    link,
		info:    info,
		maxBits: maxBits,
		tap:     tap.NewStateMachine(),
	}
}

func (s *XuLASession) Info() AdapterInfo {
	return s.info
}

func (s *XuLASession) MaxVectorLength() uint32 {
	return s.maxBits
}

func (s *XuLASession) ClockPeriod() uint32 {
	return xulaPeriodNS
}

// SetClockPeriod ignores the request; the firmware has no clock control.
func (s *XuLASession) SetClockPeriod(uint32) (uint32, error) {
	return xulaPeriodNS, nil
}

func (s *XuLASession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 5; i++ {
		if _, err := s.tick(true, false); err != nil {
			return unavailable("tap reset", err)
		}
	}
	return nil
}

func (s *XuLASession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.maxBits); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := tms.Len()
	tdo := bitvec.New(n)
	for pos := 0; pos < n; {
		st := s.tap.State()
		inShift := st == tap.StateShiftDR || st == tap.StateShiftIR
		if run := zeroRun(tms, pos, n); inShift && run >= xulaMinBulk {
			// The bulk shift raises TMS on its last bit. Take the exit
			// bit along when the caller asked for it, otherwise walk
			// Exit1 -> Pause -> Exit2 -> Shift, none of which shift.
			count, rejoin := run+1, false
			if pos+run == n {
				count, rejoin = run, true
			}
			got, err := s.shift(tdi.Slice(pos, pos+count))
			if err != nil {
				return bitvec.Vector{}, unavailable("xula shift", err)
			}
			for j := 0; j < count; j++ {
				if got.Bit(j) {
					tdo.SetBit(pos+j, true)
				}
			}
			pos += count
			if rejoin {
				for _, level := range []bool{false, true, false} {
					if _, err := s.tick(level, false); err != nil {
						return bitvec.Vector{}, unavailable("xula shift", err)
					}
				}
			}
			continue
		}

		bit, err := s.tick(tms.Bit(pos), tdi.Bit(pos))
		if err != nil {
			return bitvec.Vector{}, unavailable("xula tick", err)
		}
		if bit {
			tdo.SetBit(pos, true)
		}
		pos++
	}
	return tdo, nil
}

// tick clocks one bit and returns TDO.
func (s *XuLASession) tick(tms, tdi bool) (bool, error) {
	mask := byte(0)
	if tms {
		mask |= xulaMaskTMS
	}
	if tdi {
		mask |= xulaMaskTDI
	}
	if _, err := s.link.write([]byte{xulaTick, mask}); err != nil {
		return false, err
	}
	r, err := s.readFull(2)
	if err != nil {
		return false, err
	}
	s.tap.Clock(tms)
	return r[1]&xulaMaskTDO != 0, nil
}

// shift sends tdi with TMS=0 on every bit but the last.
func (s *XuLASession) shift(tdi bitvec.Vector) (bitvec.Vector, error) {
	hdr := make([]byte, 5)
	hdr[0] = xulaShift
	binary.LittleEndian.PutUint32(hdr[1:], uint32(tdi.Len()))
	if _, err := s.link.write(hdr); err != nil {
		return bitvec.Vector{}, err
	}
	if _, err := s.link.write(tdi.Encode()); err != nil {
		return bitvec.Vector{}, err
	}
	r, err := s.readFull(bitvec.ByteLen(tdi.Len()))
	if err != nil {
		return bitvec.Vector{}, err
	}
	for i := 0; i < tdi.Len()-1; i++ {
		s.tap.Clock(false)
	}
	s.tap.Clock(true)
	return bitvec.Decode(r, tdi.Len())
}

func (s *XuLASession) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	for got := 0; got < n; {
		k, err := s.link.read(buf[got:])
		if err != nil {
			return nil, err
		}
		if k == 0 {
			return nil, fmt.Errorf("xula: empty read, %d of %d bytes", got, n)
		}
		got += k
	}
	return buf, nil
}

// PulseProgram drives PROGRAM_B low for d, then releases it.
func (s *XuLASession) PulseProgram(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.link.write([]byte{xulaProgram, 0}); err != nil {
		return unavailable("program low", err)
	}
	time.Sleep(d)
	if _, err := s.link.write([]byte{xulaProgram, 1}); err != nil {
		return unavailable("program high", err)
	}
	return nil
}

func (s *XuLASession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	err := s.link.Close()
	s.link = nil
	return err
}
