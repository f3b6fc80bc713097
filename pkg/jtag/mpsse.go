package jtag

import (
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"periph.io/x/conn/v3/physic"
)

// MPSSE opcodes. Data goes out on the falling edge and TDO is sampled on
// the rising edge, LSB first.
const (
	mpsseShiftBytes = 0x39 // <op> <len-1 lo> <len-1 hi> <bytes...>
	mpsseShiftBits  = 0x3B // <op> <bits-1> <byte>
	mpsseTMSOut     = 0x4B // <op> <bits-1> <tdi<<7 | tms bits>
	mpsseTMSShift   = 0x6B // same, returns TDO

	mpsseSetLow     = 0x80 // <op> <value> <direction> on ADBUS
	mpsseLoopOff    = 0x85
	mpsseDivisor    = 0x86 // <op> <div-1 lo> <div-1 hi>
	mpsseFlush      = 0x87
	mpsseClock30MHz = 0x8A
	mpsseTwoPhase   = 0x8D
	mpsseNoAdaptive = 0x97

	mpsseBadCommand = 0xFA
	mpsseSyncByte   = 0xAA
)

// ADBUS wiring fixed by the MPSSE: TCK=0, TDI=1, TDO=2, TMS=3.
const (
	mpssePinTMS       = 0x08
	mpssePinDirection = 0x0B
)

const (
	mpsseBaseClock  = 30 * physic.MegaHertz
	mpsseMaxDivider = 1 << 16
	mpsseDefaultHz  = 1_000_000

	mpsseMaxTMSBits = 7
	// Per-transfer limits stay below the 2 KiB channel buffers so a write
	// never stalls behind an unread reply.
	mpsseMaxCommand  = 2047
	mpsseMaxReply    = 1024
	mpsseMaxDataRun  = 512
	mpsseMinDataBits = 8
)

// mpssePort carries raw MPSSE command and reply bytes.
type mpssePort interface {
	write(b []byte) error
	readFull(n int) ([]byte, error)
	close() error
}

var _ mpssePort = (*ftdiPort)(nil)

// MPSSESession drives JTAG through the MPSSE engine of an FT2232H/FT4232H
// channel. Long TMS=0 runs use byte shifts, everything else goes through
// TMS commands of up to seven clocks.
type MPSSESession struct {
	mu sync.Mutex

	port     mpssePort
	info     AdapterInfo
	maxBits  uint32
	periodNS uint32

	// tmsHigh is the level the TMS pin holds after the last command.
	tmsHigh bool
}

// OpenMPSSE opens channel iface of vid:pid and puts it in MPSSE mode.
func OpenMPSSE(vid, pid uint16, iface int, name string, maxBits uint32) (*MPSSESession, error) {
	port, err := openFTDIPort(vid, pid, iface)
	if err != nil {
		return nil, err
	}
	if err := port.setMode(ftdiModeMPSSE, 0); err != nil {
		port.close()
		return nil, fmt.Errorf("ftdi init: %w", err)
	}
	s, err := newMPSSESession(port, port.info(name, "MPSSE"), maxBits)
	if err != nil {
		port.close()
		return nil, err
	}
	return s, nil
}

func newMPSSESession(port mpssePort, info AdapterInfo, maxBits uint32) (*MPSSESession, error) {
	if maxBits == 0 {
		maxBits = DefaultMaxVectorLength
	}
	info.MinPeriodNS = uint32(int64(physic.Hertz) * 1_000_000_000 / int64(mpsseBaseClock))
	info.MaxPeriodNS = frequencyToPeriod(mpsseBaseClock / mpsseMaxDivider)
	s := &MPSSESession{port: port, info: info, maxBits: maxBits}

	setup := []byte{
		mpsseClock30MHz, mpsseNoAdaptive, mpsseTwoPhase, mpsseLoopOff,
		mpsseSetLow, mpssePinTMS, mpssePinDirection,
	}
	if err := port.write(setup); err != nil {
		return nil, unavailable("mpsse setup", err)
	}
	s.tmsHigh = true
	if err := s.sync(); err != nil {
		return nil, err
	}
	if _, err := s.SetClockPeriod(1_000_000_000 / mpsseDefaultHz); err != nil {
		return nil, fmt.Errorf("failed to set default speed: %w", err)
	}
	return s, nil
}

// sync sends a bogus opcode and expects the engine to flag it, proving the
// command stream is aligned.
func (s *MPSSESession) sync() error {
	if err := s.port.write([]byte{mpsseSyncByte, mpsseFlush}); err != nil {
		return unavailable("mpsse sync", err)
	}
	b, err := s.port.readFull(2)
	if err != nil {
		return unavailable("mpsse sync", err)
	}
	if b[0] != mpsseBadCommand || b[1] != mpsseSyncByte {
		return fmt.Errorf("%w: mpsse sync got % X", ErrDeviceUnavailable, b)
	}
	return nil
}

func (s *MPSSESession) Info() AdapterInfo {
	return s.info
}

func (s *MPSSESession) MaxVectorLength() uint32 {
	return s.maxBits
}

func (s *MPSSESession) ClockPeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodNS
}

// SetClockPeriod programs the divider giving the fastest TCK not above the
// requested rate.
func (s *MPSSESession) SetClockPeriod(ns uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns = clampPeriod(ns, s.info.MinPeriodNS, s.info.MaxPeriodNS)
	div := mpsseDivider(periodToFrequency(ns))
	cmd := []byte{mpsseDivisor, byte(div - 1), byte((div - 1) >> 8)}
	if err := s.port.write(cmd); err != nil {
		return s.periodNS, unavailable("set clock", err)
	}
	s.periodNS = frequencyToPeriod(mpsseBaseClock / physic.Frequency(div))
	return s.periodNS, nil
}

func mpsseDivider(f physic.Frequency) int64 {
	if f <= 0 || f >= mpsseBaseClock {
		return 1
	}
	div := int64((mpsseBaseClock + f - 1) / f)
	if div > mpsseMaxDivider {
		div = mpsseMaxDivider
	}
	return div
}

// Reset clocks five TMS=1 cycles.
func (s *MPSSESession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.port.write([]byte{mpsseTMSOut, 4, 0x1F}); err != nil {
		return unavailable("tap reset", err)
	}
	s.tmsHigh = true
	return nil
}

func (s *MPSSESession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.maxBits); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tdo := bitvec.New(tms.Len())
	for _, b := range s.encode(tms, tdi) {
		if err := s.port.write(append(b.cmd, mpsseFlush)); err != nil {
			return bitvec.Vector{}, unavailable("mpsse shift", err)
		}
		reply, err := s.port.readFull(b.replyLen)
		if err != nil {
			return bitvec.Vector{}, unavailable("mpsse shift", err)
		}
		b.decode(reply, tdo)
	}
	return tdo, nil
}

// mpsseRead locates the TDO of one command inside a transfer's reply.
// Byte shifts return whole bytes. Bit and TMS shifts return one byte with
// the captured bits entering from the top.
type mpsseRead struct {
	pos, bits int
	whole     bool
}

type mpsseBatch struct {
	cmd      []byte
	reads    []mpsseRead
	replyLen int
}

func (b *mpsseBatch) fits(cmd, reply int) bool {
	return len(b.cmd)+cmd <= mpsseMaxCommand && b.replyLen+reply <= mpsseMaxReply
}

func (b *mpsseBatch) shiftBytes(tdi bitvec.Vector, pos, n int) {
	b.cmd = append(b.cmd, mpsseShiftBytes, byte(n-1), byte((n-1)>>8))
	b.cmd = append(b.cmd, tdi.Slice(pos, pos+8*n).Encode()...)
	b.reads = append(b.reads, mpsseRead{pos: pos, bits: 8 * n, whole: true})
	b.replyLen += n
}

func (b *mpsseBatch) shiftBits(tdi bitvec.Vector, pos, n int) {
	b.cmd = append(b.cmd, mpsseShiftBits, byte(n-1), tdi.Slice(pos, pos+n).Encode()[0])
	b.reads = append(b.reads, mpsseRead{pos: pos, bits: n})
	b.replyLen++
}

func (b *mpsseBatch) shiftTMS(tms, tdi bitvec.Vector, pos, n int) {
	v := tms.Slice(pos, pos+n).Encode()[0]
	if tdi.Bit(pos) {
		v |= 0x80
	}
	b.cmd = append(b.cmd, mpsseTMSShift, byte(n-1), v)
	b.reads = append(b.reads, mpsseRead{pos: pos, bits: n})
	b.replyLen++
}

func (b *mpsseBatch) decode(reply []byte, tdo bitvec.Vector) {
	off := 0
	for _, r := range b.reads {
		if r.whole {
			for j := 0; j < r.bits; j++ {
				if reply[off+j/8]>>(j%8)&1 != 0 {
					tdo.SetBit(r.pos+j, true)
				}
			}
			off += r.bits / 8
			continue
		}
		v := reply[off] >> (8 - r.bits)
		for j := 0; j < r.bits; j++ {
			if v>>j&1 != 0 {
				tdo.SetBit(r.pos+j, true)
			}
		}
		off++
	}
}

// encode turns one shift into transfers. TMS=0 runs of a byte or more
// become data shifts with the TMS pin parked low; the rest is sent as TMS
// commands, each holding TDI constant.
func (s *MPSSESession) encode(tms, tdi bitvec.Vector) []*mpsseBatch {
	var batches []*mpsseBatch
	b := &mpsseBatch{}
	reserve := func(cmd, reply int) {
		if !b.fits(cmd, reply) {
			batches = append(batches, b)
			b = &mpsseBatch{}
		}
	}

	n := tms.Len()
	for pos := 0; pos < n; {
		if run := zeroRun(tms, pos, n); run >= mpsseMinDataBits {
			if s.tmsHigh {
				reserve(3, 0)
				b.cmd = append(b.cmd, mpsseSetLow, 0x00, mpssePinDirection)
				s.tmsHigh = false
			}
			for run >= 8 {
				k := min(run/8, mpsseMaxDataRun)
				reserve(3+k, k)
				b.shiftBytes(tdi, pos, k)
				pos += 8 * k
				run -= 8 * k
			}
			if run > 0 {
				reserve(3, 1)
				b.shiftBits(tdi, pos, run)
				pos += run
			}
			continue
		}

		k := 1
		for k < mpsseMaxTMSBits && pos+k < n && tdi.Bit(pos+k) == tdi.Bit(pos) &&
			(tms.Bit(pos+k) || zeroRun(tms, pos+k, mpsseMinDataBits) < mpsseMinDataBits) {
			k++
		}
		reserve(3, 1)
		b.shiftTMS(tms, tdi, pos, k)
		s.tmsHigh = tms.Bit(pos + k - 1)
		pos += k
	}
	if len(b.cmd) > 0 {
		batches = append(batches, b)
	}
	return batches
}

// zeroRun counts TMS=0 bits from pos, stopping at limit.
func zeroRun(tms bitvec.Vector, pos, limit int) int {
	n := 0
	for pos+n < tms.Len() && n < limit && !tms.Bit(pos+n) {
		n++
	}
	return n
}

// Close returns the channel to UART mode and releases USB.
func (s *MPSSESession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.close()
	s.port = nil
	return err
}
