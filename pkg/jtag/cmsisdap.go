package jtag

import (
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/google/gousb"
)

// Default USB identifiers of the Raspberry Pi debugprobe firmware.
const (
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C
)

const (
	cmsisdapMinHz     = 1_000
	cmsisdapMaxHz     = 10_000_000
	cmsisdapDefaultHz = 1_000_000
)

// dapLink exchanges one command packet for one response packet.
type dapLink interface {
	exchange(cmd []byte) ([]byte, error)
	Close() error
}

// exchange implements dapLink over the bulk endpoints.
func (l *usbLink) exchange(cmd []byte) ([]byte, error) {
	if _, err := l.write(cmd); err != nil {
		return nil, err
	}
	size := l.packetSize
	if size <= 0 {
		size = 64
	}
	buf := make([]byte, size)
	n, err := l.read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// pickCMSISDAPInterface selects the vendor-specific interface carrying the
// CMSIS-DAP v2 bulk endpoints.
func pickCMSISDAPInterface(desc gousb.ConfigDesc) int {
	for _, intf := range desc.Interfaces {
		for _, alt := range intf.AltSettings {
			if alt.Class != gousb.ClassVendorSpec {
				continue
			}
			bulk := 0
			for _, ep := range alt.Endpoints {
				if ep.TransferType == gousb.TransferTypeBulk {
					bulk++
				}
			}
			if bulk >= 2 {
				return intf.Number
			}
		}
	}
	return -1
}

// CMSISDAPSession implements Session with DAP_JTAG_Sequence commands.
type CMSISDAPSession struct {
	mu sync.Mutex

	link  dapLink
	codec dapCodec

	info     AdapterInfo
	maxBits  uint32
	periodNS uint32
}

// OpenCMSISDAP opens the probe at vid:pid and connects its JTAG port.
func OpenCMSISDAP(vid, pid uint16, maxBits uint32) (*CMSISDAPSession, error) {
	link, err := openUSB(vid, pid, pickCMSISDAPInterface)
	if err != nil {
		return nil, err
	}
	s, err := newCMSISDAPSession(link, link.packetSize, maxBits)
	if err != nil {
		link.Close()
		return nil, err
	}
	return s, nil
}

func newCMSISDAPSession(link dapLink, packetSize int, maxBits uint32) (*CMSISDAPSession, error) {
	if packetSize <= 0 {
		packetSize = 64
	}
	if maxBits == 0 {
		maxBits = DefaultMaxVectorLength
	}
	s := &CMSISDAPSession{
		link:    link,
		codec:   dapCodec{packetSize: packetSize},
		maxBits: maxBits,
	}
	if err := s.queryInfo(); err != nil {
		return nil, fmt.Errorf("failed to query device info: %w", err)
	}
	if err := s.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to JTAG: %w", err)
	}
	if _, err := s.SetClockPeriod(1_000_000_000 / cmsisdapDefaultHz); err != nil {
		return nil, fmt.Errorf("failed to set default speed: %w", err)
	}
	return s, nil
}

// queryInfo retrieves the probe's identification strings. Probes may leave
// any of them empty.
func (s *CMSISDAPSession) queryInfo() error {
	var fields [4]string
	for i, id := range []byte{dapInfoVendor, dapInfoProduct, dapInfoSerial, dapInfoFirmware} {
		resp, err := s.link.exchange(s.codec.infoRequest(id))
		if err != nil {
			return err
		}
		fields[i], _ = s.codec.parseInfo(resp)
	}

	s.info = AdapterInfo{
		Name:         "CMSIS-DAP",
		Vendor:       fields[0],
		Model:        fields[1],
		SerialNumber: fields[2],
		Firmware:     fields[3],
		MinPeriodNS:  1_000_000_000 / cmsisdapMaxHz,
		MaxPeriodNS:  1_000_000_000 / cmsisdapMinHz,
	}
	return nil
}

func (s *CMSISDAPSession) connect() error {
	resp, err := s.link.exchange(s.codec.connectRequest(dapPortJTAG))
	if err != nil {
		return err
	}
	port, err := s.codec.parseConnect(resp)
	if err != nil {
		return err
	}
	if port != dapPortJTAG {
		return fmt.Errorf("failed to connect to JTAG (got port %d)", port)
	}
	return nil
}

func (s *CMSISDAPSession) Info() AdapterInfo {
	return s.info
}

func (s *CMSISDAPSession) MaxVectorLength() uint32 {
	return s.maxBits
}

func (s *CMSISDAPSession) ClockPeriod() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodNS
}

// SetClockPeriod sends DAP_SWJ_Clock with the frequency matching ns.
func (s *CMSISDAPSession) SetClockPeriod(ns uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns = clampPeriod(ns, s.info.MinPeriodNS, s.info.MaxPeriodNS)
	hz := uint32(1_000_000_000 / uint64(ns))

	resp, err := s.link.exchange(s.codec.clockRequest(hz))
	if err != nil {
		return s.periodNS, unavailable("set clock", err)
	}
	if err := checkResponse(resp, dapSWJClock, true); err != nil {
		return s.periodNS, unavailable("set clock", err)
	}
	s.periodNS = ns
	return ns, nil
}

// Reset clocks five TMS=1 cycles without capturing TDO.
func (s *CMSISDAPSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := []dapSequence{newDAPSequence(5, true, false, []byte{0x00})}
	resp, err := s.link.exchange(s.codec.sequenceRequest(seq))
	if err != nil {
		return unavailable("tap reset", err)
	}
	if _, err := s.codec.parseSequence(resp, seq); err != nil {
		return unavailable("tap reset", err)
	}
	return nil
}

func (s *CMSISDAPSession) ShiftBits(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
	if err := ValidateShift(tms, tdi, s.maxBits); err != nil {
		return bitvec.Vector{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tdo := bitvec.New(tms.Len())
	pos := 0
	for _, batch := range s.codec.batch(buildSequences(tms, tdi)) {
		resp, err := s.link.exchange(s.codec.sequenceRequest(batch))
		if err != nil {
			return bitvec.Vector{}, unavailable("jtag sequence", err)
		}
		captured, err := s.codec.parseSequence(resp, batch)
		if err != nil {
			return bitvec.Vector{}, unavailable("jtag sequence", err)
		}
		for i, seq := range batch {
			n := seq.clocks()
			got, err := bitvec.Decode(captured[i], n)
			if err != nil {
				return bitvec.Vector{}, unavailable("jtag sequence", err)
			}
			for k := 0; k < n; k++ {
				if got.Bit(k) {
					tdo.SetBit(pos+k, true)
				}
			}
			pos += n
		}
	}
	return tdo, nil
}

// buildSequences splits a shift into runs of constant TMS, at most 64
// cycles each, all capturing TDO.
func buildSequences(tms, tdi bitvec.Vector) []dapSequence {
	var sequences []dapSequence
	for pos := 0; pos < tms.Len(); {
		level := tms.Bit(pos)
		n := 1
		for pos+n < tms.Len() && n < maxSequenceTCK && tms.Bit(pos+n) == level {
			n++
		}
		chunk := tdi.Slice(pos, pos+n).Encode()
		sequences = append(sequences, newDAPSequence(n, level, true, chunk))
		pos += n
	}
	return sequences
}

// Close disconnects the probe and releases USB resources.
func (s *CMSISDAPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp, err := s.link.exchange(s.codec.disconnectRequest()); err == nil {
		if err := checkResponse(resp, dapDisconnect, true); err != nil {
			logger.Debugf("cmsis-dap disconnect: %v", err)
		}
	}
	return s.link.Close()
}
