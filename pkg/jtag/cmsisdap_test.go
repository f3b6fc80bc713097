package jtag

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
)

// fakeProbe answers DAP commands like a probe whose TDO is wired to TDI.
type fakeProbe struct {
	packetSize int
	clockHz    uint32
	requests   [][]byte
	failShift  bool
	closed     bool
}

func (p *fakeProbe) exchange(cmd []byte) ([]byte, error) {
	p.requests = append(p.requests, append([]byte(nil), cmd...))
	if len(cmd) > p.packetSize {
		return nil, errors.New("request exceeds packet size")
	}
	switch cmd[0] {
	case dapInfo:
		s := map[byte]string{dapInfoVendor: "Raspberry Pi", dapInfoProduct: "Debugprobe", dapInfoFirmware: "2.0.1"}[cmd[1]]
		return append([]byte{dapInfo, byte(len(s))}, s...), nil
	case dapConnect:
		return []byte{dapConnect, cmd[1]}, nil
	case dapDisconnect:
		return []byte{dapDisconnect, dapStatusOK}, nil
	case dapSWJClock:
		p.clockHz = binary.LittleEndian.Uint32(cmd[1:])
		return []byte{dapSWJClock, dapStatusOK}, nil
	case dapJTAGSequence:
		if p.failShift {
			return nil, errors.New("pipe error")
		}
		resp := []byte{dapJTAGSequence, dapStatusOK}
		off := 2
		for i := 0; i < int(cmd[1]); i++ {
			seq := dapSequence{info: cmd[off]}
			n := (seq.clocks() + 7) / 8
			tdi := cmd[off+1 : off+1+n]
			if seq.captures() {
				resp = append(resp, tdi...)
			}
			off += 1 + n
		}
		if len(resp) > p.packetSize {
			return nil, errors.New("response exceeds packet size")
		}
		return resp, nil
	}
	return nil, errors.New("unexpected command")
}

func (p *fakeProbe) Close() error {
	p.closed = true
	return nil
}

func newTestCMSISDAP(t *testing.T) (*CMSISDAPSession, *fakeProbe) {
	t.Helper()
	probe := &fakeProbe{packetSize: 64}
	s, err := newCMSISDAPSession(probe, probe.packetSize, 0)
	if err != nil {
		t.Fatalf("newCMSISDAPSession() failed: %v", err)
	}
	return s, probe
}

func TestCMSISDAPSessionOpen(t *testing.T) {
	s, probe := newTestCMSISDAP(t)

	info := s.Info()
	if info.Vendor != "Raspberry Pi" || info.Model != "Debugprobe" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.MinPeriodNS != 100 || info.MaxPeriodNS != 1_000_000 {
		t.Errorf("period range = [%d, %d], want [100, 1000000]", info.MinPeriodNS, info.MaxPeriodNS)
	}
	if probe.clockHz != 1_000_000 {
		t.Errorf("default clock = %d Hz, want 1 MHz", probe.clockHz)
	}
	if s.MaxVectorLength() != DefaultMaxVectorLength {
		t.Errorf("MaxVectorLength() = %d", s.MaxVectorLength())
	}
}

func TestCMSISDAPSessionSetClockPeriod(t *testing.T) {
	s, probe := newTestCMSISDAP(t)

	tests := []struct {
		name   string
		period uint32
		want   uint32
		wantHz uint32
	}{
		{"fastest", 0, 100, 10_000_000},
		{"in range", 250, 250, 4_000_000},
		{"too slow", 5_000_000, 1_000_000, 1_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SetClockPeriod(tt.period)
			if err != nil {
				t.Fatalf("SetClockPeriod(%d) failed: %v", tt.period, err)
			}
			if got != tt.want || s.ClockPeriod() != tt.want {
				t.Errorf("SetClockPeriod(%d) = %d, want %d", tt.period, got, tt.want)
			}
			if probe.clockHz != tt.wantHz {
				t.Errorf("probe clock = %d Hz, want %d", probe.clockHz, tt.wantHz)
			}
		})
	}
}

func TestBuildSequencesSplitsOnTMS(t *testing.T) {
	tests := []struct {
		name   string
		tms    []byte
		bits   int
		counts []int
		levels []bool
	}{
		{"constant low", []byte{0x00, 0x00}, 16, []int{16}, []bool{false}},
		{"constant high", []byte{0xFF}, 8, []int{8}, []bool{true}},
		{"high then low", []byte{0x0F, 0x00}, 16, []int{4, 12}, []bool{true, false}},
		{"long run splits at 64", make([]byte, 9), 70, []int{64, 6}, []bool{false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tms, _ := bitvec.Decode(tt.tms, tt.bits)
			seqs := buildSequences(tms, bitvec.New(tt.bits))
			if len(seqs) != len(tt.counts) {
				t.Fatalf("got %d sequences, want %d", len(seqs), len(tt.counts))
			}
			for i := range seqs {
				if seqs[i].clocks() != tt.counts[i] {
					t.Errorf("seq %d: %d TCK, want %d", i, seqs[i].clocks(), tt.counts[i])
				}
				if seqs[i].tms() != tt.levels[i] {
					t.Errorf("seq %d: TMS=%v, want %v", i, seqs[i].tms(), tt.levels[i])
				}
				if !seqs[i].captures() {
					t.Errorf("seq %d: TDO capture not requested", i)
				}
			}
		})
	}
}

func TestBuildSequencesRealignsTDI(t *testing.T) {
	// Three TMS=1 bits then five TMS=0 bits; TDI 0b10110101.
	tms, _ := bitvec.Decode([]byte{0x07}, 8)
	tdi, _ := bitvec.Decode([]byte{0xB5}, 8)

	seqs := buildSequences(tms, tdi)
	if len(seqs) != 2 {
		t.Fatalf("got %d sequences, want 2", len(seqs))
	}
	if seqs[0].tdi[0] != 0x05 {
		t.Errorf("seq 0 TDI = 0x%02X, want 0x05", seqs[0].tdi[0])
	}
	if seqs[1].tdi[0] != 0x16 {
		t.Errorf("seq 1 TDI = 0x%02X, want 0x16", seqs[1].tdi[0])
	}
}

func TestCMSISDAPSessionShiftLoopback(t *testing.T) {
	s, probe := newTestCMSISDAP(t)

	// Alternating TMS forces one sequence per bit and therefore many packets.
	n := 300
	tms := bitvec.New(n)
	tdi := bitvec.New(n)
	for i := 0; i < n; i++ {
		tms.SetBit(i, i%2 == 0)
		tdi.SetBit(i, i%3 == 0)
	}

	probe.requests = nil
	tdo, err := s.ShiftBits(tms, tdi)
	if err != nil {
		t.Fatalf("ShiftBits() failed: %v", err)
	}
	if !tdo.Equal(tdi) {
		t.Errorf("loopback TDO differs from TDI:\n got %s\nwant %s", tdo, tdi)
	}
	if len(probe.requests) < 2 {
		t.Errorf("expected the shift to be split over several packets, got %d", len(probe.requests))
	}
}

func TestCMSISDAPSessionShiftErrors(t *testing.T) {
	s, probe := newTestCMSISDAP(t)

	if _, err := s.ShiftBits(bitvec.New(DefaultMaxVectorLength+1), bitvec.New(DefaultMaxVectorLength+1)); !errors.Is(err, ErrLengthExceeded) {
		t.Errorf("expected ErrLengthExceeded, got %v", err)
	}

	probe.failShift = true
	if _, err := s.ShiftBits(bitvec.New(8), bitvec.New(8)); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Reset: expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestCMSISDAPSessionClose(t *testing.T) {
	s, probe := newTestCMSISDAP(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !probe.closed {
		t.Error("link not closed")
	}
	last := probe.requests[len(probe.requests)-1]
	if last[0] != dapDisconnect {
		t.Errorf("last command = 0x%02X, want DAP_Disconnect", last[0])
	}
}

func TestCMSISDAPSessionImplementsSession(t *testing.T) {
	var _ Session = (*CMSISDAPSession)(nil)
}

// Integration test - requires real CMSIS-DAP hardware
func TestCMSISDAPSession_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s, err := OpenCMSISDAP(VendorIDRaspberryPi, ProductIDCMSISDAP, 0)
	if err != nil {
		t.Skipf("No CMSIS-DAP hardware found: %v", err)
	}
	defer s.Close()

	info := s.Info()
	t.Logf("Adapter: %s %s %s (fw %s)", info.Vendor, info.Model, info.SerialNumber, info.Firmware)

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	// Test-Logic-Reset -> Shift-DR, then 32 bits of IDCODE/BYPASS.
	tms := bitvec.FromBools([]bool{false, true, false, false})
	if _, err := s.ShiftBits(tms, bitvec.New(4)); err != nil {
		t.Fatalf("ShiftBits(navigate) failed: %v", err)
	}
	tdo, err := s.ShiftBits(bitvec.New(32), bitvec.New(32))
	if err != nil {
		t.Fatalf("ShiftBits(dr) failed: %v", err)
	}
	t.Logf("first DR word: %s", tdo)
}

func BenchmarkBuildSequences(b *testing.B) {
	tms := bitvec.New(800)
	tdi := bitvec.New(800)
	for i := 80; i < 88; i++ {
		tms.SetBit(i, true)
		tms.SetBit(i+320, true)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buildSequences(tms, tdi)
	}
}
