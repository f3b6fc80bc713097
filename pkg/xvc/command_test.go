package xvc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

func TestParseCommands(t *testing.T) {
	var in bytes.Buffer
	in.WriteString("getinfo:")
	in.WriteString("settck:")
	in.Write([]byte{0xE8, 0x03, 0x00, 0x00})
	in.WriteString("shift:")
	in.Write([]byte{13, 0, 0, 0, 0xFF, 0xFF, 0xAA, 0xF5})

	p := NewParser(&in, 2048)
	if p.State() != StateAwaitCommand {
		t.Fatalf("initial state %s", p.State())
	}

	cmd, err := p.Next()
	if err != nil {
		t.Fatalf("getinfo: %v", err)
	}
	if _, ok := cmd.(GetInfo); !ok {
		t.Fatalf("got %T, want GetInfo", cmd)
	}

	cmd, err = p.Next()
	if err != nil {
		t.Fatalf("settck: %v", err)
	}
	if c, ok := cmd.(SetTCK); !ok || c.PeriodNS != 1000 {
		t.Fatalf("got %#v, want SetTCK{1000}", cmd)
	}

	cmd, err = p.Next()
	if err != nil {
		t.Fatalf("shift: %v", err)
	}
	sh, ok := cmd.(Shift)
	if !ok {
		t.Fatalf("got %T, want Shift", cmd)
	}
	if sh.Bits != 13 || sh.TMS.Len() != 13 || sh.TDI.Len() != 13 {
		t.Fatalf("shift lengths bits=%d tms=%d tdi=%d", sh.Bits, sh.TMS.Len(), sh.TDI.Len())
	}
	// High bits of the last byte are ignored.
	if got := sh.TMS.Encode(); !bytes.Equal(got, []byte{0xFF, 0x1F}) {
		t.Errorf("tms = %X", got)
	}
	if got := sh.TDI.Encode(); !bytes.Equal(got, []byte{0xAA, 0x15}) {
		t.Errorf("tdi = %X", got)
	}
	if p.State() != StateAwaitCommand {
		t.Errorf("state after shift %s", p.State())
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
	if p.State() != StateClosed {
		t.Errorf("state after EOF %s", p.State())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
		state State
	}{
		{"unknown snippet", []byte("xx"), ErrUnknownCommand, StateClosed},
		{"bad keyword tail", []byte("getinfx:"), ErrUnknownCommand, StateClosed},
		{"half snippet", []byte("g"), ErrTruncatedInput, StateClosed},
		{"short keyword", []byte("shi"), ErrTruncatedInput, StateClosed},
		{"short period", []byte("settck:\x01\x02"), ErrTruncatedInput, StateClosed},
		{"short length", []byte("shift:\x08"), ErrTruncatedInput, StateClosed},
		{"short vectors", []byte("shift:\x10\x00\x00\x00\x01\x02\x03"), ErrTruncatedInput, StateClosed},
		{"too long", []byte("shift:\x01\x01\x00\x00"), jtag.ErrLengthExceeded, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(bytes.NewReader(tt.input), 64)
			if _, err := p.Next(); !errors.Is(err, tt.want) {
				t.Fatalf("Next() error = %v, want %v", err, tt.want)
			}
			if p.State() != tt.state {
				t.Fatalf("state = %s, want %s", p.State(), tt.state)
			}
			if _, err := p.Next(); err == nil {
				t.Fatal("closed parser returned a command")
			}
		})
	}
}

// The length limit is enforced before any payload byte is consumed.
func TestParseLengthCheckedBeforePayload(t *testing.T) {
	r := &countingReader{r: strings.NewReader("shift:\x00\x10\x00\x00" + strings.Repeat("\x00", 1024))}
	p := NewParser(r, 2048)
	if _, err := p.Next(); !errors.Is(err, jtag.ErrLengthExceeded) {
		t.Fatalf("expected ErrLengthExceeded, got %v", err)
	}
	if r.n != len("shift:")+4 {
		t.Fatalf("parser consumed %d bytes, want %d", r.n, len("shift:")+4)
	}
}

func TestParseZeroBitShift(t *testing.T) {
	p := NewParser(strings.NewReader("shift:\x00\x00\x00\x00getinfo:"), 64)
	cmd, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if sh := cmd.(Shift); sh.Bits != 0 || sh.TMS.Len() != 0 {
		t.Fatalf("unexpected shift %#v", sh)
	}
	if cmd, err := p.Next(); err != nil || cmd.Name() != "getinfo" {
		t.Fatalf("command after empty shift: %v %v", cmd, err)
	}
}

func TestEncodeParsesBack(t *testing.T) {
	tms := bitvec.FromBools([]bool{true, false, true, true, false, false, true, false, true})
	tdi := bitvec.FromBools([]bool{false, true, true, false, true, false, false, true, true})
	cmds := []Command{GetInfo{}, SetTCK{PeriodNS: 250}, Shift{Bits: 9, TMS: tms, TDI: tdi}}

	var in bytes.Buffer
	for _, c := range cmds {
		in.Write(Encode(c))
	}
	p := NewParser(&in, 64)
	for i, want := range cmds {
		got, err := p.Next()
		if err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
		if got.Name() != want.Name() {
			t.Fatalf("command %d = %s, want %s", i, got.Name(), want.Name())
		}
	}
	if got := Encode(Shift{Bits: 9, TMS: tms, TDI: tdi}); len(got) != len("shift:")+4+2+2 {
		t.Errorf("encoded shift is %d bytes", len(got))
	}
}

func TestInfoResponse(t *testing.T) {
	if got := string(InfoResponse(2048)); got != "xvcServer_v1.0:512\n" {
		t.Fatalf("InfoResponse(2048) = %q", got)
	}
	if got := PeriodResponse(0x01020304); !bytes.Equal(got, []byte{4, 3, 2, 1}) {
		t.Fatalf("PeriodResponse = %X", got)
	}
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
