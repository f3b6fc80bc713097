// Package xvc implements the Xilinx Virtual Cable 1.0 protocol on top of a
// jtag.Session: command parsing, response encoding, per-connection handling
// and the TCP server.
package xvc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

// Version is the protocol version announced by getinfo.
const Version = "1.0"

var (
	// ErrUnknownCommand means the stream did not start with a known keyword.
	ErrUnknownCommand = errors.New("xvc: unknown command")
	// ErrTruncatedInput means the peer closed mid-command.
	ErrTruncatedInput = bitvec.ErrTruncatedInput
)

// Command is one parsed request: GetInfo, SetTCK or Shift.
type Command interface {
	Name() string
	isCommand()
}

// GetInfo asks for the server version and vector budget.
type GetInfo struct{}

// SetTCK requests a TCK period.
type SetTCK struct {
	PeriodNS uint32
}

// Shift clocks Bits cycles of TMS/TDI and expects TDO back.
type Shift struct {
	Bits uint32
	TMS  bitvec.Vector
	TDI  bitvec.Vector
}

func (GetInfo) Name() string { return "getinfo" }
func (SetTCK) Name() string  { return "settck" }
func (Shift) Name() string   { return "shift" }

func (GetInfo) isCommand() {}
func (SetTCK) isCommand()  {}
func (Shift) isCommand()   {}

// State is the parser position within a connection.
type State uint8

const (
	StateAwaitCommand State = iota
	StateReadingPayload
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitCommand:
		return "await-command"
	case StateReadingPayload:
		return "reading-payload"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// keywords maps the two-byte snippet that opens each command to the rest of
// its keyword.
var keywords = map[string]string{
	"ge": "tinfo:",
	"se": "ttck:",
	"sh": "ift:",
}

// Parser reads commands from a byte stream. A Parser that returned an error
// is Closed and stays Closed.
type Parser struct {
	r       io.Reader
	maxBits uint32
	state   State
}

// NewParser reads from r and rejects shifts longer than maxBits before their
// payload is read.
func NewParser(r io.Reader, maxBits uint32) *Parser {
	return &Parser{r: r, maxBits: maxBits}
}

// State reports where the parser is.
func (p *Parser) State() State {
	return p.state
}

// Next reads one full command. It returns io.EOF when the peer closed
// cleanly between commands.
func (p *Parser) Next() (Command, error) {
	if p.state == StateClosed {
		return nil, io.ErrClosedPipe
	}
	cmd, err := p.next()
	if err != nil {
		p.state = StateClosed
		return nil, err
	}
	p.state = StateAwaitCommand
	return cmd, nil
}

func (p *Parser) next() (Command, error) {
	var snippet [2]byte
	if n, err := io.ReadFull(p.r, snippet[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated("command", err)
	}
	rest, ok := keywords[string(snippet[:])]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, snippet[:])
	}
	kw := make([]byte, len(rest))
	if _, err := io.ReadFull(p.r, kw); err != nil {
		return nil, truncated("command", err)
	}
	if string(kw) != rest {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, append(snippet[:], kw...))
	}

	switch snippet[1] {
	case 'e':
		if snippet[0] == 'g' {
			return GetInfo{}, nil
		}
		p.state = StateReadingPayload
		v, err := p.readU32("settck period")
		if err != nil {
			return nil, err
		}
		return SetTCK{PeriodNS: v}, nil
	default:
		p.state = StateReadingPayload
		return p.readShift()
	}
}

func (p *Parser) readShift() (Command, error) {
	n, err := p.readU32("shift length")
	if err != nil {
		return nil, err
	}
	if n > p.maxBits {
		return nil, fmt.Errorf("%w: shift of %d bits, limit %d", jtag.ErrLengthExceeded, n, p.maxBits)
	}

	size := bitvec.ByteLen(int(n))
	buf := make([]byte, 2*size)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, truncated("shift vectors", err)
	}
	tms, err := bitvec.Decode(buf[:size], int(n))
	if err != nil {
		return nil, err
	}
	tdi, err := bitvec.Decode(buf[size:], int(n))
	if err != nil {
		return nil, err
	}
	return Shift{Bits: n, TMS: tms, TDI: tdi}, nil
}

func (p *Parser) readU32(what string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(p.r, b[:]); err != nil {
		return 0, truncated(what, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// truncated maps short reads to ErrTruncatedInput; other I/O errors pass
// through.
func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncatedInput, what)
	}
	return fmt.Errorf("xvc: read %s: %w", what, err)
}

// InfoResponse is the getinfo reply. The advertised vector length is the XVC
// byte budget for TMS plus TDI, so maxBits bits per vector need maxBits/4
// bytes.
func InfoResponse(maxBits uint32) []byte {
	return []byte(fmt.Sprintf("xvcServer_v%s:%d\n", Version, maxBits/4))
}

// PeriodResponse encodes the accepted TCK period.
func PeriodResponse(ns uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], ns)
	return b[:]
}

// Encode renders cmd in wire format. Clients and tests use it to build
// requests.
func Encode(cmd Command) []byte {
	switch c := cmd.(type) {
	case GetInfo:
		return []byte("getinfo:")
	case SetTCK:
		return append([]byte("settck:"), PeriodResponse(c.PeriodNS)...)
	case Shift:
		out := append([]byte("shift:"), PeriodResponse(c.Bits)...)
		out = append(out, c.TMS.Encode()...)
		return append(out, c.TDI.Encode()...)
	}
	return nil
}
