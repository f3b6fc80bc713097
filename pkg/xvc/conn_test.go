package xvc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.TraceLevel)
	return logrus.NewEntry(l)
}

// startConn serves one end of a pipe with h and returns the client end.
func startConn(t *testing.T, h *Handler) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		err := h.ServeConn(server, testLog())
		server.Close()
		done <- err
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func roundTrip(t *testing.T, c net.Conn, req []byte, respLen int) []byte {
	t.Helper()
	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatalf("read %d byte response: %v", respLen, err)
	}
	return resp
}

func shiftRequest(n uint32, tms, tdi []byte) []byte {
	req := append([]byte("shift:"), PeriodResponse(n)...)
	req = append(req, tms...)
	return append(req, tdi...)
}

// expectClosed checks the server closed the connection without writing.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Fatalf("expected close without response, got %d bytes (%X) err=%v", n, buf[:n], err)
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
	return nil
}

func TestGetInfo(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	c, _ := startConn(t, NewHandler(sim, nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte("getinfo:")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := make([]byte, 64)
	n, err := c.Read(resp)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(resp[:n])
	if !strings.HasPrefix(got, "xvcServer_v1.0:") || !strings.HasSuffix(got, "\n") {
		t.Fatalf("getinfo = %q", got)
	}
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(got, "xvcServer_v1.0:"), "\n"))
	if err != nil || v <= 0 || uint32(v) > sim.MaxVectorLength() {
		t.Fatalf("advertised length %q out of range", got)
	}
}

func TestSetTCK(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{MinPeriodNS: 40})
	c, _ := startConn(t, NewHandler(sim, nil, true))

	fastest := roundTrip(t, c, []byte("settck:\x00\x00\x00\x00"), 4)
	if p := binary.LittleEndian.Uint32(fastest); p < 40 {
		t.Fatalf("fastest period %d below backend minimum", p)
	}

	req := append([]byte("settck:"), PeriodResponse(1000)...)
	first := roundTrip(t, c, req, 4)
	second := roundTrip(t, c, req, 4)
	if !bytes.Equal(first, second) || !bytes.Equal(first, PeriodResponse(1000)) {
		t.Fatalf("settck not idempotent: %X then %X", first, second)
	}
	if sim.ClockPeriod() != 1000 {
		t.Errorf("session period %d, want 1000", sim.ClockPeriod())
	}
}

func TestShiftLoopback(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	c, _ := startConn(t, NewHandler(sim, nil, true))

	resp := roundTrip(t, c, shiftRequest(8, []byte{0x00}, []byte{0xFF}), 1)
	if resp[0] != 0xFF {
		t.Fatalf("TDO = %02X, want FF", resp[0])
	}
}

func TestShiftLengthInvariant(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	c, _ := startConn(t, NewHandler(sim, nil, false))

	for n := 1; n <= 64; n++ {
		size := bitvec.ByteLen(n)
		tms := bytes.Repeat([]byte{0x00}, size)
		tdi := bytes.Repeat([]byte{0xA5}, size)
		resp := roundTrip(t, c, shiftRequest(uint32(n), tms, tdi), size)

		last := sim.LastShift()
		if last.TMS.Len() != n || last.TDI.Len() != n {
			t.Fatalf("n=%d: session saw tms=%d tdi=%d bits", n, last.TMS.Len(), last.TDI.Len())
		}
		want, _ := bitvec.Decode(tdi, n)
		if !bytes.Equal(resp, want.Encode()) {
			t.Fatalf("n=%d: TDO %X, want %X", n, resp, want.Encode())
		}
	}
}

func TestShiftZeroBits(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	c, _ := startConn(t, NewHandler(sim, nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(shiftRequest(0, nil, nil)); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The empty reply writes nothing; the next command's reply comes first.
	resp := roundTrip(t, c, append([]byte("settck:"), PeriodResponse(500)...), 4)
	if !bytes.Equal(resp, PeriodResponse(500)) {
		t.Fatalf("settck after empty shift = %X", resp)
	}
	if shifts, _ := sim.Counts(); shifts != 0 {
		t.Fatalf("empty shift reached the session %d times", shifts)
	}
}

func TestShiftTooLongClosesWithoutResponse(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{MaxVectorLength: 32})
	c, done := startConn(t, NewHandler(sim, nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(append([]byte("shift:"), PeriodResponse(33)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, c)
	if err := waitErr(t, done); !errors.Is(err, jtag.ErrLengthExceeded) {
		t.Fatalf("handler error = %v, want ErrLengthExceeded", err)
	}
	if shifts, _ := sim.Counts(); shifts != 0 {
		t.Fatal("oversized shift reached the session")
	}
}

func TestUnknownCommandClosesWithoutResponse(t *testing.T) {
	c, done := startConn(t, NewHandler(jtag.NewSimSession(jtag.SimConfig{}), nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, c)
	if err := waitErr(t, done); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("handler error = %v, want ErrUnknownCommand", err)
	}
}

func TestTruncatedShift(t *testing.T) {
	c, done := startConn(t, NewHandler(jtag.NewSimSession(jtag.SimConfig{}), nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(append(append([]byte("shift:"), PeriodResponse(16)...), 0x01, 0x02)); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.Close()
	if err := waitErr(t, done); !errors.Is(err, ErrTruncatedInput) {
		t.Fatalf("handler error = %v, want ErrTruncatedInput", err)
	}
}

func TestCleanDisconnect(t *testing.T) {
	c, done := startConn(t, NewHandler(jtag.NewSimSession(jtag.SimConfig{}), nil, true))
	roundTrip(t, c, []byte("getinfo:"), len(InfoResponse(jtag.DefaultMaxVectorLength)))
	c.Close()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("clean disconnect returned %v", err)
	}
}

// toExit1IR walks Test-Logic-Reset to Exit1-IR: 0,1,1,0,0,1.
var toExit1IR = shiftRequest(6, []byte{0x26}, []byte{0x00})

// detour is ISE's 1,1,1,0,1 TMS stream.
var detour = shiftRequest(5, []byte{0x17}, []byte{0x00})

func TestCaptureIRWorkaround(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	h := NewHandler(sim, nil, true)
	c, _ := startConn(t, h)

	roundTrip(t, c, toExit1IR, 1)
	if h.Tracker().State() != tap.StateExit1IR {
		t.Fatalf("tracker in %s, want Exit1IR", h.Tracker().State())
	}

	resp := roundTrip(t, c, detour, 1)
	if resp[0] != 0x1f {
		t.Fatalf("detour reply = %02X, want 1F", resp[0])
	}
	if shifts, _ := sim.Counts(); shifts != 1 {
		t.Fatalf("detour was clocked: %d shifts", shifts)
	}
	if h.Tracker().State() != tap.StateExit1IR {
		t.Errorf("tracker moved to %s", h.Tracker().State())
	}

	// The same stream from another state is clocked normally.
	roundTrip(t, c, shiftRequest(1, []byte{0x01}, []byte{0x00}), 1) // -> UpdateIR
	resp = roundTrip(t, c, detour, 1)
	if resp[0] != 0x00 {
		t.Fatalf("loopback TDO = %02X, want 00", resp[0])
	}
	if shifts, _ := sim.Counts(); shifts != 3 {
		t.Fatalf("got %d shifts, want 3", shifts)
	}
}

func TestCaptureIRWorkaroundDisabled(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	c, _ := startConn(t, NewHandler(sim, nil, false))

	roundTrip(t, c, toExit1IR, 1)
	if resp := roundTrip(t, c, detour, 1); resp[0] != 0x00 {
		t.Fatalf("detour reply = %02X, want loopback 00", resp[0])
	}
	if shifts, _ := sim.Counts(); shifts != 2 {
		t.Fatalf("got %d shifts, want 2", shifts)
	}
}

func TestDeviceErrorClosesConnection(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	sim.SetFault(errors.New("cable unplugged"))
	c, done := startConn(t, NewHandler(sim, nil, true))

	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(shiftRequest(8, []byte{0x00}, []byte{0xFF})); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, c)

	err := waitErr(t, done)
	var devErr *DeviceError
	if !errors.As(err, &devErr) || !errors.Is(err, jtag.ErrDeviceUnavailable) {
		t.Fatalf("handler error = %v, want DeviceError wrapping ErrDeviceUnavailable", err)
	}
	if devErr.Op != "shift" {
		t.Errorf("DeviceError.Op = %q", devErr.Op)
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "eof"},
		{&DeviceError{Op: "shift", Err: jtag.ErrDeviceUnavailable}, "device_error"},
		{ErrUnknownCommand, "unknown_command"},
		{jtag.ErrLengthExceeded, "length_exceeded"},
		{ErrTruncatedInput, "truncated"},
		{io.ErrClosedPipe, "io_error"},
	}
	for _, tt := range tests {
		if got := closeReason(tt.err); got != tt.want {
			t.Errorf("closeReason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
