package xvc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// captureIRDetour is the TMS stream ISE sends from Exit1-IR when it routes
// through Capture-IR. Clocking it corrupts the instruction register, so the
// handler answers it without touching the bus.
var captureIRDetour = bitvec.FromBools([]bool{true, true, true, false, true})

// captureIRReply is the canned TDO for captureIRDetour.
const captureIRReply = 0x1f

// DeviceError wraps a failure reported by the JTAG session while serving a
// command.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("xvc: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Handler executes XVC commands against a session shared by every
// connection.
type Handler struct {
	session    jtag.Session
	tracker    *tap.Tracker
	workaround bool
}

// NewHandler binds a session to a TAP tracker. workaround enables the
// Capture-IR reply.
func NewHandler(s jtag.Session, tracker *tap.Tracker, workaround bool) *Handler {
	if tracker == nil {
		tracker = tap.NewTracker()
	}
	return &Handler{session: s, tracker: tracker, workaround: workaround}
}

// Tracker exposes the TAP state the handler follows.
func (h *Handler) Tracker() *tap.Tracker {
	return h.tracker
}

// MaxVectorLength is the shift limit enforced on every connection.
func (h *Handler) MaxVectorLength() uint32 {
	return h.session.MaxVectorLength()
}

// Execute runs one command and returns its response bytes.
func (h *Handler) Execute(cmd Command, log *logrus.Entry) ([]byte, error) {
	recordCommand(cmd)
	switch c := cmd.(type) {
	case GetInfo:
		resp := InfoResponse(h.MaxVectorLength())
		log.Debugf("getinfo -> %q", resp)
		return resp, nil

	case SetTCK:
		got, err := h.session.SetClockPeriod(c.PeriodNS)
		if err != nil {
			return nil, &DeviceError{Op: "settck", Err: err}
		}
		log.Debugf("settck %dns -> %dns", c.PeriodNS, got)
		return PeriodResponse(got), nil

	case Shift:
		return h.shift(c, log)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
}

func (h *Handler) shift(c Shift, log *logrus.Entry) ([]byte, error) {
	if c.Bits == 0 {
		log.Debug("shift 0 bits")
		return []byte{}, nil
	}

	var (
		tdo     bitvec.Vector
		skipped bool
	)
	_, err := h.tracker.Step(c.TMS, func(cur tap.State) (bool, error) {
		if h.workaround && cur == tap.StateExit1IR && c.TMS.Equal(captureIRDetour) {
			skipped = true
			return false, nil
		}
		start := time.Now()
		out, err := h.session.ShiftBits(c.TMS, c.TDI)
		if err != nil {
			return false, err
		}
		recordShift(c.Bits, time.Since(start))
		tdo = out
		return true, nil
	})
	if err != nil {
		return nil, &DeviceError{Op: "shift", Err: err}
	}
	if skipped {
		log.Debug("avoiding route via Capture-IR")
		return []byte{captureIRReply}, nil
	}

	log.Debugf("shift %d bits", c.Bits)
	if log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		log.Tracef("tms %s", c.TMS)
		log.Tracef("tdi %s", c.TDI)
		log.Tracef("tdo %s", tdo)
	}
	return tdo.Encode(), nil
}

// ServeConn reads and answers commands until the peer disconnects or a
// command fails. A clean disconnect between commands returns nil; on any
// error the connection gets no further response.
func (h *Handler) ServeConn(rw io.ReadWriter, log *logrus.Entry) error {
	p := NewParser(rw, h.MaxVectorLength())
	for {
		cmd, err := p.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		resp, err := h.Execute(cmd, log)
		if err != nil {
			return err
		}
		if len(resp) == 0 {
			continue
		}
		if _, err := rw.Write(resp); err != nil {
			return fmt.Errorf("xvc: write %s response: %w", cmd.Name(), err)
		}
	}
}

// closeReason labels why a connection ended.
func closeReason(err error) string {
	var devErr *DeviceError
	switch {
	case err == nil:
		return "eof"
	case errors.As(err, &devErr):
		return "device_error"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, jtag.ErrLengthExceeded):
		return "length_exceeded"
	case errors.Is(err, ErrTruncatedInput):
		return "truncated"
	}
	return "io_error"
}
