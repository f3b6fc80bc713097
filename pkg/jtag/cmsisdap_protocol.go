package jtag

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DAP command bytes used by the session.
const (
	dapInfo         = 0x00
	dapConnect      = 0x02
	dapDisconnect   = 0x03
	dapSWJClock     = 0x11
	dapJTAGSequence = 0x14
)

// DAP_Info string identifiers.
const (
	dapInfoVendor   = 0x01
	dapInfoProduct  = 0x02
	dapInfoSerial   = 0x03
	dapInfoFirmware = 0x04
)

const (
	dapPortJTAG = 2
	dapStatusOK = 0x00
)

// Sequence info byte: bits 5:0 clock count (0 encodes 64), bit 6 TMS,
// bit 7 capture TDO.
const (
	seqCountMask = 0x3F
	seqTMS       = 0x40
	seqCapture   = 0x80

	maxSequenceTCK = 64
)

var (
	errDAPShort   = errors.New("cmsis-dap: short response")
	errDAPEcho    = errors.New("cmsis-dap: response for another command")
	errDAPRefused = errors.New("cmsis-dap: command refused")
)

// dapSequence is one DAP_JTAG_Sequence entry: up to 64 clocks at a fixed
// TMS level.
type dapSequence struct {
	info byte
	tdi  []byte
}

func newDAPSequence(clocks int, tms, capture bool, tdi []byte) dapSequence {
	info := byte(clocks & seqCountMask)
	if tms {
		info |= seqTMS
	}
	if capture {
		info |= seqCapture
	}
	return dapSequence{info: info, tdi: tdi}
}

func (q dapSequence) clocks() int {
	if n := int(q.info & seqCountMask); n != 0 {
		return n
	}
	return maxSequenceTCK
}

func (q dapSequence) tms() bool      { return q.info&seqTMS != 0 }
func (q dapSequence) captures() bool { return q.info&seqCapture != 0 }

func (q dapSequence) requestSize() int { return 1 + len(q.tdi) }

func (q dapSequence) responseSize() int {
	if !q.captures() {
		return 0
	}
	return (q.clocks() + 7) / 8
}

// dapCodec builds requests and checks responses for one probe's packet
// size.
type dapCodec struct {
	packetSize int
}

// checkResponse verifies the echoed command byte and, when status is set,
// the status byte following it.
func checkResponse(resp []byte, cmd byte, status bool) error {
	if len(resp) < 2 {
		return fmt.Errorf("%w (%d bytes)", errDAPShort, len(resp))
	}
	if resp[0] != cmd {
		return fmt.Errorf("%w: sent 0x%02X, got 0x%02X", errDAPEcho, cmd, resp[0])
	}
	if status && resp[1] != dapStatusOK {
		return fmt.Errorf("%w: command 0x%02X status 0x%02X", errDAPRefused, cmd, resp[1])
	}
	return nil
}

func (dapCodec) infoRequest(id byte) []byte { return []byte{dapInfo, id} }

// parseInfo returns the string carried by a DAP_Info response.
func (dapCodec) parseInfo(resp []byte) (string, error) {
	if err := checkResponse(resp, dapInfo, false); err != nil {
		return "", err
	}
	n := int(resp[1])
	if len(resp) < 2+n {
		return "", fmt.Errorf("%w: info string wants %d bytes", errDAPShort, n)
	}
	return string(resp[2 : 2+n]), nil
}

func (dapCodec) connectRequest(port byte) []byte { return []byte{dapConnect, port} }

// parseConnect returns the port the probe switched to. Zero means refused.
func (dapCodec) parseConnect(resp []byte) (byte, error) {
	if err := checkResponse(resp, dapConnect, false); err != nil {
		return 0, err
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("%w: connect", errDAPRefused)
	}
	return resp[1], nil
}

func (dapCodec) disconnectRequest() []byte { return []byte{dapDisconnect} }

func (dapCodec) clockRequest(hz uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{dapSWJClock}, hz)
}

func (dapCodec) sequenceRequest(seqs []dapSequence) []byte {
	size := 2
	for _, q := range seqs {
		size += q.requestSize()
	}
	cmd := make([]byte, 0, size)
	cmd = append(cmd, dapJTAGSequence, byte(len(seqs)))
	for _, q := range seqs {
		cmd = append(cmd, q.info)
		cmd = append(cmd, q.tdi...)
	}
	return cmd
}

// parseSequence splits the captured TDO bytes of a DAP_JTAG_Sequence
// response by entry. Entries without capture get a nil slice.
func (dapCodec) parseSequence(resp []byte, seqs []dapSequence) ([][]byte, error) {
	if err := checkResponse(resp, dapJTAGSequence, true); err != nil {
		return nil, err
	}
	out := make([][]byte, len(seqs))
	off := 2
	for i, q := range seqs {
		n := q.responseSize()
		if n == 0 {
			continue
		}
		if off+n > len(resp) {
			return nil, fmt.Errorf("%w: TDO for entry %d", errDAPShort, i)
		}
		out[i] = resp[off : off+n]
		off += n
	}
	return out, nil
}

// batch groups sequences into commands whose request and response each fit
// one packet. A command holds at most 255 entries.
func (c dapCodec) batch(seqs []dapSequence) [][]dapSequence {
	var (
		batches [][]dapSequence
		cur     []dapSequence
		reqLen  = 2
		respLen = 2
	)
	for _, q := range seqs {
		full := len(cur) == 255 ||
			reqLen+q.requestSize() > c.packetSize ||
			respLen+q.responseSize() > c.packetSize
		if full && len(cur) > 0 {
			batches = append(batches, cur)
			cur, reqLen, respLen = nil, 2, 2
		}
		cur = append(cur, q)
		reqLen += q.requestSize()
		respLen += q.responseSize()
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
