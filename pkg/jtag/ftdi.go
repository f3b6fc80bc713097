package jtag

import (
	"fmt"
	"time"

	"github.com/google/gousb"
	"periph.io/x/conn/v3/physic"
)

// FTDI SIO vendor requests.
const (
	ftdiReqReset      = 0x00
	ftdiReqSetBaud    = 0x03
	ftdiReqSetLatency = 0x09
	ftdiReqSetBitmode = 0x0B

	ftdiResetSIO = 0
	ftdiPurgeRX  = 1
	ftdiPurgeTX  = 2

	ftdiModeReset  = 0x00
	ftdiModeMPSSE  = 0x02
	ftdiModeSyncBB = 0x04

	// ftdiBaudClock feeds the baud divisor; in synchronous bit-bang mode the
	// port is updated once per baud tick.
	ftdiBaudClock   = 3 * physic.MegaHertz
	ftdiMaxDivisor  = 0x3FFF
	ftdiStatusBytes = 2
	ftdiChunk       = 256
	ftdiLatencyMS   = 2
)

// FTDI USB identifiers.
const (
	VendorIDFTDI     = 0x0403
	ProductIDFT2232  = 0x6010
	ProductIDFT4232H = 0x6011
	ProductIDFT232R  = 0x6001
)

// ftdiPort is one claimed FTDI channel. Both the bit-bang engine and the
// MPSSE session talk to the chip through it.
type ftdiPort struct {
	link  *usbLink
	index uint16 // channel: 1 = A, 2 = B, ...
}

func openFTDIPort(vid, pid uint16, iface int) (*ftdiPort, error) {
	if iface < 1 {
		iface = 1
	}
	link, err := openUSB(vid, pid, func(gousb.ConfigDesc) int { return iface - 1 })
	if err != nil {
		return nil, err
	}
	return &ftdiPort{link: link, index: uint16(iface)}, nil
}

// setMode resets the channel and enters the given bit mode with direction
// as the output mask.
func (p *ftdiPort) setMode(mode, direction byte) error {
	steps := []struct {
		req        uint8
		value      uint16
		whatFailed string
	}{
		{ftdiReqReset, ftdiResetSIO, "reset"},
		{ftdiReqSetLatency, ftdiLatencyMS, "latency"},
		{ftdiReqSetBitmode, uint16(ftdiModeReset)<<8 | uint16(direction), "bitmode reset"},
		{ftdiReqSetBitmode, uint16(mode)<<8 | uint16(direction), "bitmode"},
		{ftdiReqReset, ftdiPurgeRX, "purge rx"},
		{ftdiReqReset, ftdiPurgeTX, "purge tx"},
	}
	for _, st := range steps {
		if err := p.link.control(st.req, st.value, p.index); err != nil {
			return fmt.Errorf("%s: %w", st.whatFailed, err)
		}
	}
	logger.Debugf("ftdi %04X:%04X channel %d mode=0x%02X dir=0x%02X", p.link.vid, p.link.pid, p.index, mode, direction)
	return nil
}

func (p *ftdiPort) write(b []byte) error {
	_, err := p.link.write(b)
	return err
}

// readFull collects n data bytes, dropping the status header of every
// packet.
func (p *ftdiPort) readFull(n int) ([]byte, error) {
	in := make([]byte, 0, n)
	packet := p.link.packetSize
	if packet <= ftdiStatusBytes {
		packet = 64
	}
	buf := make([]byte, packet*((n+packet-1)/packet+1))
	deadline := time.Now().Add(p.link.timeout)

	for len(in) < n {
		got, err := p.link.read(buf)
		if err != nil {
			return nil, err
		}
		in = append(in, stripFTDIStatus(buf[:got], packet)...)
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: ftdi read timeout, %d of %d bytes", ErrDeviceUnavailable, len(in), n)
		}
	}
	return in[:n], nil
}

func (p *ftdiPort) info(name, mode string) AdapterInfo {
	manufacturer, product, serial := p.link.descriptor()
	return AdapterInfo{
		Name:         name,
		Vendor:       manufacturer,
		Model:        product,
		SerialNumber: serial,
		Notes:        fmt.Sprintf("FTDI %04X:%04X channel %c %s", p.link.vid, p.link.pid, 'A'+rune(p.index-1), mode),
	}
}

// close returns the channel to UART mode and releases USB.
func (p *ftdiPort) close() error {
	if p.link == nil {
		return nil
	}
	if err := p.link.control(ftdiReqSetBitmode, uint16(ftdiModeReset)<<8, p.index); err != nil {
		logger.Debugf("ftdi bitmode reset on close: %v", err)
	}
	err := p.link.Close()
	p.link = nil
	return err
}

// FTDIEngine drives one FTDI channel in synchronous bit-bang mode over
// libusb.
type FTDIEngine struct {
	port *ftdiPort
	rate physic.Frequency
}

// OpenFTDIEngine opens vid:pid, claims channel iface (1-based) and switches
// it to synchronous bit-bang with the given output mask.
func OpenFTDIEngine(vid, pid uint16, iface int, direction byte) (*FTDIEngine, error) {
	port, err := openFTDIPort(vid, pid, iface)
	if err != nil {
		return nil, err
	}
	if err := port.setMode(ftdiModeSyncBB, direction); err != nil {
		port.close()
		return nil, fmt.Errorf("ftdi init: %w", err)
	}
	return &FTDIEngine{port: port}, nil
}

// Info describes the opened device.
func (e *FTDIEngine) Info(name string) AdapterInfo {
	return e.port.info(name, "sync bit-bang")
}

func (e *FTDIEngine) MaxRate() physic.Frequency {
	return ftdiBaudClock
}

func (e *FTDIEngine) ChunkSize() int {
	return ftdiChunk
}

// SetRate programs the integer baud divisor closest to f without exceeding it.
func (e *FTDIEngine) SetRate(f physic.Frequency) (physic.Frequency, error) {
	div := ftdiDivisor(f)
	if err := e.port.link.control(ftdiReqSetBaud, uint16(div), e.port.index); err != nil {
		return e.rate, err
	}
	e.rate = ftdiBaudClock / physic.Frequency(div)
	return e.rate, nil
}

func ftdiDivisor(f physic.Frequency) int64 {
	if f <= 0 || f >= ftdiBaudClock {
		return 1
	}
	div := int64((ftdiBaudClock + f - 1) / f)
	if div > ftdiMaxDivisor {
		div = ftdiMaxDivisor
	}
	return div
}

// Transfer writes out and collects one sampled byte per written byte.
func (e *FTDIEngine) Transfer(out []byte) ([]byte, error) {
	if err := e.port.write(out); err != nil {
		return nil, err
	}
	return e.port.readFull(len(out))
}

// stripFTDIStatus removes the two modem-status bytes heading every packet.
func stripFTDIStatus(raw []byte, packet int) []byte {
	var data []byte
	for off := 0; off < len(raw); off += packet {
		end := off + packet
		if end > len(raw) {
			end = len(raw)
		}
		if end-off > ftdiStatusBytes {
			data = append(data, raw[off+ftdiStatusBytes:end]...)
		}
	}
	return data
}

// Close returns the channel to normal UART mode and releases USB.
func (e *FTDIEngine) Close() error {
	if e.port == nil {
		return nil
	}
	err := e.port.close()
	e.port = nil
	return err
}
