package jtag

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// DefaultUSBTimeout bounds every bulk transfer.
const DefaultUSBTimeout = 2 * time.Second

// usbLink owns an opened USB interface and its bulk endpoint pair.
type usbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration

	vid, pid uint16
}

// interfacePicker selects the interface number to claim from the active
// configuration. Returning -1 falls back to interface 0.
type interfacePicker func(desc gousb.ConfigDesc) int

// openUSB opens the first device matching vid:pid and claims the interface
// chosen by pick.
func openUSB(vid, pid uint16, pick interfacePicker) (*usbLink, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usb open %04X:%04X: %w", vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: device not found (VID:0x%04X PID:0x%04X)", ErrDeviceUnavailable, vid, pid)
	}

	// Not supported on every platform.
	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debugf("usb %04X:%04X: auto-detach: %v", vid, pid, err)
	}

	link := &usbLink{
		ctx:     ctx,
		dev:     dev,
		timeout: DefaultUSBTimeout,
		vid:     vid,
		pid:     pid,
	}
	if err := link.claim(pick); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

func (l *usbLink) claim(pick interfacePicker) error {
	cfgNum, err := l.dev.ActiveConfigNum()
	if err != nil || cfgNum == 0 {
		cfgNum = 1
	}
	cfg, err := l.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("usb config %d: %w", cfgNum, err)
	}
	l.cfg = cfg

	num := -1
	if pick != nil {
		num = pick(cfg.Desc)
	}
	if num < 0 {
		num = 0
	}

	intf, err := cfg.Interface(num, 0)
	if err != nil {
		return fmt.Errorf("usb claim interface %d: %w", num, err)
	}
	l.intf = intf
	return l.findEndpoints()
}

// findEndpoints opens the first bulk OUT and bulk IN endpoints of the
// claimed interface.
func (l *usbLink) findEndpoints() error {
	outNum, inNum := -1, -1
	for _, ep := range l.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outNum < 0:
			outNum = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inNum < 0:
			inNum = ep.Number
			l.packetSize = ep.MaxPacketSize
		}
	}
	if outNum < 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inNum < 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := l.intf.OutEndpoint(outNum)
	if err != nil {
		return fmt.Errorf("open OUT endpoint: %w", err)
	}
	epIn, err := l.intf.InEndpoint(inNum)
	if err != nil {
		return fmt.Errorf("open IN endpoint: %w", err)
	}
	l.epOut, l.epIn = epOut, epIn
	return nil
}

func (l *usbLink) write(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	n, err := l.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, unavailable("usb write", err)
	}
	return n, nil
}

func (l *usbLink) read(buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	n, err := l.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, unavailable("usb read", err)
	}
	return n, nil
}

// control issues a vendor OUT control request with no data stage.
func (l *usbLink) control(request uint8, value, index uint16) error {
	const vendorOut = 0x40
	if _, err := l.dev.Control(vendorOut, request, value, index, nil); err != nil {
		return unavailable(fmt.Sprintf("usb control 0x%02X", request), err)
	}
	return nil
}

func (l *usbLink) descriptor() (manufacturer, product, serial string) {
	manufacturer, _ = l.dev.Manufacturer()
	product, _ = l.dev.Product()
	serial, _ = l.dev.SerialNumber()
	return manufacturer, product, serial
}

// Close releases the interface, configuration, device and context.
func (l *usbLink) Close() error {
	if l.intf != nil {
		l.intf.Close()
		l.intf = nil
	}
	if l.cfg != nil {
		l.cfg.Close()
		l.cfg = nil
	}
	if l.dev != nil {
		l.dev.Close()
		l.dev = nil
	}
	if l.ctx != nil {
		l.ctx.Close()
		l.ctx = nil
	}
	return nil
}
