package jtag

import (
	"fmt"
	"strconv"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver drives GPIO through periph.io, which covers Raspberry Pi,
// Allwinner boards and the Linux sysfs fallback.
type PeriphDriver struct {
	pins map[int]gpio.PinIO
}

// OpenPeriphDriver loads the periph host drivers. Pins are resolved on
// first use.
func OpenPeriphDriver() (*PeriphDriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, unavailable("periph host init", err)
	}
	return &PeriphDriver{pins: map[int]gpio.PinIO{}}, nil
}

func (d *PeriphDriver) lookup(pin int) (gpio.PinIO, error) {
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	p := gpioreg.ByName(strconv.Itoa(pin))
	if p == nil {
		return nil, fmt.Errorf("gpio %d not found", pin)
	}
	d.pins[pin] = p
	return p, nil
}

// Output resolves pin and drives it low.
func (d *PeriphDriver) Output(pin int) error {
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

// Input resolves pin and makes it a floating or pulled-up input.
func (d *PeriphDriver) Input(pin int, pullUp bool) error {
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	pull := gpio.Float
	if pullUp {
		pull = gpio.PullUp
	}
	return p.In(pull, gpio.NoEdge)
}

// Write ignores errors; pins were validated by Output.
func (d *PeriphDriver) Write(pin int, high bool) {
	if p, ok := d.pins[pin]; ok {
		_ = p.Out(gpio.Level(high))
	}
}

// Read samples pin. Unresolved pins read low.
func (d *PeriphDriver) Read(pin int) bool {
	if p, ok := d.pins[pin]; ok {
		return bool(p.Read())
	}
	return false
}

// Close halts every resolved pin.
func (d *PeriphDriver) Close() error {
	for pin, p := range d.pins {
		if err := p.Halt(); err != nil {
			logger.Debugf("gpio %d halt: %v", pin, err)
		}
	}
	return nil
}
