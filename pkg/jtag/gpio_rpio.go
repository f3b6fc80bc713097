package jtag

import (
	"github.com/stianeikeland/go-rpio/v4"
)

// RpioDriver drives Raspberry Pi GPIO through /dev/gpiomem.
type RpioDriver struct{}

// OpenRpioDriver maps the GPIO registers. It fails when /dev/gpiomem is
// missing or not accessible.
func OpenRpioDriver() (*RpioDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, unavailable("rpio open", err)
	}
	return &RpioDriver{}, nil
}

// Output switches pin to output mode.
func (d *RpioDriver) Output(pin int) error {
	rpio.Pin(pin).Output()
	return nil
}

// Input switches pin to input mode with the pull-up enabled or no pull.
func (d *RpioDriver) Input(pin int, pullUp bool) error {
	p := rpio.Pin(pin)
	p.Input()
	if pullUp {
		p.PullUp()
	} else {
		p.PullOff()
	}
	return nil
}

// Write drives pin high or low.
func (d *RpioDriver) Write(pin int, high bool) {
	if high {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
}

// Read samples pin.
func (d *RpioDriver) Read(pin int) bool {
	return rpio.Pin(pin).Read() == rpio.High
}

// Close unmaps the GPIO registers. Pins keep their last state.
func (d *RpioDriver) Close() error {
	return rpio.Close()
}
