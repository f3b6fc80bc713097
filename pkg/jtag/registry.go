package jtag

import (
	"fmt"
	"sort"
)

// FTDIOptions selects and wires an FTDI channel. Zero fields take the
// selector's preset.
type FTDIOptions struct {
	VID, PID  uint16
	Interface int // 1 = channel A
	Pins      *PinMap
	RateHz    int64 // initial TCK frequency, 0 = fastest
}

// CMSISDAPOptions selects a CMSIS-DAP probe.
type CMSISDAPOptions struct {
	VID, PID uint16
	SpeedHz  int64 // initial TCK frequency, 0 keeps the probe default
}

// GPIOOptions selects a pin driver and pin numbers.
type GPIOOptions struct {
	Driver   string
	Pins     GPIOPins
	PeriodNS uint32
}

// Options carries backend parameters for Open.
type Options struct {
	MaxVectorLength uint32

	FTDI     FTDIOptions
	CMSISDAP CMSISDAPOptions
	GPIO     GPIOOptions
	Sim      SimConfig
}

type opener func(name string, opts Options) (Session, error)

// ftdiPreset describes a board with a fixed FTDI part and wiring.
type ftdiPreset struct {
	vid, pid  uint16
	iface     int
	pins      PinMap
	shortName string
}

var ftdiPresets = map[string]ftdiPreset{
	"ftdi":         {VendorIDFTDI, ProductIDFT2232, 1, DefaultPinMap, "FTDI"},
	"papilio_one":  {VendorIDFTDI, ProductIDFT2232, 1, DefaultPinMap, "Papilio One"},
	"ft4232h_gpio": {VendorIDFTDI, ProductIDFT4232H, 1, DefaultPinMap, "FT4232H GPIO"},
}

var openers = map[string]opener{
	"sim":       openSim,
	"cmsis-dap": openCMSISDAP,
	"gpio":      openGPIO,
	"ft4232h":   openMPSSE,
	"xula":      openXuLA,
}

func init() {
	for name := range ftdiPresets {
		openers[name] = openFTDI
	}
}

// Selectors lists the adapter names accepted by Open.
func Selectors() []string {
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the Session named by selector.
func Open(selector string, opts Options) (Session, error) {
	open, ok := openers[selector]
	if !ok {
		return nil, fmt.Errorf("jtag: unknown adapter %q (have %v)", selector, Selectors())
	}
	s, err := open(selector, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", selector, err)
	}
	logger.Debugf("opened %s: %+v", selector, s.Info())
	return s, nil
}

func openSim(_ string, opts Options) (Session, error) {
	cfg := opts.Sim
	if cfg.MaxVectorLength == 0 {
		cfg.MaxVectorLength = opts.MaxVectorLength
	}
	return NewSimSession(cfg), nil
}

func openFTDI(name string, opts Options) (Session, error) {
	preset := ftdiPresets[name]
	o := opts.FTDI
	if o.VID == 0 {
		o.VID = preset.vid
	}
	if o.PID == 0 {
		o.PID = preset.pid
	}
	if o.Interface == 0 {
		o.Interface = preset.iface
	}
	pins := preset.pins
	if o.Pins != nil {
		pins = *o.Pins
	}
	if err := pins.Validate(); err != nil {
		return nil, err
	}

	engine, err := OpenFTDIEngine(o.VID, o.PID, o.Interface, pins.Direction())
	if err != nil {
		return nil, err
	}
	s, err := NewBitBangSession(engine, pins, engine.Info(preset.shortName), opts.MaxVectorLength)
	if err != nil {
		engine.Close()
		return nil, err
	}
	if o.RateHz > 0 {
		if _, err := s.SetClockPeriod(hzToPeriod(o.RateHz)); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// openMPSSE drives channel A of an FT4232H through its MPSSE engine. The
// engine fixes the wiring, so FTDI pin maps do not apply.
func openMPSSE(_ string, opts Options) (Session, error) {
	o := opts.FTDI
	if o.VID == 0 {
		o.VID = VendorIDFTDI
	}
	if o.PID == 0 {
		o.PID = ProductIDFT4232H
	}
	if o.Interface == 0 {
		o.Interface = 1
	}
	if o.Pins != nil {
		logger.Debug("ft4232h: MPSSE uses fixed pins, ignoring the pin map")
	}
	s, err := OpenMPSSE(o.VID, o.PID, o.Interface, "FT4232H", opts.MaxVectorLength)
	if err != nil {
		return nil, err
	}
	if o.RateHz > 0 {
		if _, err := s.SetClockPeriod(hzToPeriod(o.RateHz)); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openXuLA(_ string, opts Options) (Session, error) {
	return OpenXuLA(VendorIDMicrochip, ProductIDXuLA, opts.MaxVectorLength)
}

func openCMSISDAP(_ string, opts Options) (Session, error) {
	o := opts.CMSISDAP
	if o.VID == 0 {
		o.VID = VendorIDRaspberryPi
	}
	if o.PID == 0 {
		o.PID = ProductIDCMSISDAP
	}
	s, err := OpenCMSISDAP(o.VID, o.PID, opts.MaxVectorLength)
	if err != nil {
		return nil, err
	}
	if o.SpeedHz > 0 {
		if _, err := s.SetClockPeriod(hzToPeriod(o.SpeedHz)); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func openGPIO(_ string, opts Options) (Session, error) {
	drv, err := NewPinDriver(opts.GPIO.Driver)
	if err != nil {
		return nil, err
	}
	s, err := NewGPIOSession(drv, GPIOConfig{
		Pins:            opts.GPIO.Pins,
		PeriodNS:        opts.GPIO.PeriodNS,
		MaxVectorLength: opts.MaxVectorLength,
	})
	if err != nil {
		drv.Close()
		return nil, err
	}
	return s, nil
}

func hzToPeriod(hz int64) uint32 {
	if hz <= 0 {
		return 0
	}
	return uint32((1_000_000_000 + hz - 1) / hz)
}
