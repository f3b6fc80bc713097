// Package config loads xvcd settings from TOML and maps them onto the
// server and backend options.
package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/xvc"
)

// Config is the full daemon configuration.
type Config struct {
	Listen              string
	Port                int
	Local               bool
	Adapter             string
	MaxClients          int
	MaxVectorBits       uint32
	Reset               bool
	CaptureIRWorkaround bool
	ExitOnDeviceError   bool
	MetricsAddr         string
	LogLevel            string

	FTDI     FTDI
	CMSISDAP CMSISDAP
	GPIO     GPIO
	Sim      Sim
}

// FTDI overrides the preset of an FTDI selector. Pins is nil unless the
// file sets at least one pin.
type FTDI struct {
	VID       uint16
	PID       uint16
	Interface int
	Pins      *jtag.PinMap
	RateHz    int64
}

type CMSISDAP struct {
	VID     uint16
	PID     uint16
	SpeedHz int64
}

type GPIO struct {
	Driver   string
	Pins     jtag.GPIOPins
	PeriodNS uint32
}

type Sim struct {
	MinPeriodNS uint32
}

// DefaultGPIOPins is the BCM wiring used by Raspberry Pi XVC setups.
var DefaultGPIOPins = jtag.GPIOPins{TCK: 11, TDI: 10, TDO: 9, TMS: 25, Program: -1}

// Default returns the settings used when no file or flag overrides them.
func Default() Config {
	return Config{
		Port:                xvc.DefaultPort,
		Adapter:             "ftdi",
		MaxClients:          1,
		MaxVectorBits:       jtag.DefaultMaxVectorLength,
		CaptureIRWorkaround: true,
		LogLevel:            "info",
		GPIO:                GPIO{Pins: DefaultGPIOPins},
	}
}

type fileConfig struct {
	Listen              string `toml:"listen"`
	Port                int    `toml:"port"`
	Local               bool   `toml:"local"`
	Adapter             string `toml:"adapter"`
	MaxClients          int    `toml:"max_clients"`
	MaxVectorBits       int64  `toml:"max_vector_bits"`
	Reset               bool   `toml:"reset"`
	CaptureIRWorkaround bool   `toml:"capture_ir_workaround"`
	ExitOnDeviceError   bool   `toml:"exit_on_device_error"`
	MetricsAddr         string `toml:"metrics_addr"`
	LogLevel            string `toml:"log_level"`

	FTDI struct {
		VID       int   `toml:"vid"`
		PID       int   `toml:"pid"`
		Interface int   `toml:"interface"`
		RateHz    int64 `toml:"rate_hz"`
		TCK       int   `toml:"tck"`
		TDI       int   `toml:"tdi"`
		TDO       int   `toml:"tdo"`
		TMS       int   `toml:"tms"`
		Program   int   `toml:"program"`
	} `toml:"ftdi"`
	CMSISDAP struct {
		VID     int   `toml:"vid"`
		PID     int   `toml:"pid"`
		SpeedHz int64 `toml:"speed_hz"`
	} `toml:"cmsisdap"`
	GPIO struct {
		Driver   string `toml:"driver"`
		PeriodNS int64  `toml:"period_ns"`
		TCK      int    `toml:"tck"`
		TDI      int    `toml:"tdi"`
		TDO      int    `toml:"tdo"`
		TMS      int    `toml:"tms"`
		Program  int    `toml:"program"`
	} `toml:"gpio"`
	Sim struct {
		MinPeriodNS int64 `toml:"min_period_ns"`
	} `toml:"sim"`
}

// Load overlays the keys present in the TOML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("local") {
		cfg.Local = raw.Local
	}
	if meta.IsDefined("adapter") {
		cfg.Adapter = strings.TrimSpace(raw.Adapter)
	}
	if meta.IsDefined("max_clients") {
		cfg.MaxClients = raw.MaxClients
	}
	if meta.IsDefined("max_vector_bits") {
		if err := checkVectorBits(raw.MaxVectorBits); err != nil {
			return Config{}, err
		}
		cfg.MaxVectorBits = uint32(raw.MaxVectorBits)
	}
	if meta.IsDefined("reset") {
		cfg.Reset = raw.Reset
	}
	if meta.IsDefined("capture_ir_workaround") {
		cfg.CaptureIRWorkaround = raw.CaptureIRWorkaround
	}
	if meta.IsDefined("exit_on_device_error") {
		cfg.ExitOnDeviceError = raw.ExitOnDeviceError
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("ftdi", "vid") {
		if cfg.FTDI.VID, err = usbID("ftdi.vid", raw.FTDI.VID); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("ftdi", "pid") {
		if cfg.FTDI.PID, err = usbID("ftdi.pid", raw.FTDI.PID); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("ftdi", "interface") {
		cfg.FTDI.Interface = raw.FTDI.Interface
	}
	if meta.IsDefined("ftdi", "rate_hz") {
		cfg.FTDI.RateHz = raw.FTDI.RateHz
	}
	if pins, ok := overlayPins(meta, "ftdi", jtag.GPIOPins{
		TCK: raw.FTDI.TCK, TDI: raw.FTDI.TDI, TDO: raw.FTDI.TDO, TMS: raw.FTDI.TMS, Program: raw.FTDI.Program,
	}, jtag.GPIOPins(jtag.DefaultPinMap)); ok {
		pm := jtag.PinMap(pins)
		cfg.FTDI.Pins = &pm
	}

	if meta.IsDefined("cmsisdap", "vid") {
		if cfg.CMSISDAP.VID, err = usbID("cmsisdap.vid", raw.CMSISDAP.VID); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("cmsisdap", "pid") {
		if cfg.CMSISDAP.PID, err = usbID("cmsisdap.pid", raw.CMSISDAP.PID); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("cmsisdap", "speed_hz") {
		cfg.CMSISDAP.SpeedHz = raw.CMSISDAP.SpeedHz
	}

	if meta.IsDefined("gpio", "driver") {
		cfg.GPIO.Driver = strings.TrimSpace(raw.GPIO.Driver)
	}
	if meta.IsDefined("gpio", "period_ns") {
		if cfg.GPIO.PeriodNS, err = period("gpio.period_ns", raw.GPIO.PeriodNS); err != nil {
			return Config{}, err
		}
	}
	if pins, ok := overlayPins(meta, "gpio", jtag.GPIOPins{
		TCK: raw.GPIO.TCK, TDI: raw.GPIO.TDI, TDO: raw.GPIO.TDO, TMS: raw.GPIO.TMS, Program: raw.GPIO.Program,
	}, cfg.GPIO.Pins); ok {
		cfg.GPIO.Pins = pins
	}

	if meta.IsDefined("sim", "min_period_ns") {
		if cfg.Sim.MinPeriodNS, err = period("sim.min_period_ns", raw.Sim.MinPeriodNS); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// overlayPins applies the pin keys defined under table onto base and
// reports whether any were present.
func overlayPins(meta toml.MetaData, table string, raw, base jtag.GPIOPins) (jtag.GPIOPins, bool) {
	set := false
	for _, p := range []struct {
		key string
		dst *int
		val int
	}{
		{"tck", &base.TCK, raw.TCK},
		{"tdi", &base.TDI, raw.TDI},
		{"tdo", &base.TDO, raw.TDO},
		{"tms", &base.TMS, raw.TMS},
		{"program", &base.Program, raw.Program},
	} {
		if meta.IsDefined(table, p.key) {
			*p.dst = p.val
			set = true
		}
	}
	return base, set
}

func usbID(key string, v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%s 0x%X out of range", key, v)
	}
	return uint16(v), nil
}

func period(key string, v int64) (uint32, error) {
	if v < 0 || v > int64(^uint32(0)) {
		return 0, fmt.Errorf("%s %d out of range", key, v)
	}
	return uint32(v), nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Adapter == "" {
		return fmt.Errorf("adapter is required (one of %s)", strings.Join(jtag.Selectors(), ", "))
	}
	if !slices.Contains(jtag.Selectors(), c.Adapter) {
		return fmt.Errorf("unknown adapter %q (one of %s)", c.Adapter, strings.Join(jtag.Selectors(), ", "))
	}
	if err := checkVectorBits(int64(c.MaxVectorBits)); err != nil {
		return err
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max_clients %d is negative", c.MaxClients)
	}
	if c.FTDI.RateHz < 0 || c.CMSISDAP.SpeedHz < 0 {
		return fmt.Errorf("clock rates must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.FTDI.Pins != nil {
		if err := c.FTDI.Pins.Validate(); err != nil {
			return fmt.Errorf("ftdi pins: %w", err)
		}
	}
	if c.Adapter == "gpio" {
		if err := c.GPIO.Pins.Validate(); err != nil {
			return fmt.Errorf("gpio pins: %w", err)
		}
	}
	return nil
}

// ListenHost is the address the server binds: Listen when set, loopback
// with Local, every interface otherwise.
func (c Config) ListenHost() string {
	switch {
	case c.Listen != "":
		return c.Listen
	case c.Local:
		return "127.0.0.1"
	}
	return "0.0.0.0"
}

// ListenAddr joins ListenHost and Port.
func (c Config) ListenAddr() string {
	return xvc.Addr(c.ListenHost(), c.Port)
}

// JTAGOptions maps the backend sections onto jtag.Open options.
func (c Config) JTAGOptions() jtag.Options {
	return jtag.Options{
		MaxVectorLength: c.MaxVectorBits,
		FTDI: jtag.FTDIOptions{
			VID:       c.FTDI.VID,
			PID:       c.FTDI.PID,
			Interface: c.FTDI.Interface,
			Pins:      c.FTDI.Pins,
			RateHz:    c.FTDI.RateHz,
		},
		CMSISDAP: jtag.CMSISDAPOptions{
			VID:     c.CMSISDAP.VID,
			PID:     c.CMSISDAP.PID,
			SpeedHz: c.CMSISDAP.SpeedHz,
		},
		GPIO: jtag.GPIOOptions{
			Driver:   c.GPIO.Driver,
			Pins:     c.GPIO.Pins,
			PeriodNS: c.GPIO.PeriodNS,
		},
		Sim: jtag.SimConfig{
			MinPeriodNS:     c.Sim.MinPeriodNS,
			MaxVectorLength: c.MaxVectorBits,
		},
	}
}

// ServerOptions maps the server keys onto xvc.Options. The logger is left
// for the caller.
func (c Config) ServerOptions() xvc.Options {
	return xvc.Options{
		MaxClients:          c.MaxClients,
		CaptureIRWorkaround: c.CaptureIRWorkaround,
		ExitOnDeviceError:   c.ExitOnDeviceError,
	}
}

// Vector limits. getinfo advertises max/4, so anything below one byte would
// advertise zero.
const (
	minVectorBits = 8
	maxVectorBits = 1 << 24
)

func checkVectorBits(n int64) error {
	if n < minVectorBits || n > maxVectorBits {
		return fmt.Errorf("max_vector_bits %d out of range [%d, %d]", n, minVectorBits, maxVectorBits)
	}
	if n%8 != 0 {
		return fmt.Errorf("max_vector_bits %d is not a multiple of 8", n)
	}
	return nil
}
