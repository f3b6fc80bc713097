package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
	"github.com/OpenTraceLab/OpenTraceXVC/internal/logging"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

var (
	// Global flags
	configPath string
	verbose    int
	simIDCodes []string
)

var rootCmd = &cobra.Command{
	Use:   "xvcd",
	Short: "Xilinx Virtual Cable server for FTDI, CMSIS-DAP and GPIO JTAG adapters",
	Long: `xvcd bridges the Xilinx Virtual Cable protocol used by Vivado and ISE to a
local JTAG adapter, so the tools can program and debug FPGAs over TCP.

Examples:
  xvcd serve papilio_one --local          # Serve a Papilio One on 127.0.0.1:2542
  xvcd serve --config /etc/xvcd.toml      # Take every setting from a file
  xvcd probe cmsis-dap                    # List the devices on the scan chain`,
	Version:       "0.9.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase verbosity (-v debug, -vv trace)")
	rootCmd.PersistentFlags().StringSliceVar(&simIDCodes, "sim-ids", nil,
		"sim adapter: IDCODEs on the simulated chain (hex, e.g. 0x0362D093)")
}

// loadConfig merges defaults, the config file, the adapter argument and the
// flags the user changed, in that order.
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	if len(args) > 0 {
		cfg.Adapter = args[0]
	}
	if cmd.Flags().Changed("verbose") {
		cfg.LogLevel = logging.Level(verbose).String()
	}
	return cfg, nil
}

// newLogger builds the process logger and hands it to the JTAG backends.
func newLogger(cmd *cobra.Command, cfg config.Config) (*logrus.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(level, cmd.ErrOrStderr())
	jtag.SetLogger(logger)
	return logger, nil
}

// openSession opens the configured adapter.
func openSession(cfg config.Config) (jtag.Session, error) {
	opts := cfg.JTAGOptions()
	if len(simIDCodes) > 0 {
		if cfg.Adapter != "sim" {
			return nil, fmt.Errorf("--sim-ids needs the sim adapter, not %q", cfg.Adapter)
		}
		devices, err := parseSimIDs(simIDCodes)
		if err != nil {
			return nil, err
		}
		opts.Sim.Devices = devices
	}
	s, err := jtag.Open(cfg.Adapter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}
	return s, nil
}

func parseSimIDs(ids []string) ([]jtag.SimDevice, error) {
	devices := make([]jtag.SimDevice, 0, len(ids))
	for _, s := range ids {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid IDCODE %q: %w", s, err)
		}
		devices = append(devices, jtag.SimDevice{IDCode: uint32(v), IRLength: 6})
	}
	return devices, nil
}
