package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/chain"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/idcode/deviceinfo"
)

var probeCount int

var probeCmd = &cobra.Command{
	Use:   "probe [adapter]",
	Short: "List the devices on the scan chain",
	Long: `Reset the scan chain, read the IDCODE register of every device and print
what is known about each part. Use this to check wiring before pointing
Vivado or ISE at the server.

Examples:
  # Check a Papilio One
  xvcd probe papilio_one

  # Simulated chain with two devices
  xvcd probe sim --sim-ids 0x0362D093,0x4BA00477`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().IntVar(&probeCount, "count", chain.DefaultMaxDevices, "maximum number of devices to look for")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := newLogger(cmd, cfg); err != nil {
		return err
	}

	session, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	ids, err := chain.Scan(session, probeCount)
	if err != nil && !errors.Is(err, chain.ErrTooManyDevices) {
		return fmt.Errorf("chain scan failed: %w", err)
	}

	out := cmd.OutOrStdout()
	info := session.Info()
	fmt.Fprintf(out, "Adapter: %s (%s %s)\n", info.Name, info.Vendor, info.Model)
	fmt.Fprintf(out, "Found %d device(s)\n", len(ids))
	irTotal := 0
	for i, id := range ids {
		dev := deviceinfo.Lookup(id)
		fmt.Fprintf(out, "  %d: %s\n", i, id)
		if id.HasIDCode {
			fmt.Fprintf(out, "     %s", dev.Name)
			if dev.Family != "" {
				fmt.Fprintf(out, " (%s)", dev.Family)
			}
			if dev.Manufacturer.Name != "" {
				fmt.Fprintf(out, " by %s", dev.Manufacturer.Name)
			}
			fmt.Fprintln(out)
		}
		if dev.IRLength > 0 {
			fmt.Fprintf(out, "     IR length: %d bits\n", dev.IRLength)
			irTotal += dev.IRLength
		}
	}
	if irTotal > 0 {
		fmt.Fprintf(out, "Total IR length (known parts): %d bits\n", irTotal)
	}
	if err != nil {
		return fmt.Errorf("chain scan incomplete: %w", err)
	}
	return nil
}
