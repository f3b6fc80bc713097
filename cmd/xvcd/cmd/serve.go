package cmd

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceXVC/internal/config"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/xvc"
)

// programPulse is how long PROGRAM_B is held low by --reset.
const programPulse = 30 * time.Millisecond

var (
	servePort       int
	serveLocal      bool
	serveReset      bool
	serveListen     string
	serveMaxClients int
	serveMetrics    string
	serveExitOnErr  bool
	serveNoCaptureW bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [adapter]",
	Short: "Serve a JTAG adapter over XVC",
	Long: `Open the selected JTAG adapter and accept Xilinx Virtual Cable clients on TCP.

Adapters: sim, ftdi, papilio_one, ft4232h, ft4232h_gpio, cmsis-dap, gpio, xula.

Command line flags override the configuration file, which overrides the
built-in defaults.

Examples:
  # Papilio One, reachable from the local machine only
  xvcd serve papilio_one --local

  # Raspberry Pi header pins, debug logging
  xvcd serve gpio -v

  # Pulse PROGRAM_B before serving
  xvcd serve ft4232h_gpio --reset`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", xvc.DefaultPort, "TCP port to listen on")
	serveCmd.Flags().BoolVarP(&serveLocal, "local", "l", false,
		"bind to 127.0.0.1, typically when the Xilinx tools run on the same computer")
	serveCmd.Flags().BoolVar(&serveReset, "reset", false, "pulse the PROGRAM_B pin before starting the server")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "address to bind (overrides --local)")
	serveCmd.Flags().IntVar(&serveMaxClients, "max-clients", 1, "concurrent clients (0 = unlimited)")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics-addr", "", "serve prometheus /metrics on this address")
	serveCmd.Flags().BoolVar(&serveExitOnErr, "exit-on-device-error", false, "stop the server when the adapter fails")
	serveCmd.Flags().BoolVar(&serveNoCaptureW, "no-capture-ir-workaround", false,
		"clock ISE's Exit1-IR detour instead of answering it locally")
}

// applyServeFlags copies the flags the user set onto cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("local") {
		cfg.Local = serveLocal
	}
	if flags.Changed("reset") {
		cfg.Reset = serveReset
	}
	if flags.Changed("listen") {
		cfg.Listen = serveListen
	}
	if flags.Changed("max-clients") {
		cfg.MaxClients = serveMaxClients
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = serveMetrics
	}
	if flags.Changed("exit-on-device-error") {
		cfg.ExitOnDeviceError = serveExitOnErr
	}
	if flags.Changed("no-capture-ir-workaround") {
		cfg.CaptureIRWorkaround = !serveNoCaptureW
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}

	session, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer session.Close()

	info := session.Info()
	logger.Infof("adapter %s (%s %s), period %dns, max vector %d bits",
		info.Name, info.Vendor, info.Model, session.ClockPeriod(), session.MaxVectorLength())

	if cfg.Reset {
		pulseProgram(session, logger)
	}

	tracker := tap.NewTracker()
	if err := session.Reset(); err != nil {
		return fmt.Errorf("reset TAP: %w", err)
	}
	tracker.Reset()

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr(), err)
	}
	printHints(cmd.OutOrStdout(), hintHost(cfg), cfg.Port)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Infof("metrics on http://%s/metrics", cfg.MetricsAddr)
			if err := xvc.ServeMetrics(ctx, cfg.MetricsAddr, logrus.NewEntry(logger)); err != nil {
				logger.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	opts := cfg.ServerOptions()
	opts.Logger = logrus.NewEntry(logger)
	opts.Tracker = tracker
	srv := xvc.NewServer(session, opts)

	logger.Infof("listening on %s", ln.Addr())
	err = srv.Serve(ctx, ln)
	var devErr *xvc.DeviceError
	if errors.As(err, &devErr) {
		return fmt.Errorf("adapter failed: %w", err)
	}
	if err != nil {
		return err
	}
	logger.Info("exiting Xilinx Virtual Cable server")
	return nil
}

// pulseProgram reconfigures the FPGA through PROGRAM_B when the adapter
// has the pin wired.
func pulseProgram(s jtag.Session, logger *logrus.Logger) {
	p, ok := s.(jtag.Programmer)
	if !ok {
		logger.Warn("--reset: adapter cannot drive PROGRAM_B")
		return
	}
	if err := p.PulseProgram(programPulse); err != nil {
		if errors.Is(err, jtag.ErrNotImplemented) {
			logger.Warn("--reset: no PROGRAM_B pin configured")
			return
		}
		logger.WithError(err).Warn("--reset: PROGRAM_B pulse failed")
		return
	}
	logger.Info("pulsed PROGRAM_B")
}

// hintHost is the address printed for the Xilinx tools to connect to.
func hintHost(cfg config.Config) string {
	host := cfg.ListenHost()
	if host != "0.0.0.0" && host != "::" {
		return host
	}
	return outboundIP()
}

// outboundIP finds the address of the interface holding the default route.
// Nothing is sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func printHints(w io.Writer, host string, port int) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	fmt.Fprintf(w, "Starting XVC server. In the relevant tool, use the following cable plugin command:\n\n")
	fmt.Fprintf(w, "If ISE:\n")
	fmt.Fprintf(w, "    xilinx_xvc host=%s disableversioncheck=true\n\n", addr)
	fmt.Fprintf(w, "If Vivado, in the Tcl Console:\n")
	fmt.Fprintf(w, "    connect_hw_server\n")
	fmt.Fprintf(w, "    open_hw_target -xvc_url %s\n\n", addr)
}
