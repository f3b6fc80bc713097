package xvc

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/tap"
)

// DefaultPort is the TCP port Xilinx tools use for XVC.
const DefaultPort = 2542

// Options tune a Server.
type Options struct {
	// Logger receives connection and command logs. Nil uses the standard
	// logrus logger.
	Logger *logrus.Entry
	// MaxClients caps concurrent connections; extra clients are closed on
	// accept. Zero or less means unlimited.
	MaxClients int
	// CaptureIRWorkaround answers ISE's Exit1-IR detour without clocking.
	CaptureIRWorkaround bool
	// ExitOnDeviceError stops the server when the session fails.
	ExitOnDeviceError bool
	// Tracker is shared with code that moves the TAP outside the server,
	// e.g. a startup reset. Nil creates a fresh one.
	Tracker *tap.Tracker
}

// DefaultOptions matches the behaviour Xilinx tools expect from a cable
// server: one client at a time with the Capture-IR workaround on.
func DefaultOptions() Options {
	return Options{MaxClients: 1, CaptureIRWorkaround: true}
}

// Server accepts XVC clients and serves them from one session.
type Server struct {
	opts    Options
	log     *logrus.Entry
	handler *Handler

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

// NewServer prepares a server for s. The session is not touched until a
// client sends a command.
func NewServer(s jtag.Session, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		opts:    opts,
		log:     log,
		handler: NewHandler(s, opts.Tracker, opts.CaptureIRWorkaround),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Handler returns the command executor shared by all connections.
func (s *Server) Handler() *Handler {
	return s.handler
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infof("listening on %s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, ln is closed or,
// with ExitOnDeviceError, a session failure occurs. In the last case the
// device error is returned. Live connections are closed before Serve
// returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer ln.Close()

	s.connsMu.Lock()
	s.draining = false
	s.connsMu.Unlock()

	// The listener goes first so no client is admitted after the sweep.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAllConns()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				cancel(nil)
				wg.Wait()
				var devErr *DeviceError
				if cause := context.Cause(ctx); errors.As(cause, &devErr) {
					return devErr
				}
				return nil
			}
			cancel(err)
			return err
		}

		if !s.admit(conn) {
			if ctx.Err() != nil {
				_ = conn.Close()
				continue
			}
			s.log.WithField("remote", conn.RemoteAddr().String()).
				Warnf("rejecting client: %d already connected", s.opts.MaxClients)
			_ = conn.Close()
			recordClose("rejected")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handleConn(conn); err != nil && s.opts.ExitOnDeviceError {
				cancel(err)
			}
		}()
	}
}

// handleConn serves one admitted client and returns its device error, if
// any.
func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	defer s.untrackConn(conn)

	remote := conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)
	recordConnection(1)
	log.Infof("client connected active_clients=%d", s.activeConns())

	err := s.handler.ServeConn(conn, log)
	reason := closeReason(err)
	recordConnection(-1)
	recordClose(reason)

	var devErr *DeviceError
	switch {
	case err == nil:
		log.Info("client disconnected")
	case errors.As(err, &devErr):
		log.WithError(err).Error("device error, closing client")
		return devErr
	case reason == "io_error":
		log.WithError(err).Info("client connection lost")
	default:
		log.WithError(err).Warn("closing client")
	}
	return nil
}

// admit registers conn unless the client limit is reached or the server is
// shutting down.
func (s *Server) admit(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.draining {
		return false
	}
	if s.opts.MaxClients > 0 && len(s.conns) >= s.opts.MaxClients {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) activeConns() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// closeAllConns closes every tracked client and refuses new ones.
func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.draining = true
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Addr joins host and port into a listen address.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
