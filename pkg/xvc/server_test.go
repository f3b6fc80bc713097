package xvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/OpenTraceLab/OpenTraceXVC/pkg/bitvec"
	"github.com/OpenTraceLab/OpenTraceXVC/pkg/jtag"
)

type testServer struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, s jtag.Session, opts Options) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts.Logger = testLog()
	ts := &testServer{srv: NewServer(s, opts), addr: ln.Addr().String(), done: make(chan error, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() { ts.done <- ts.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.done:
		ts.done <- err
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	return nil
}

func infoLen() int {
	return len(InfoResponse(jtag.DefaultMaxVectorLength))
}

// expectDropped accepts EOF or a reset: the server closed without writing.
func expectDropped(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected dropped connection, got %d bytes err=%v", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("connection still open")
	}
}

func TestServerServesClient(t *testing.T) {
	ts := startServer(t, jtag.NewSimSession(jtag.SimConfig{}), DefaultOptions())
	c := ts.dial(t)

	if got := string(roundTrip(t, c, []byte("getinfo:"), infoLen())); got != "xvcServer_v1.0:512\n" {
		t.Fatalf("getinfo = %q", got)
	}
	if resp := roundTrip(t, c, shiftRequest(8, []byte{0x00}, []byte{0xFF}), 1); resp[0] != 0xFF {
		t.Fatalf("TDO = %02X, want FF", resp[0])
	}
}

func TestServerRejectsSecondClient(t *testing.T) {
	ts := startServer(t, jtag.NewSimSession(jtag.SimConfig{}), DefaultOptions())

	first := ts.dial(t)
	roundTrip(t, first, []byte("getinfo:"), infoLen())

	second := ts.dial(t)
	expectDropped(t, second)

	// The first client is unaffected.
	roundTrip(t, first, []byte("getinfo:"), infoLen())
	first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.activeConns() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("first client never released its slot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	third := ts.dial(t)
	roundTrip(t, third, []byte("getinfo:"), infoLen())
}

func TestServerUnlimitedClients(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxClients = 0
	ts := startServer(t, jtag.NewSimSession(jtag.SimConfig{}), opts)

	for i := 0; i < 3; i++ {
		roundTrip(t, ts.dial(t), []byte("getinfo:"), infoLen())
	}
}

func TestServerStopsOnCancel(t *testing.T) {
	ts := startServer(t, jtag.NewSimSession(jtag.SimConfig{}), DefaultOptions())
	c := ts.dial(t)
	roundTrip(t, c, []byte("getinfo:"), infoLen())

	ts.cancel()
	if err := ts.wait(t); err != nil {
		t.Fatalf("Serve returned %v after cancel", err)
	}
	expectDropped(t, c)
	if _, err := net.DialTimeout("tcp", ts.addr, 500*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after cancel")
	}
}

func TestServerDeviceErrorKeepsServing(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	ts := startServer(t, sim, DefaultOptions())

	sim.SetFault(errors.New("cable unplugged"))
	c := ts.dial(t)
	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte("settck:\x00\x00\x00\x00")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectDropped(t, c)

	sim.SetFault(nil)
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.activeConns() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("failed client never released its slot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	roundTrip(t, ts.dial(t), []byte("settck:\x00\x00\x00\x00"), 4)
}

func TestServerExitOnDeviceError(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	opts := DefaultOptions()
	opts.ExitOnDeviceError = true
	ts := startServer(t, sim, opts)

	sim.SetFault(errors.New("cable unplugged"))
	c := ts.dial(t)
	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write(shiftRequest(8, []byte{0x00}, []byte{0xFF})); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := ts.wait(t)
	if !errors.Is(err, jtag.ErrDeviceUnavailable) {
		t.Fatalf("Serve returned %v, want ErrDeviceUnavailable", err)
	}
	expectDropped(t, c)
}

func TestServeMetrics(t *testing.T) {
	ts := startServer(t, jtag.NewSimSession(jtag.SimConfig{}), DefaultOptions())
	roundTrip(t, ts.dial(t), shiftRequest(8, []byte{0x00}, []byte{0xFF}), 1)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveMetrics(ctx, ln, testLog()) }()
	defer func() {
		cancel()
		<-done
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, name := range []string{"xvcd_xvc_commands_total", "xvcd_jtag_shifted_bits_total", "xvcd_jtag_shift_duration_seconds"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output lacks %s", name)
		}
	}
}

func TestMetricsRouterLogsRequests(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r := metricsRouter(logrus.NewEntry(logger))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.DebugLevel || entry.Data["path"] != "/metrics" {
		t.Fatalf("scrape not logged at debug: %+v", entry)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /status = %d, want 404", rec.Code)
	}
	entry = hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["status"] != http.StatusNotFound {
		t.Fatalf("unknown route not logged at warn: %+v", entry)
	}
}

func TestServerRefusesClientsWhileDraining(t *testing.T) {
	srv := NewServer(jtag.NewSimSession(jtag.SimConfig{}), Options{Logger: testLog()})
	a, b := net.Pipe()
	defer b.Close()

	if !srv.admit(a) {
		t.Fatal("first client refused")
	}
	srv.closeAllConns()
	if _, err := b.Write([]byte("x")); err == nil {
		t.Fatal("tracked client still open after sweep")
	}

	c, d := net.Pipe()
	defer c.Close()
	defer d.Close()
	if srv.admit(c) {
		t.Fatal("client admitted after sweep")
	}
	if n := srv.activeConns(); n != 1 {
		t.Fatalf("tracked %d clients, want only the swept one", n)
	}
}

func TestServerSerializesConcurrentShifts(t *testing.T) {
	sim := jtag.NewSimSession(jtag.SimConfig{})
	var inFlight, overlaps, calls atomic.Int32
	sim.OnShift = func(tms, tdi bitvec.Vector) (bitvec.Vector, error) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		calls.Add(1)
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return tdi, nil
	}
	opts := DefaultOptions()
	opts.MaxClients = 0
	ts := startServer(t, sim, opts)

	const clients, rounds = 2, 20
	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = ts.dial(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i, c := range conns {
		wg.Add(1)
		go func(c net.Conn, pattern byte) {
			defer wg.Done()
			c.SetDeadline(time.Now().Add(5 * time.Second))
			resp := make([]byte, 4)
			for r := 0; r < rounds; r++ {
				tdi := []byte{pattern, pattern, pattern, pattern}
				if _, err := c.Write(shiftRequest(32, make([]byte, 4), tdi)); err != nil {
					errs <- err
					return
				}
				if _, err := io.ReadFull(c, resp); err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(resp, tdi) {
					errs <- fmt.Errorf("client %02X got TDO % X", pattern, resp)
					return
				}
			}
		}(c, byte(0x11*(i+1)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := overlaps.Load(); n != 0 {
		t.Errorf("%d shifts entered the session while another was running", n)
	}
	if n := calls.Load(); n != clients*rounds {
		t.Errorf("session saw %d shifts, want %d", n, clients*rounds)
	}
}
