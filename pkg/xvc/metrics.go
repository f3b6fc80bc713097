package xvc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registerOnce sync.Once

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xvcd",
			Subsystem: "xvc",
			Name:      "commands_total",
			Help:      "XVC commands handled, by command.",
		},
		[]string{"command"},
	)
	shiftedBits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xvcd",
			Subsystem: "jtag",
			Name:      "shifted_bits_total",
			Help:      "TCK cycles clocked on behalf of clients.",
		},
	)
	shiftDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "xvcd",
			Subsystem: "jtag",
			Name:      "shift_duration_seconds",
			Help:      "Time spent in ShiftBits per shift command.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xvcd",
			Subsystem: "xvc",
			Name:      "active_connections",
			Help:      "Client connections currently served.",
		},
	)
	closedConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xvcd",
			Subsystem: "xvc",
			Name:      "closed_connections_total",
			Help:      "Client connections closed, by reason.",
		},
		[]string{"reason"},
	)
)

// RegisterMetrics adds the bridge collectors to the default registry. It is
// safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commandsTotal, shiftedBits, shiftDuration, activeConnections, closedConnections)
	})
}

func recordCommand(cmd Command) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(cmd.Name()).Inc()
}

func recordShift(bits uint32, d time.Duration) {
	RegisterMetrics()
	shiftedBits.Add(float64(bits))
	shiftDuration.Observe(d.Seconds())
}

func recordConnection(delta int) {
	RegisterMetrics()
	activeConnections.Add(float64(delta))
}

func recordClose(reason string) {
	RegisterMetrics()
	closedConnections.WithLabelValues(reason).Inc()
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled. Requests
// are logged to log at debug level.
func ServeMetrics(ctx context.Context, addr string, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveMetrics(ctx, ln, log)
}

// metricsRouter mounts the prometheus handler on a gin engine.
func metricsRouter(log *logrus.Entry) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// requestLogger logs one line per scrape. Client errors log at warn and
// server errors at error.
func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		entry := log.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      path,
			"status":    status,
			"duration":  time.Since(start),
			"client_ip": c.ClientIP(),
			"bytes":     c.Writer.Size(),
		})
		switch {
		case status >= 500:
			entry.Error("http_request")
		case status >= 400:
			entry.Warn("http_request")
		default:
			entry.Debug("http_request")
		}
	}
}

func serveMetrics(ctx context.Context, ln net.Listener, log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	srv := &http.Server{Handler: metricsRouter(log), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
