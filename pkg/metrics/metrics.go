// Package metrics defines the Prometheus instrumentation exposed by the
// Server engine.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnel"

// Metrics is a collection of Prometheus instruments tracking Server
// activity. Each instance owns a private registry rather than the global
// default one, so more than one can coexist in the same process (this
// matters for tests, and for running a Server and its metrics exporter
// side by side without accidentally sharing state with anything else
// linked into the binary).
type Metrics struct {
	registry *prometheus.Registry

	RegisteredHosts  prometheus.Gauge
	ForwardRequests  *prometheus.CounterVec
	ActiveSplices    prometheus.Gauge
	RendezvousInFlight prometheus.Gauge
	SniffDuration    prometheus.Histogram
	DialDuration     *prometheus.HistogramVec
}

// New builds a Metrics collection registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		RegisteredHosts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_hosts",
			Help:      "Number of virtual hosts currently registered by a Client.",
		}),
		ForwardRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_requests_total",
			Help:      "Forward requests dispatched to Clients, by outcome.",
		}, []string{"outcome"}),
		ActiveSplices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_splices",
			Help:      "Number of external connections currently spliced to a back-channel.",
		}),
		RendezvousInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rendezvous_inflight",
			Help:      "Number of rendezvous slots awaiting a back-channel connection.",
		}),
		SniffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sniff_duration_seconds",
			Help:      "Time spent reading and parsing the Host header off an external connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		DialDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing a connection, by leg.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"leg"}),
	}
	return m
}

// Outcome labels for ForwardRequests.
const (
	OutcomeSpliced  = "spliced"
	OutcomeTimeout  = "timeout"
	OutcomeNoClient = "no_client"
	OutcomeError    = "error"
)

// Leg labels for DialDuration.
const (
	LegOrigin      = "origin"
	LegBackchannel = "backchannel"
)

// ObserveSniff records how long a Host-header sniff took.
func (m *Metrics) ObserveSniff(d time.Duration) {
	m.SniffDuration.Observe(d.Seconds())
}

// ObserveDial records how long dialing one leg took.
func (m *Metrics) ObserveDial(leg string, d time.Duration) {
	m.DialDuration.WithLabelValues(leg).Observe(d.Seconds())
}

// Server exposes the metrics registry over HTTP at /metrics. It is
// entirely optional: a deployment that never calls Serve simply never
// opens the listener, and the rest of the Server engine is unaffected.
type Server struct {
	httpServer *http.Server
}

// NewServer builds an HTTP server exposing m's registry at addr, but does
// not start listening; call Serve to do that.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks accepting connections on ln until ctx is cancelled, at
// which point it shuts the HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
