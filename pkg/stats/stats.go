// Package stats wraps the teacher's statsd usage
// (consensus/manager_prepare.go's m.statsInc/m.statsTiming) into an
// explicit, injectable client instead of a package-level global, per
// the anti-singleton redesign note in spec §9. It also publishes the
// same counters to Prometheus for the admin /stats surface, enriching
// from rockstar-0000-aistore's prometheus/client_golang usage.
package stats

import (
	"time"

	"github.com/cactus/go-statsd-client/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

// Client records counters and timings for one component. A nil *Client
// is safe to use (all methods become no-ops), so components can be
// constructed in tests without a real statsd daemon.
type Client struct {
	prefix   string
	statsd   statsd.Statter
	counters *prometheus.CounterVec
	timings  *prometheus.HistogramVec
}

// New builds a Client that prefixes every metric name with prefix
// (mirroring the teacher's dotted stat names, e.g. "prepare.phase.count")
// and reports to both a statsd.Statter and a shared Prometheus registry.
func New(prefix string, statter statsd.Statter, registry prometheus.Registerer) *Client {
	c := &Client{
		prefix: prefix,
		statsd: statter,
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scaliendb",
			Subsystem: prefix,
			Name:      "events_total",
			Help:      "Count of named events emitted by the " + prefix + " component.",
		}, []string{"event"}),
		timings: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scaliendb",
			Subsystem: prefix,
			Name:      "event_duration_seconds",
			Help:      "Duration of named timed events emitted by the " + prefix + " component.",
		}, []string{"event"}),
	}
	if registry != nil {
		registry.MustRegister(c.counters, c.timings)
	}
	return c
}

// Inc increments a named counter by delta, mirroring
// Manager.statsInc(name, delta) in the teacher.
func (c *Client) Inc(name string, delta int64) {
	if c == nil {
		return
	}
	if c.statsd != nil {
		_ = c.statsd.Inc(c.prefix+"."+name, delta, 1.0)
	}
	if c.counters != nil {
		c.counters.WithLabelValues(name).Add(float64(delta))
	}
}

// Timing records how long an operation that started at `start` took,
// mirroring Manager.statsTiming(name, start) in the teacher.
func (c *Client) Timing(name string, start time.Time) {
	if c == nil {
		return
	}
	elapsed := time.Since(start)
	if c.statsd != nil {
		_ = c.statsd.Timing(c.prefix+"."+name, elapsed.Milliseconds())
	}
	if c.timings != nil {
		c.timings.WithLabelValues(name).Observe(elapsed.Seconds())
	}
}

// NoopStatter is a statsd.Statter that discards everything; useful for
// tests and for components run without a configured statsd endpoint.
type NoopStatter struct{}

func (NoopStatter) Inc(string, int64, float32) error                 { return nil }
func (NoopStatter) Dec(string, int64, float32) error                 { return nil }
func (NoopStatter) Gauge(string, int64, float32) error               { return nil }
func (NoopStatter) GaugeDelta(string, int64, float32) error          { return nil }
func (NoopStatter) Timing(string, int64, float32) error              { return nil }
func (NoopStatter) TimingDuration(string, time.Duration, float32) error { return nil }
func (NoopStatter) Set(string, string, float32) error                { return nil }
func (NoopStatter) SetInt(string, int64, float32) error              { return nil }
func (NoopStatter) Raw(string, string, float32) error                { return nil }
func (NoopStatter) Close() error                                     { return nil }
