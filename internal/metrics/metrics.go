// Package metrics exposes the hotspot engine's Prometheus instruments.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Window states reported through the state gauge.
var windowStates = []string{"idle", "active", "quiesced"}

// Collector holds every instrument. A nil *Collector is a valid no-op.
type Collector struct {
	gatherer prometheus.Gatherer

	Checks          *prometheus.CounterVec
	CheckDuration   prometheus.Histogram
	Fetched         prometheus.Counter
	Novel           *prometheus.CounterVec
	SourceFailures  *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec
	WindowState     *prometheus.GaugeVec
	WindowTotal     prometheus.Gauge
	SourcesReported prometheus.Gauge
}

// NewCollector registers the hotspot metrics against reg, defaulting to the global registerer.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	checks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotspot_checks_total",
		Help: "Poll cycles executed, by outcome.",
	}, []string{"status"}), "hotspot_checks_total")
	if err != nil {
		return nil, err
	}

	checkDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hotspot_check_duration_seconds",
		Help:    "Wall time of a full poll cycle.",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
	}), "hotspot_check_duration_seconds")
	if err != nil {
		return nil, err
	}

	fetched, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hotspot_detections_fetched_total",
		Help: "Detections returned by the feed before deduplication.",
	}), "hotspot_detections_fetched_total")
	if err != nil {
		return nil, err
	}

	novel, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotspot_detections_novel_total",
		Help: "Detections stored for the first time, by source.",
	}, []string{"source"}), "hotspot_detections_novel_total")
	if err != nil {
		return nil, err
	}

	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotspot_source_failures_total",
		Help: "Feed fetches that failed and were treated as empty, by source.",
	}, []string{"source"}), "hotspot_source_failures_total")
	if err != nil {
		return nil, err
	}

	fetchDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hotspot_fetch_duration_seconds",
		Help:    "Latency of a single feed request, by source.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"source"}), "hotspot_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	notifications, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hotspot_notifications_total",
		Help: "Outbound messages attempted, by kind and status.",
	}, []string{"kind", "status"}), "hotspot_notifications_total")
	if err != nil {
		return nil, err
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hotspot_window_state",
		Help: "1 for the current monitoring state, 0 otherwise.",
	}, []string{"state"}), "hotspot_window_state")
	if err != nil {
		return nil, err
	}

	windowTotal, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hotspot_window_detections",
		Help: "Novel detections accumulated in the current window.",
	}), "hotspot_window_detections")
	if err != nil {
		return nil, err
	}

	reported, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hotspot_window_sources_reported",
		Help: "Sources with at least one detection in the current window.",
	}), "hotspot_window_sources_reported")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:        gatherer,
		Checks:          checks,
		CheckDuration:   checkDuration,
		Fetched:         fetched,
		Novel:           novel,
		SourceFailures:  failures,
		FetchDuration:   fetchDuration,
		Notifications:   notifications,
		WindowState:     state,
		WindowTotal:     windowTotal,
		SourcesReported: reported,
	}, nil
}

// Handler serves the collector's gatherer in the exposition format.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCheck records one poll cycle.
func (c *Collector) ObserveCheck(status string, d time.Duration, fetched int, novelBySource map[string]int) {
	if c == nil {
		return
	}
	c.Checks.WithLabelValues(status).Inc()
	c.CheckDuration.Observe(d.Seconds())
	c.Fetched.Add(float64(fetched))
	for source, n := range novelBySource {
		c.Novel.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveFetch records the latency of a single source request.
func (c *Collector) ObserveFetch(source string, d time.Duration) {
	if c == nil {
		return
	}
	c.FetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// SourceFailure counts a failed source fetch.
func (c *Collector) SourceFailure(source string) {
	if c == nil {
		return
	}
	c.SourceFailures.WithLabelValues(source).Inc()
}

// Notification counts an outbound message attempt.
func (c *Collector) Notification(kind, status string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(kind, status).Inc()
}

// SetState marks state as current.
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range windowStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.WindowState.WithLabelValues(s).Set(v)
	}
}

// SetWindowTotals publishes the current window aggregates.
func (c *Collector) SetWindowTotals(total, reported int) {
	if c == nil {
		return
	}
	c.WindowTotal.Set(float64(total))
	c.SourcesReported.Set(float64(reported))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
