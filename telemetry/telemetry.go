package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the scan engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the scan cycle.
type Collector interface {
	ObserveCycle(d time.Duration)
	IOError(op string)
	StateChange(state string)
	NotificationSent(channel string)
	Restart(file string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveCycle(time.Duration) {}
func (noopCollector) IOError(string)             {}
func (noopCollector) StateChange(string)         {}
func (noopCollector) NotificationSent(string)    {}
func (noopCollector) Restart(string)             {}

// PrometheusCollector exposes scan engine counters via Prometheus.
type PrometheusCollector struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Gauge
	ioErrors      *prometheus.CounterVec
	state         *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	restarts      *prometheus.CounterVec
}

var (
	registryMu         sync.Mutex
	cycleCounter       prometheus.Counter
	cycleDurationGauge prometheus.Gauge
	ioErrorCounter     *prometheus.CounterVec
	stateGauge         *prometheus.GaugeVec
	notifyCounter      *prometheus.CounterVec
	restartCounter     *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if cycleCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softplc_scan_cycles_total",
			Help: "Number of completed scan cycles.",
		})
		registered, err := registerCollector[prometheus.Counter](reg, counter)
		if err != nil {
			return nil, err
		}
		cycleCounter = registered
	}

	if cycleDurationGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softplc_scan_duration_seconds",
			Help: "Duration of the most recent scan cycle.",
		})
		registered, err := registerCollector[prometheus.Gauge](reg, gauge)
		if err != nil {
			return nil, err
		}
		cycleDurationGauge = registered
	}

	if ioErrorCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softplc_io_errors_total",
			Help: "Number of failed point exchanges by operation.",
		}, []string{"op"})
		registered, err := registerCollector[*prometheus.CounterVec](reg, counter)
		if err != nil {
			return nil, err
		}
		ioErrorCounter = registered
	}

	if stateGauge == nil {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "softplc_engine_state",
			Help: "Current engine state, 1 for the active state and 0 otherwise.",
		}, []string{"state"})
		registered, err := registerCollector[*prometheus.GaugeVec](reg, gauge)
		if err != nil {
			return nil, err
		}
		stateGauge = registered
	}

	if notifyCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softplc_notifications_total",
			Help: "Number of notifications dispatched by channel.",
		}, []string{"channel"})
		registered, err := registerCollector[*prometheus.CounterVec](reg, counter)
		if err != nil {
			return nil, err
		}
		notifyCounter = registered
	}

	if restartCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softplc_restarts_total",
			Help: "Number of engine restarts triggered by configuration changes.",
		}, []string{"file"})
		registered, err := registerCollector[*prometheus.CounterVec](reg, counter)
		if err != nil {
			return nil, err
		}
		restartCounter = registered
	}

	return &PrometheusCollector{
		cycles:        cycleCounter,
		cycleDuration: cycleDurationGauge,
		ioErrors:      ioErrorCounter,
		state:         stateGauge,
		notifications: notifyCounter,
		restarts:      restartCounter,
	}, nil
}

func registerCollector[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		var zero T
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return zero, err
		}
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return zero, err
		}
		return existing, nil
	}
	return collector, nil
}

var engineStates = []string{"idle", "running", "emergency", "exiting", "terminated"}

// ObserveCycle records a completed scan cycle and its duration.
func (p *PrometheusCollector) ObserveCycle(d time.Duration) {
	if p == nil || p.cycles == nil {
		return
	}
	p.cycles.Inc()
	p.cycleDuration.Set(d.Seconds())
}

// IOError counts a failed point exchange for the given operation.
func (p *PrometheusCollector) IOError(op string) {
	if p == nil || p.ioErrors == nil {
		return
	}
	p.ioErrors.WithLabelValues(op).Inc()
}

// StateChange marks the given engine state active.
func (p *PrometheusCollector) StateChange(state string) {
	if p == nil || p.state == nil {
		return
	}
	for _, s := range engineStates {
		value := 0.0
		if s == state {
			value = 1
		}
		p.state.WithLabelValues(s).Set(value)
	}
}

// NotificationSent counts a dispatched notification for the given channel.
func (p *PrometheusCollector) NotificationSent(channel string) {
	if p == nil || p.notifications == nil {
		return
	}
	p.notifications.WithLabelValues(channel).Inc()
}

// Restart counts an engine restart caused by a change to the given file.
func (p *PrometheusCollector) Restart(file string) {
	if p == nil || p.restarts == nil {
		return
	}
	p.restarts.WithLabelValues(file).Inc()
}
