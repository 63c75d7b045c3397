package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the generator.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. Streaming sessions report once when they start and once
// when they end, never per sample.
type Collector interface {
	IncHotReload(file string)
	IncSession(channel string)
	AddSamples(channel string, count uint64)
	IncTransportError(channel string)
	ObserveStop(channel string, latency time.Duration)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                {}
func (noopCollector) IncSession(string)                  {}
func (noopCollector) AddSamples(string, uint64)          {}
func (noopCollector) IncTransportError(string)           {}
func (noopCollector) ObserveStop(string, time.Duration) {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	samples         *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	stopLatency     *prometheus.HistogramVec
}

var (
	metricsLock     sync.Mutex
	hotReloadMetric *prometheus.CounterVec
	sessionMetric   *prometheus.CounterVec
	sampleMetric    *prometheus.CounterVec
	transportMetric *prometheus.CounterVec
	stopMetric      *prometheus.HistogramVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()

	var err error
	if hotReloadMetric == nil {
		if hotReloadMetric, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funcgen_config_hot_reload_total",
			Help: "Number of hot reload operations triggered per configuration source file.",
		}, []string{"file"})); err != nil {
			return nil, err
		}
	}
	if sessionMetric == nil {
		if sessionMetric, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funcgen_stream_sessions_total",
			Help: "Number of streaming sessions started per converter channel.",
		}, []string{"channel"})); err != nil {
			return nil, err
		}
	}
	if sampleMetric == nil {
		if sampleMetric, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funcgen_stream_samples_written_total",
			Help: "Number of samples transferred to the converter per channel.",
		}, []string{"channel"})); err != nil {
			return nil, err
		}
	}
	if transportMetric == nil {
		if transportMetric, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "funcgen_transport_errors_total",
			Help: "Number of failed bus transfers that ended a streaming session.",
		}, []string{"channel"})); err != nil {
			return nil, err
		}
	}
	if stopMetric == nil {
		if stopMetric, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "funcgen_stream_stop_seconds",
			Help:    "Time between requesting a stop and the streaming task exiting.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"channel"})); err != nil {
			return nil, err
		}
	}

	return &PrometheusCollector{
		hotReloads:      hotReloadMetric,
		sessions:        sessionMetric,
		samples:         sampleMetric,
		transportErrors: transportMetric,
		stopLatency:     stopMetric,
	}, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncSession counts a started streaming session.
func (p *PrometheusCollector) IncSession(channel string) {
	if p == nil || p.sessions == nil {
		return
	}
	p.sessions.WithLabelValues(channel).Inc()
}

// AddSamples records transferred samples for a channel.
func (p *PrometheusCollector) AddSamples(channel string, count uint64) {
	if p == nil || p.samples == nil || count == 0 {
		return
	}
	p.samples.WithLabelValues(channel).Add(float64(count))
}

// IncTransportError counts a failed transfer.
func (p *PrometheusCollector) IncTransportError(channel string) {
	if p == nil || p.transportErrors == nil {
		return
	}
	p.transportErrors.WithLabelValues(channel).Inc()
}

// ObserveStop records how long a stop request took to take effect.
func (p *PrometheusCollector) ObserveStop(channel string, latency time.Duration) {
	if p == nil || p.stopLatency == nil {
		return
	}
	p.stopLatency.WithLabelValues(channel).Observe(latency.Seconds())
}
