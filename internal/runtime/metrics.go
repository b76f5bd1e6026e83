package runtime

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/wsflow/internal/runtime/broadcast"
)

const metricsNamespace = "wsflow"

// Metrics holds the Prometheus collectors of a Service. It observes the
// binding, the broadcast engine and the fan-out adapter.
type Metrics struct {
	mu sync.Mutex

	connections      *prometheus.GaugeVec
	rejected         *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	fanoutPublished  *prometheus.CounterVec
	fanoutErrors     *prometheus.CounterVec
	fanoutReceived   *prometheus.CounterVec
	adapterActive    prometheus.Gauge
	events           *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the Prometheus
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "binding",
			Name:      "connections",
			Help:      "Live connections per service path",
		}, []string{"path"}),
		rejected:         newCounterVec("binding", "rejected_total", "Connections rejected by the admission chain", []string{"path", "code"}),
		broadcasts:       newCounterVec("broadcast", "total", "Broadcasts evaluated on this process", []string{"path", "origin"}),
		deliveries:       newCounterVec("broadcast", "deliveries_total", "Frames handed to connection writers", []string{"path"}),
		deliveryFailures: newCounterVec("broadcast", "delivery_failures_total", "Frames that could not be delivered", []string{"path"}),
		fanoutPublished:  newCounterVec("fanout", "published_total", "Broadcasts published to other processes", []string{"service"}),
		fanoutErrors:     newCounterVec("fanout", "publish_errors_total", "Fan-out publishes that failed or were dropped", []string{"path"}),
		fanoutReceived:   newCounterVec("fanout", "received_total", "Broadcasts received from other processes", []string{"service"}),
		adapterActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "fanout",
			Name:      "adapter_active",
			Help:      "1 while the fan-out adapter is connected",
		}),
		events: newCounterVec("events", "total", "Inbound client events by outcome", []string{"path", "event", "outcome"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "duration_seconds",
			Help:      "Inbound event handler duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "event"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.connections,
		m.rejected,
		m.broadcasts,
		m.deliveries,
		m.deliveryFailures,
		m.fanoutPublished,
		m.fanoutErrors,
		m.fanoutReceived,
		m.adapterActive,
		m.events,
		m.eventDuration,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Binding and engine observations are labelled with the service path,
// fan-out observations with the service name.

func (m *Metrics) ObserveConnection(path string, delta int) {
	m.connections.WithLabelValues(path).Add(float64(delta))
}

func (m *Metrics) ObserveRejected(path string, code int) {
	m.rejected.WithLabelValues(path, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveBroadcast(path, origin string, res broadcast.Result) {
	m.broadcasts.WithLabelValues(path, origin).Inc()
	m.deliveries.WithLabelValues(path).Add(float64(res.Delivered))
	m.deliveryFailures.WithLabelValues(path).Add(float64(res.Failed))
}

func (m *Metrics) ObservePublishError(path string) {
	m.fanoutErrors.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveFanoutPublished(service string) {
	m.fanoutPublished.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveFanoutReceived(service string) {
	m.fanoutReceived.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveAdapterActive(active bool) {
	if active {
		m.adapterActive.Set(1)
		return
	}
	m.adapterActive.Set(0)
}

// eventHooks records inbound event outcomes and durations.
func (m *Metrics) eventHooks() EventHooks {
	return EventHooks{
		OnEventDone: func(ctx EventContext) {
			m.events.WithLabelValues(ctx.Service, ctx.Event, "ok").Inc()
			m.eventDuration.WithLabelValues(ctx.Service, ctx.Event).Observe(ctx.Duration.Seconds())
		},
		OnEventError: func(ctx EventContext, err error) {
			m.events.WithLabelValues(ctx.Service, ctx.Event, "error").Inc()
			m.eventDuration.WithLabelValues(ctx.Service, ctx.Event).Observe(ctx.Duration.Seconds())
		},
	}
}

// Reset clears every collector (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections.Reset()
	m.rejected.Reset()
	m.broadcasts.Reset()
	m.deliveries.Reset()
	m.deliveryFailures.Reset()
	m.fanoutPublished.Reset()
	m.fanoutErrors.Reset()
	m.fanoutReceived.Reset()
	m.adapterActive.Set(0)
	m.events.Reset()
	m.eventDuration.Reset()
}
