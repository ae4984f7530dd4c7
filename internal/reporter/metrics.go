package reporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the Prometheus series fed by reported metrics.
// All methods are safe on a nil receiver.
type Collectors struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	messages        *prometheus.CounterVec
	messageLatency  *prometheus.HistogramVec
	dropped         prometheus.Counter
}

// NewCollectors registers the gateway series on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apigateway_requests_total",
			Help: "Total number of gateway transactions",
		}, []string{"api", "plan", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apigateway_request_duration_seconds",
			Help:    "Gateway transaction duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"api", "method"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "apigateway_messages_total",
			Help: "Total number of sampled messages",
		}, []string{"api", "connector", "error"}),
		messageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apigateway_message_gateway_latency_seconds",
			Help:    "Time spent by sampled messages inside the gateway",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"api", "connector"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "apigateway_reporter_dropped_total",
			Help: "Report entries dropped because the buffer was full",
		}),
	}
}

func (c *Collectors) observeTransaction(m *Metrics) {
	if c == nil || m == nil {
		return
	}
	c.requests.WithLabelValues(m.APIID, m.PlanID, m.Method, strconv.Itoa(m.Status)).Inc()
	c.requestDuration.WithLabelValues(m.APIID, m.Method).Observe(m.Duration.Seconds())
}

func (c *Collectors) observeMessage(m *MessageMetrics) {
	if c == nil || m == nil {
		return
	}
	c.messages.WithLabelValues(m.APIID, m.Connector, strconv.FormatBool(m.Error)).Inc()
	c.messageLatency.WithLabelValues(m.APIID, m.Connector).Observe(m.GatewayLatency.Seconds())
}

func (c *Collectors) observeDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}
