package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

// Metrics implements embedgate.Metrics using Prometheus.
type Metrics struct {
	usageCheckDuration   *prometheus.HistogramVec
	usageRecordsTotal    *prometheus.CounterVec
	messagesTotal        *prometheus.CounterVec
	messageDuration      *prometheus.HistogramVec
	messagesDroppedTotal *prometheus.CounterVec
	stateSaveBytes       *prometheus.HistogramVec
	stateSaveChunks      *prometheus.HistogramVec
	stateSaveDuration    *prometheus.HistogramVec
	stateLoadDuration    *prometheus.HistogramVec
	stateOpErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		usageCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_check_duration_seconds",
			Help:      "Latency of quota checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app", "reason"}),

		usageRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_total",
			Help:      "Total number of usage record attempts.",
		}, []string{"app", "reason", "success"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of dispatched frame messages.",
		}, []string{"type"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Latency of frame message dispatches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),

		messagesDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of silently dropped frame messages.",
		}, []string{"cause"}),

		stateSaveBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_save_bytes",
			Help:      "Distribution of serialized state sizes.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"app"}),

		stateSaveChunks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_save_chunks",
			Help:      "Distribution of chunk counts per save.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}, []string{"app"}),

		stateSaveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_save_duration_seconds",
			Help:      "Latency of state saves.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app"}),

		stateLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_load_duration_seconds",
			Help:      "Latency of state loads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"app", "format"}),

		stateOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_operation_errors_total",
			Help:      "Total number of failed state operations.",
		}, []string{"app", "operation"}),
	}
}

func (m *Metrics) RecordUsageCheck(appID string, reason embedgate.Reason, duration time.Duration) {
	m.usageCheckDuration.WithLabelValues(appID, string(reason)).Observe(duration.Seconds())
}

func (m *Metrics) RecordUsageRecord(appID string, reason embedgate.Reason, success bool) {
	m.usageRecordsTotal.WithLabelValues(appID, string(reason), strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordMessage(msgType string, duration time.Duration) {
	m.messagesTotal.WithLabelValues(msgType).Inc()
	m.messageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (m *Metrics) RecordMessageDropped(cause string) {
	m.messagesDroppedTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordStateSave(appID string, bytes, chunks int, duration time.Duration, err error) {
	m.stateSaveDuration.WithLabelValues(appID).Observe(duration.Seconds())
	if err != nil {
		m.stateOpErrors.WithLabelValues(appID, "save").Inc()
		return
	}
	m.stateSaveBytes.WithLabelValues(appID).Observe(float64(bytes))
	m.stateSaveChunks.WithLabelValues(appID).Observe(float64(chunks))
}

func (m *Metrics) RecordStateLoad(appID string, format string, duration time.Duration, err error) {
	m.stateLoadDuration.WithLabelValues(appID, format).Observe(duration.Seconds())
	if err != nil {
		m.stateOpErrors.WithLabelValues(appID, "load").Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
