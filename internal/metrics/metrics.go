package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics/collectors"
)

// SinceInMicroseconds gets the time since the specified start in microseconds.
func SinceInMicroseconds(start time.Time) float64 {
	return float64(time.Since(start).Microseconds())
}

// SinceInSeconds gets the time since specified start in seconds.
func SinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// Metrics is the main structure for starting the metrics endpoints.
type Metrics struct {
	config                        *config.MetricsConfig
	metricMessagesSentTotal       *prometheus.CounterVec
	metricMessagesReceivedTotal   *prometheus.CounterVec
	metricMessagesDispatchedTotal *prometheus.CounterVec
	metricDispatchLatencySeconds  prometheus.Histogram
	metricPendingCalls            prometheus.Gauge
	metricReplyTimeoutsTotal      prometheus.Counter
	metricDisconnectsTotal        prometheus.Counter
	metricOutgoingBytes           prometheus.Gauge
}

var (
	instance   *Metrics
	instanceMu sync.Mutex
)

// New creates a new metrics instance.
func New(cfg *config.MetricsConfig) *Metrics {
	m := &Metrics{
		config: cfg,
		metricMessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.MessagesSentTotal.String(),
				Help:      "Cumulative number of messages queued for sending by message type.",
			},
			[]string{"type"},
		),
		metricMessagesReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.MessagesReceivedTotal.String(),
				Help:      "Cumulative number of messages received from the transport by message type.",
			},
			[]string{"type"},
		),
		metricMessagesDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.MessagesDispatchedTotal.String(),
				Help:      "Cumulative number of dispatched messages by handling result.",
			},
			[]string{"result"},
		),
		metricDispatchLatencySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.DispatchLatencySeconds.String(),
				Help:      "Time spent running the handlers of a single message.",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		metricPendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.PendingCalls.String(),
				Help:      "Number of method calls waiting for a reply.",
			},
		),
		metricReplyTimeoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.ReplyTimeoutsTotal.String(),
				Help:      "Cumulative number of method calls which did not get a reply in time.",
			},
		),
		metricDisconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.DisconnectsTotal.String(),
				Help:      "Cumulative number of connections which lost their transport.",
			},
		),
		metricOutgoingBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: collectors.Subsystem,
				Name:      collectors.OutgoingBytes.String(),
				Help:      "Bytes of messages queued for sending but not yet written.",
			},
		),
	}

	instanceMu.Lock()
	instance = m
	instanceMu.Unlock()

	return m
}

// Instance returns the singleton instance of the Metrics.
func Instance() *Metrics {
	instanceMu.Lock()
	m := instance
	instanceMu.Unlock()

	if m == nil {
		return New(&config.MetricsConfig{})
	}

	return m
}

// Start starts serving the metrics in the background.
func (m *Metrics) Start(ctx context.Context, stop chan struct{}) error {
	if m.config == nil {
		return errors.New("provided config is nil")
	}

	me, err := m.createEndpoint()
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}

	metricsAddress := net.JoinHostPort(m.config.MetricsHost, strconv.Itoa(m.config.MetricsPort))
	if err := m.startEndpoint(ctx, stop, "tcp", metricsAddress, me); err != nil {
		return fmt.Errorf("create metrics endpoint on %s: %w", metricsAddress, err)
	}

	metricsSocket := m.config.MetricsSocket
	if metricsSocket != "" {
		if err := config.RemoveUnusedSocket(metricsSocket); err != nil {
			return fmt.Errorf("removing unused socket %s: %w", metricsSocket, err)
		}

		if err := m.startEndpoint(ctx, stop, "unix", metricsSocket, me); err != nil {
			return fmt.Errorf("creating metrics endpoint socket: %w", err)
		}
	}

	return nil
}

// MetricMessagesSentInc counts a message queued for sending.
func (m *Metrics) MetricMessagesSentInc(msgType string) {
	c, err := m.metricMessagesSentTotal.GetMetricWithLabelValues(msgType)
	if err != nil {
		logrus.Warnf("Unable to write messages sent metric: %v", err)

		return
	}

	c.Inc()
}

// MetricMessagesReceivedInc counts a message taken from the transport.
func (m *Metrics) MetricMessagesReceivedInc(msgType string) {
	c, err := m.metricMessagesReceivedTotal.GetMetricWithLabelValues(msgType)
	if err != nil {
		logrus.Warnf("Unable to write messages received metric: %v", err)

		return
	}

	c.Inc()
}

// MetricMessagesDispatchedInc counts a dispatched message by the result of
// its handlers.
func (m *Metrics) MetricMessagesDispatchedInc(result string) {
	c, err := m.metricMessagesDispatchedTotal.GetMetricWithLabelValues(result)
	if err != nil {
		logrus.Warnf("Unable to write messages dispatched metric: %v", err)

		return
	}

	c.Inc()
}

func (m *Metrics) MetricDispatchLatencyObserve(start time.Time) {
	m.metricDispatchLatencySeconds.Observe(SinceInSeconds(start))
}

func (m *Metrics) MetricPendingCallsAdd(delta float64) {
	m.metricPendingCalls.Add(delta)
}

func (m *Metrics) MetricReplyTimeoutsInc() {
	m.metricReplyTimeoutsTotal.Inc()
}

func (m *Metrics) MetricDisconnectsInc() {
	m.metricDisconnectsTotal.Inc()
}

func (m *Metrics) MetricOutgoingBytesAdd(delta float64) {
	m.metricOutgoingBytes.Add(delta)
}

// createEndpoint creates a /metrics endpoint for prometheus monitoring.
func (m *Metrics) createEndpoint() (*http.ServeMux, error) {
	for collector, metric := range map[collectors.Collector]prometheus.Collector{
		collectors.MessagesSentTotal:       m.metricMessagesSentTotal,
		collectors.MessagesReceivedTotal:   m.metricMessagesReceivedTotal,
		collectors.MessagesDispatchedTotal: m.metricMessagesDispatchedTotal,
		collectors.DispatchLatencySeconds:  m.metricDispatchLatencySeconds,
		collectors.PendingCalls:            m.metricPendingCalls,
		collectors.ReplyTimeoutsTotal:      m.metricReplyTimeoutsTotal,
		collectors.DisconnectsTotal:        m.metricDisconnectsTotal,
		collectors.OutgoingBytes:           m.metricOutgoingBytes,
	} {
		if m.config.MetricsCollectors.Contains(collector) {
			logrus.Debugf("Enabling metric: %s", collector.Stripped())

			if err := prometheus.Register(metric); err != nil {
				return nil, fmt.Errorf("register metric: %w", err)
			}
		} else {
			logrus.Debugf("Skipping metric: %s", collector.Stripped())
		}
	}

	mux := &http.ServeMux{}
	mux.Handle("/metrics", promhttp.Handler())

	return mux, nil
}

func (m *Metrics) startEndpoint(
	ctx context.Context, stop chan struct{}, network, address string, me http.Handler,
) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	go func() {
		srv := http.Server{
			Handler:           me,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof(ctx, "Serving metrics on %s using HTTP", address)

		go func() {
			<-stop

			if err := srv.Shutdown(ctx); err != nil {
				log.Errorf(ctx, "Error on metrics server shutdown: %v", err)
			}
		}()

		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, "Failed to serve metrics endpoint %v: %v", l, err)
		}
	}()

	return nil
}
