// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus metrics shared by all the handles
// created with the same [*Config].
//
// Construct using [NewMetrics]. All methods are nil-safe so that a nil
// [*Metrics] disables metrics collection.
type Metrics struct {
	datagramsReceived prometheus.Counter
	bytesReceived     prometheus.Counter
	datagramsSent     prometheus.Counter
	bytesSent         prometheus.Counter
	queuedSends       prometheus.Gauge
	errors            *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
}

// NewMetrics creates and registers the handle metrics with reg.
//
// A nil reg returns a nil [*Metrics], which disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		datagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "datagrams_received_total",
			Help:      "Total datagrams delivered to receive callbacks",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "bytes_received_total",
			Help:      "Total payload bytes delivered to receive callbacks",
		}),
		datagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams handed to the kernel",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes handed to the kernel",
		}),
		queuedSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "udphandle",
			Name:      "queued_sends",
			Help:      "Datagrams waiting in send queues",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "errors_total",
			Help:      "Errors reported by handles",
		}, []string{"fatal"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "udphandle",
			Name:      "timeouts_total",
			Help:      "Expired inactivity timeouts",
		}, []string{"kind"}),
	}
	collectors := []prometheus.Collector{
		m.datagramsReceived,
		m.bytesReceived,
		m.datagramsSent,
		m.bytesSent,
		m.queuedSends,
		m.errors,
		m.timeouts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) received(count int) {
	if m == nil {
		return
	}
	m.datagramsReceived.Inc()
	m.bytesReceived.Add(float64(count))
}

func (m *Metrics) sent(count int) {
	if m == nil {
		return
	}
	m.datagramsSent.Inc()
	m.bytesSent.Add(float64(count))
}

// queued adjusts the queued sends gauge by delta.
func (m *Metrics) queued(delta int) {
	if m == nil {
		return
	}
	m.queuedSends.Add(float64(delta))
}

func (m *Metrics) reportError(fatal bool) {
	if m == nil {
		return
	}
	label := "false"
	if fatal {
		label = "true"
	}
	m.errors.WithLabelValues(label).Inc()
}

func (m *Metrics) timeout(kind string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(kind).Inc()
}
