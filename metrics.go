// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nbd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for a Server. A nil *Metrics discards
// everything.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	OptionsTotal      *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	RequestBytes      *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg, if it is not
// nil. It panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nbd_connections_total",
			Help: "Total accepted NBD connections",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nbd_connections_active",
			Help: "Currently open NBD connections",
		}),
		OptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_options_total",
			Help: "Option requests by option and result",
		}, []string{"option", "result"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_requests_total",
			Help: "Transmission requests by command and result",
		}, []string{"command", "result"}),
		RequestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nbd_request_bytes_total",
			Help: "Bytes covered by transmission requests by command",
		}, []string{"command"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nbd_request_duration_seconds",
			Help:    "Transmission request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectionsTotal,
			m.ConnectionsActive,
			m.OptionsTotal,
			m.RequestsTotal,
			m.RequestBytes,
			m.RequestDuration,
		)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) option(code OptionCode, result string) {
	if m == nil {
		return
	}
	m.OptionsTotal.WithLabelValues(code.String(), result).Inc()
}

func (m *Metrics) request(cmd Command, result string, length uint32, d time.Duration) {
	if m == nil {
		return
	}
	name := cmd.String()
	m.RequestsTotal.WithLabelValues(name, result).Inc()
	if length > 0 {
		m.RequestBytes.WithLabelValues(name).Add(float64(length))
	}
	if d > 0 {
		m.RequestDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}
