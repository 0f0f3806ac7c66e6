// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace    = "relayd"
	metricsSubSystemRTC = "rtc"
	metricsSubSystemWS  = "ws"
)

type Metrics struct {
	registry *prometheus.Registry

	RTPPacketCounters      *prometheus.CounterVec
	RTPPacketBytesCounters *prometheus.CounterVec
	RTCPPacketCounters     *prometheus.CounterVec
	RTCSessions            *prometheus.GaugeVec
	RTCRooms               prometheus.Gauge
	RTCConnStateCounters   *prometheus.CounterVec
	RTCErrorCounters       *prometheus.CounterVec
	DroppedPacketCounters  *prometheus.CounterVec

	WSConnections prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: metricsNamespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.RTPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_packets_total",
			Help:      "Total number of sent/received RTP packets",
		},
		[]string{"direction"},
	)
	m.registry.MustRegister(m.RTPPacketCounters)

	m.RTPPacketBytesCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_bytes_total",
			Help:      "Total number of sent/received RTP packet bytes",
		},
		[]string{"direction"},
	)
	m.registry.MustRegister(m.RTPPacketBytesCounters)

	m.RTCPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtcp_packets_total",
			Help:      "Total number of sent/received RTCP packets",
		},
		[]string{"direction"},
	)
	m.registry.MustRegister(m.RTCPPacketCounters)

	m.RTCSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "sessions_total",
			Help:      "Total number of active RTC sessions",
		},
		[]string{"role"},
	)
	m.registry.MustRegister(m.RTCSessions)

	m.RTCRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rooms_total",
			Help:      "Total number of active rooms",
		},
	)
	m.registry.MustRegister(m.RTCRooms)

	m.RTCConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "conn_states_total",
			Help:      "Total number of RTC connection state changes",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCConnStateCounters)

	m.RTCErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "errors_total",
			Help:      "Total number of RTC related errors",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCErrorCounters)

	m.DroppedPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "dropped_packets_total",
			Help:      "Total number of dropped datagrams by reason",
		},
		[]string{"reason"},
	)
	m.registry.MustRegister(m.DroppedPacketCounters)

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubSystemWS,
			Name:      "connections_total",
			Help:      "Total number of active WebSocket connections",
		},
	)
	m.registry.MustRegister(m.WSConnections)

	return &m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRTCSessions(role string) {
	m.RTCSessions.With(prometheus.Labels{"role": role}).Inc()
}

func (m *Metrics) DecRTCSessions(role string) {
	m.RTCSessions.With(prometheus.Labels{"role": role}).Dec()
}

func (m *Metrics) IncRTCRooms() {
	m.RTCRooms.Inc()
}

func (m *Metrics) DecRTCRooms() {
	m.RTCRooms.Dec()
}

func (m *Metrics) IncRTCConnState(state string) {
	m.RTCConnStateCounters.With(prometheus.Labels{"type": state}).Inc()
}

func (m *Metrics) IncRTPPackets(direction string) {
	m.RTPPacketCounters.With(prometheus.Labels{"direction": direction}).Inc()
}

func (m *Metrics) AddRTPPacketBytes(direction string, value int) {
	m.RTPPacketBytesCounters.With(prometheus.Labels{"direction": direction}).Add(float64(value))
}

func (m *Metrics) IncRTCPPackets(direction string) {
	m.RTCPPacketCounters.With(prometheus.Labels{"direction": direction}).Inc()
}

func (m *Metrics) IncRTCErrors(errType string) {
	m.RTCErrorCounters.With(prometheus.Labels{"type": errType}).Inc()
}

func (m *Metrics) IncDroppedPackets(reason string) {
	m.DroppedPacketCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
