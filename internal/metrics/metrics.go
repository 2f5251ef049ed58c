// Package metrics exposes sshdirect's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connect attempt results.
const (
	ResultConnected = "connected"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

var (
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshdirect_connect_attempts_total", Help: "Connect attempts by result"}, []string{"result"})
	ConnectDuration      = promauto.NewHistogram(prometheus.HistogramOpts{Name: "sshdirect_connect_duration_seconds", Help: "Time from connect request to proxy ready", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)})
	SessionUp            = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshdirect_session_up", Help: "1 while a tunnel session is connected"})
	TransportErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "sshdirect_transport_errors_total", Help: "Out-of-band SSH transport errors"})
	ForwardActive        = promauto.NewGauge(prometheus.GaugeOpts{Name: "sshdirect_forward_connections_active", Help: "Relayed SOCKS5 connections in progress"})
	ForwardBytesTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sshdirect_forward_bytes_total", Help: "Bytes relayed by direction"}, []string{"direction"})
)

// AddForwardBytes records a finished relay. up is client to remote, down is
// remote to client.
func AddForwardBytes(up, down int64) {
	ForwardBytesTotal.WithLabelValues("up").Add(float64(up))
	ForwardBytesTotal.WithLabelValues("down").Add(float64(down))
}
