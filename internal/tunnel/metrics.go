package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "veiltun_active_sessions", Help: "Currently relaying sessions"})
	sessionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "veiltun_sessions_total", Help: "Sessions started, by transport"}, []string{"transport"})
	bytesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "veiltun_relay_bytes_total", Help: "Bytes relayed, by direction"}, []string{"direction"})
	relayErrors    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "veiltun_relay_errors_total", Help: "Relay failures, by class"}, []string{"class"})
	sessionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "veiltun_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
