package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	portHopsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "veiltun_port_hops_total", Help: "Completed port rotations"})
	protocolDrops = promauto.NewCounterVec(prometheus.CounterOpts{Name: "veiltun_protocol_drops_total", Help: "Connections dropped for malformed framing, by adapter"}, []string{"transport"})
)
