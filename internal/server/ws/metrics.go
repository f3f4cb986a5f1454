package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vaultchat_connections_active",
	Help: "Currently open websocket connections.",
})
