package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "palisade_hub_connected_clients",
	Help: "Number of currently connected hub clients.",
})

var messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "palisade_hub_messages_sent_total",
	Help: "Total number of messages queued to hub clients, by type.",
}, []string{"type"})

var messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "palisade_hub_messages_dropped_total",
	Help: "Total number of messages dropped due to slow clients.",
})
