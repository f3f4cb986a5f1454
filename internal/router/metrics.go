package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultchat_messages_relayed_total",
		Help: "Messages relayed live to an online recipient.",
	})
	messagesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultchat_messages_queued_total",
		Help: "Messages stored pending for an offline recipient.",
	})
	messagesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultchat_messages_flushed_total",
		Help: "Queued messages delivered on a recipient's join.",
	})
)
