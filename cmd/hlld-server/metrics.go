package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "connections_total",
		Help:      "Number of client connections accepted.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hlld",
		Name:      "connections_active",
		Help:      "Client connections currently open.",
	})

	commandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "commands_total",
		Help:      "Number of commands dispatched.",
	})
)
