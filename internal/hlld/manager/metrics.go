package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager-level counters. These are process-wide: a second manager in the
// same process (tests aside) shares them.
var (
	createsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "sets_created_total",
		Help:      "Number of sets created.",
	})

	dropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "sets_dropped_total",
		Help:      "Number of sets dropped.",
	})

	keysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "keys_added_total",
		Help:      "Number of keys streamed into sets.",
	})

	vacuumCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "vacuum_cycles_total",
		Help:      "Number of completed vacuum merge cycles.",
	})

	reclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hlld",
		Name:      "wrappers_reclaimed_total",
		Help:      "Number of retired set wrappers destroyed.",
	})
)
