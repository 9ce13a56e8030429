// main.go is the entry point for the hlld server. It wires together the
// configuration, the set manager, the background sweeps, and the network
// server, and manages the operational lifecycle.
//
// Startup Sequence
// ================
//
// Configuration is loaded and validated first; a bad config or an
// unwritable data directory exits non-zero before anything is bound.
// The set manager then scans the data directory and registers every
// existing set in its proxied state, so a restart with a million sets
// costs directory entries, not register files. Only after the manager and
// its vacuum goroutine are up do the background sweeps and the TCP
// listener start.
//
// Shutdown
// ========
//
// On SIGINT/SIGTERM the listener closes, in-flight connections drain
// (bounded by a timeout), the sweeps stop at their next wake, and the
// manager destroys every set: pending deletes complete their on-disk
// removal, everything else is flushed and closed. Exit code 0 on a clean
// shutdown, 1 on config or bind failure.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"hlld.lopezb.com/internal/hlld/background"
	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/manager"
)

// connsPerWorker scales the connection limit with the configured worker
// count. Connections are cheap goroutines; the limit exists to bound
// memory under connection floods, not to match CPU cores.
const connsPerWorker = 64

// shutdownTimeout bounds how long a shutdown waits for in-flight
// connections to drain.
const shutdownTimeout = 5 * time.Second

type application struct {
	config      *config.Config
	mgr         *manager.Manager
	router      *Router
	listener    net.Listener
	readyCh     chan struct{}
	wg          sync.WaitGroup
	connLimiter chan struct{}
	connSeq     atomic.Uint64
}

func main() {
	configFile := flag.String("f", "", "Path to the INI configuration file")
	workers := flag.Int("w", 0, "Override the configured worker count")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	log.SetLevel(level)

	mgr, err := manager.New(cfg, true)
	if err != nil {
		log.WithError(err).Error("Failed to initialize the set manager")
		os.Exit(1)
	}

	app := &application{
		config:      cfg,
		mgr:         mgr,
		connLimiter: make(chan struct{}, cfg.Workers*connsPerWorker),
	}
	app.router = app.commands()

	sweeps := background.Start(cfg, mgr)

	if cfg.MetricsPort > 0 {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.MetricsPort)
			log.Infof("Metrics listening on %s", addr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	err = app.serve()

	// Teardown order matters: the sweeps call into the manager, so they
	// stop first; destroying the manager flushes and closes every set.
	sweeps.Stop()
	mgr.Destroy()

	if err != nil {
		log.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
}
