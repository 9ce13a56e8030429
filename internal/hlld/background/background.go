// Package background runs the two maintenance sweeps: the periodic flush
// of dirty sets and the unmapping of cold ones.
//
// Both loops share a shape: an initial checkpoint with the set manager,
// then a 250ms tick, firing the sweep once every interval worth of ticks.
// Checkpointing on every tick (and every 64 operations inside a sweep)
// keeps the vacuum's reclamation horizon moving even when a sweep is slow.
// Per-set errors are ignored: sets legitimately disappear mid-sweep.
package background

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/manager"
)

// tick is the base wake interval of both loops.
const tick = 250 * time.Millisecond

// ticksPerSecond converts a configured interval in seconds to ticks.
const ticksPerSecond = 4

// periodicCheckpoint is how many per-set operations a sweep performs
// between checkpoints.
const periodicCheckpoint = 64

// Workers owns the background goroutines. Stop is cooperative: the loops
// observe shouldRun on their next wake.
type Workers struct {
	shouldRun atomic.Bool
	wg        sync.WaitGroup
}

// Start launches the flush and cold sweeps for the given manager. A loop
// whose interval is zero is not started.
func Start(cfg *config.Config, mgr *manager.Manager) *Workers {
	w := &Workers{}
	w.shouldRun.Store(true)

	if cfg.FlushInterval > 0 {
		w.wg.Add(1)
		go w.flushLoop(cfg, mgr)
	}
	if cfg.ColdInterval > 0 {
		w.wg.Add(1)
		go w.coldLoop(cfg, mgr)
	}
	return w
}

// Stop signals both loops and waits for them to exit.
func (w *Workers) Stop() {
	w.shouldRun.Store(false)
	w.wg.Wait()
}

func (w *Workers) flushLoop(cfg *config.Config, mgr *manager.Manager) {
	defer w.wg.Done()

	const clientID = "flush-sweep"
	mgr.Checkpoint(clientID)
	defer mgr.Leave(clientID)

	log.Infof("Flush thread started. Interval: %d seconds.", cfg.FlushInterval)

	interval := uint(cfg.FlushInterval) * ticksPerSecond
	ticks := uint(0)
	for w.shouldRun.Load() {
		time.Sleep(tick)
		mgr.Checkpoint(clientID)

		ticks++
		if ticks%interval != 0 || !w.shouldRun.Load() {
			continue
		}

		start := time.Now()
		log.Info("Scheduled flush started.")

		names := mgr.ListSets("")
		cmds := 0
		for _, name := range names {
			// Errors are expected: the set may have been dropped since
			// the listing.
			_ = mgr.FlushSet(name)
			if cmds++; cmds%periodicCheckpoint == 0 {
				mgr.Checkpoint(clientID)
			}
		}

		log.Infof("Flushed %d sets in %d msecs",
			len(names), time.Since(start).Milliseconds())
	}
}

func (w *Workers) coldLoop(cfg *config.Config, mgr *manager.Manager) {
	defer w.wg.Done()

	const clientID = "cold-sweep"
	mgr.Checkpoint(clientID)
	defer mgr.Leave(clientID)

	log.Infof("Cold unmap thread started. Interval: %d seconds.", cfg.ColdInterval)

	interval := uint(cfg.ColdInterval) * ticksPerSecond
	ticks := uint(0)
	for w.shouldRun.Load() {
		time.Sleep(tick)
		mgr.Checkpoint(clientID)

		ticks++
		if ticks%interval != 0 || !w.shouldRun.Load() {
			continue
		}

		start := time.Now()
		log.Info("Cold unmap started.")

		names := mgr.ListColdSets()
		cmds := 0
		for _, name := range names {
			log.Debugf("Unmapping set '%s' for being cold.", name)
			_ = mgr.UnmapSet(name)
			if cmds++; cmds%periodicCheckpoint == 0 {
				mgr.Checkpoint(clientID)
			}
		}

		log.Infof("Unmapped %d sets in %d msecs",
			len(names), time.Since(start).Milliseconds())
	}
}
