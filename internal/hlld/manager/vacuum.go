// The vacuum: merges delta entries into the alternate tree, rotates the
// trees, and reclaims retired wrappers once no client can see them.
package manager

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// vacuumPoll is how long the vacuum sleeps between iterations and while
// waiting on a version barrier.
const vacuumPoll = 500 * time.Millisecond

// warnThreshold is the number of outstanding versions that triggers a
// slow-client warning.
const warnThreshold = 32

// vacuumLoop runs on its own goroutine for the life of the manager.
func (m *Manager) vacuumLoop() {
	defer close(m.vacuumDone)

	for m.shouldRun.Load() {
		if !m.vacuumOnce() {
			time.Sleep(vacuumPoll)
		}
	}
}

// vacuumOnce performs a single vacuum iteration. It reports false when
// there was nothing to do, so the loop can sleep.
func (m *Manager) vacuumOnce() bool {
	if m.vsn.Load() == m.primaryVsn.Load() {
		return false
	}

	// Every cycle ends with a barrier delta, so after a quiet period we
	// are permanently one version ahead with nothing real to merge.
	// Handle that by just advancing primaryVsn, without tree churn.
	mgrVsn := m.vsn.Load()
	if mgrVsn-m.primaryVsn.Load() == 1 {
		fastPath := false
		m.writeMu.Lock()
		if mgrVsn == m.vsn.Load() && m.delta.Load().kind == deltaBarrier {
			m.primaryVsn.Store(mgrVsn)
			fastPath = true
		}
		m.writeMu.Unlock()
		if fastPath {
			log.Debugf("All updates applied. (vsn: %d)", mgrVsn)
			return true
		}
	}

	minVsn := m.clients.minVsn(m.vsn.Load())

	if outstanding := m.vsn.Load() - minVsn; outstanding > warnThreshold {
		log.Warnf("Many delta versions detected! min: %d (vsn: %d)",
			minVsn, m.vsn.Load())
	} else {
		log.Debugf("Applying delta update up to: %d (vsn: %d)",
			minVsn, m.vsn.Load())
	}

	// Fold everything up to minVsn into the alternate tree, oldest first
	// so create-then-delete sequences land in their final state.
	m.mergeOldVersions(minVsn)

	// Publish the names being deleted before the swap makes the deletes
	// visible, so a create cannot slip in between the swap and the
	// on-disk removal below.
	m.markPendingDeletes(minVsn)

	// Rotate. New readers see the merged state from here on.
	m.swapTrees(minVsn)

	// Wait until no reader can still be walking the old primary.
	m.versionBarrier()

	// Bring the new alternate (the old primary) up to the same state.
	m.mergeOldVersions(minVsn)

	// Both trees agree; the retired entries are unreachable. Destroy.
	m.deleteOldVersions(minVsn)

	m.clearPendingDeletes()

	vacuumCycles.Inc()
	log.Infof("Finished delta updates up to: %d (vsn: %d)", minVsn, m.vsn.Load())
	return true
}

// mergeOldVersions replays delta entries with version <= minVsn into the
// alternate tree, oldest first. Barriers are skipped. Only the vacuum
// touches the alternate, so no locking is needed.
func (m *Manager) mergeOldVersions(minVsn uint64) {
	var pending []*delta
	for d := m.delta.Load(); d != nil; d = d.next.Load() {
		if d.vsn <= minVsn {
			pending = append(pending, d)
		}
	}

	// The log is newest first; replay from the back.
	for i := len(pending) - 1; i >= 0; i-- {
		d := pending[i]
		switch d.kind {
		case deltaCreate:
			m.alt.Insert(nulKey(d.wrapper.sk.Name()), d.wrapper)
		case deltaDelete:
			m.alt.Delete(nulKey(d.wrapper.sk.Name()))
		case deltaBarrier:
		}
	}
}

// markPendingDeletes publishes the names of every DELETE entry this cycle
// will reclaim, so creates return ErrDeletePending until the files are
// actually gone.
func (m *Manager) markPendingDeletes(minVsn uint64) {
	pending := make(map[string]struct{})
	for d := m.delta.Load(); d != nil; d = d.next.Load() {
		if d.vsn <= minVsn && d.kind == deltaDelete {
			pending[d.wrapper.sk.Name()] = struct{}{}
		}
	}

	m.pendingMu.Lock()
	m.pendingDeletes = pending
	m.pendingMu.Unlock()
}

func (m *Manager) clearPendingDeletes() {
	m.pendingMu.Lock()
	m.pendingDeletes = nil
	m.pendingMu.Unlock()
}

// swapTrees rotates primary and alternate. The swap itself is a single
// atomic pointer store, which is why readers never need a lock.
func (m *Manager) swapTrees(primaryVsn uint64) {
	old := m.primary.Swap(m.alt)
	m.alt = old
	m.primaryVsn.Store(primaryVsn)
}

// versionBarrier appends a barrier delta and waits until every client has
// checkpointed at or past it. Once that happens, no reader can still hold
// the pre-swap tree or any delta entry older than the barrier.
func (m *Manager) versionBarrier() {
	m.writeMu.Lock()
	vsn := m.createDeltaUpdate(deltaBarrier, nil)
	m.writeMu.Unlock()

	for m.shouldRun.Load() && m.clients.minVsn(m.vsn.Load()) < vsn {
		time.Sleep(vacuumPoll)
	}
}

// deleteOldVersions severs the retired tail of the delta log and destroys
// the sketches of its DELETE entries. Safe only after both trees have the
// entries merged and the barrier has passed.
func (m *Manager) deleteOldVersions(minVsn uint64) {
	m.writeMu.Lock()
	old := m.removeDeltaVersions(minVsn)
	m.writeMu.Unlock()

	for d := old; d != nil; d = d.next.Load() {
		if d.kind == deltaDelete {
			m.deleteWrapper(d.wrapper)
		}
	}
}

// removeDeltaVersions unlinks every entry with version <= minVsn and
// returns the head of the removed chain. Callers hold the write mutex.
func (m *Manager) removeDeltaVersions(minVsn uint64) *delta {
	current := m.delta.Load()
	var prev *delta
	for current != nil && current.vsn > minVsn {
		prev = current
		current = current.next.Load()
	}

	if current != nil {
		if prev == nil {
			m.delta.Store(nil)
		} else {
			prev.next.Store(nil)
		}
	}
	return current
}

// Vacuum forces a full merge-swap-merge-reclaim cycle up to the current
// version, without barriers or checkpoint gating. It is unsafe while
// clients are running concurrently; it exists for tests and embedded use
// where the caller controls all threads.
func (m *Manager) Vacuum() {
	vsn := m.vsn.Load()
	m.mergeOldVersions(vsn)
	m.markPendingDeletes(vsn)
	m.swapTrees(vsn)
	m.mergeOldVersions(vsn)
	m.deleteOldVersions(vsn)
	m.clearPendingDeletes()
}
