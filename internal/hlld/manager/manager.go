// Package manager implements the concurrent registry that maps set names
// to live sketches. It is the core of the server: every command resolves
// through it, and it coordinates the background flusher, the cold sweeper,
// and safe teardown of dropped sets while long-running operations still
// hold references.
//
// MVCC Model
// ==========
//
// The manager keeps two radix trees, a primary and an alternate. Reads go
// through the primary with no locking at all. Destructive operations
// (create/drop/clear) never touch the trees; they serialize on a single
// write mutex and append an entry to a delta log instead. A lookup that
// misses the primary walks the unmerged head of the delta log, so a
// create is visible the moment it returns.
//
// A dedicated vacuum goroutine periodically merges the delta log into the
// alternate tree, swaps the trees with a single atomic pointer store, and
// then reclaims the retired entries. Reclamation is gated on client
// checkpoints: every worker records the version it last observed, and the
// vacuum only merges and frees entries at or below the minimum. A "version
// barrier" (a synthetic delta every client must advance past) guarantees
// no reader is still walking the pre-swap tree before its entries are
// destroyed.
//
// This design keeps reads lock-free, makes writes O(1) appends, and bounds
// the structure at exactly two trees regardless of churn.
//
// The pending-deletes snapshot closes one subtle race: after a merge the
// primary no longer contains a dropped set, so a create would succeed,
// but the vacuum may not yet have removed the old files on disk. Names in
// the snapshot answer create with "delete in progress" until the vacuum
// finishes destroying them.
package manager

import (
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/radix"
	"hlld.lopezb.com/internal/hlld/sketch"
)

var (
	// ErrSetNotFound reports that no active set has the given name.
	ErrSetNotFound = errors.New("manager: set does not exist")

	// ErrSetExists reports that an active set already has the name.
	ErrSetExists = errors.New("manager: set already exists")

	// ErrDeletePending reports that the name is shadowed by a delete the
	// vacuum has not reclaimed yet.
	ErrDeletePending = errors.New("manager: delete in progress")

	// ErrNotProxied reports a clear against a set whose registers are
	// still resident.
	ErrNotProxied = errors.New("manager: set is not proxied")

	// ErrInternal reports an allocation, IO, or mapping failure.
	ErrInternal = errors.New("manager: internal error")
)

type deltaKind int

const (
	deltaCreate deltaKind = iota
	deltaDelete
	deltaBarrier
)

// delta is one entry of the newest-first delta log. Entries are immutable
// after publication except for the next pointer, which the vacuum severs
// when it retires the tail.
type delta struct {
	vsn     uint64
	kind    deltaKind
	wrapper *wrapper
	next    atomic.Pointer[delta]
}

// wrapper pairs a sketch with the flags and lock the manager needs.
// External code reaches the sketch only through manager operations, which
// hold the appropriate side of rw for the duration.
type wrapper struct {
	active        atomic.Bool // cleared the moment a destructive op is accepted
	hot           atomic.Bool // set on add, cleared by the cold sweep probe
	pendingDelete atomic.Bool // true: destruction removes the on-disk files

	rw sync.RWMutex // guards the lifetime of the sketch's HLL
	sk *sketch.Sketch
}

// Manager is the versioned name -> sketch registry.
type Manager struct {
	conf *config.Config

	shouldRun  atomic.Bool
	vacuumDone chan struct{}

	clients clientTable

	// vsn is only incremented under writeMu but read lock-free.
	vsn     atomic.Uint64
	writeMu sync.Mutex // serializes all destructive operations

	primary    atomic.Pointer[radix.Tree[*wrapper]]
	alt        *radix.Tree[*wrapper] // owned by the vacuum
	primaryVsn atomic.Uint64         // version the primary tree reflects

	pendingMu      spinLock
	pendingDeletes map[string]struct{}

	delta atomic.Pointer[delta]
}

// New builds a manager, discovers any existing sets in the data directory,
// and (unless vacuum is false, for tests and embedded use) starts the
// vacuum goroutine.
func New(conf *config.Config, vacuum bool) (*Manager, error) {
	m := &Manager{
		conf:       conf,
		vacuumDone: make(chan struct{}),
	}
	m.primary.Store(radix.New[*wrapper]())
	m.clients.init()

	if err := m.loadExistingSets(); err != nil {
		return nil, err
	}
	m.alt = m.primary.Load().Copy()

	m.shouldRun.Store(vacuum)
	if vacuum {
		go m.vacuumLoop()
	} else {
		close(m.vacuumDone)
	}
	return m, nil
}

// Destroy stops the vacuum goroutine and tears down every set: pending
// deletes are completed, everything else is flushed and closed.
func (m *Manager) Destroy() {
	if m.shouldRun.Swap(false) {
		<-m.vacuumDone
	}

	// Every wrapper reachable from the primary.
	m.primary.Load().Iter(func(_ []byte, w *wrapper) bool {
		m.deleteWrapper(w)
		return true
	})

	// Unmerged creates live only in the delta log. Unmerged deletes are
	// still in the primary and were handled above.
	for d := m.delta.Load(); d != nil; d = d.next.Load() {
		if d.kind == deltaCreate {
			m.deleteWrapper(d.wrapper)
		}
	}
	m.delta.Store(nil)
}

// nulKey builds the NUL-terminated index key for a set name, keeping
// names like "ab" and "abc" in disjoint subtrees.
func nulKey(name string) []byte {
	key := make([]byte, len(name)+1)
	copy(key, name)
	return key
}

// findSet resolves a name against the primary tree, falling back to the
// unmerged head of the delta log. Newest-first order means the first
// matching entry is the effective current state. The walk never descends
// past the entry at primaryVsn+1: everything older is already merged.
func (m *Manager) findSet(name string) *wrapper {
	if w, ok := m.primary.Load().Search(nulKey(name)); ok {
		return w
	}

	primaryVsn := m.primaryVsn.Load()
	if primaryVsn == m.vsn.Load() {
		return nil
	}

	for d := m.delta.Load(); d != nil; d = d.next.Load() {
		if d.kind != deltaBarrier && d.wrapper.sk.Name() == name {
			return d.wrapper
		}
		if d.vsn == primaryVsn+1 {
			break
		}
	}
	return nil
}

// takeSet resolves a name to an active wrapper.
func (m *Manager) takeSet(name string) *wrapper {
	if w := m.findSet(name); w != nil && w.active.Load() {
		return w
	}
	return nil
}

// createDeltaUpdate appends a delta entry with a fresh version. Callers
// hold the write mutex.
func (m *Manager) createDeltaUpdate(kind deltaKind, w *wrapper) uint64 {
	d := &delta{
		vsn:     m.vsn.Add(1),
		kind:    kind,
		wrapper: w,
	}
	d.next.Store(m.delta.Load())
	m.delta.Store(d)
	return d.vsn
}

// addSet builds a wrapper for a new or discovered set. Created sets go
// through the delta log; discovered sets (startup only, single threaded)
// insert directly into the primary.
func (m *Manager) addSet(name string, custom *config.SketchConfig, isHot, viaDelta bool) error {
	sk, err := sketch.New(m.conf, custom, name, isHot)
	if err != nil {
		return err
	}

	w := &wrapper{sk: sk}
	w.active.Store(true)
	w.hot.Store(isHot)

	if viaDelta {
		m.createDeltaUpdate(deltaCreate, w)
	} else {
		m.primary.Load().Insert(nulKey(name), w)
	}
	return nil
}

// CreateSet registers a new set. A nil custom config inherits the global
// defaults. Returns ErrSetExists for an active duplicate, ErrDeletePending
// when the name is shadowed by an unreclaimed delete, and ErrInternal when
// the sketch cannot be initialized.
func (m *Manager) CreateSet(name string, custom *config.SketchConfig) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if w := m.findSet(name); w != nil {
		if w.active.Load() {
			return ErrSetExists
		}
		return ErrDeletePending
	}

	// The primary may already reflect a delete whose files the vacuum has
	// not removed yet; recreating now would collide with them on disk.
	m.pendingMu.Lock()
	_, pending := m.pendingDeletes[name]
	m.pendingMu.Unlock()
	if pending {
		return ErrDeletePending
	}

	if err := m.addSet(name, custom, true, true); err != nil {
		log.WithError(err).Errorf("Failed to create set '%s'", name)
		return ErrInternal
	}
	createsTotal.Inc()
	return nil
}

// DropSet removes the set permanently: it disappears from lookups
// immediately, and the vacuum removes its files from disk.
func (m *Manager) DropSet(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}

	w.active.Store(false)
	w.pendingDelete.Store(true)
	m.createDeltaUpdate(deltaDelete, w)
	dropsTotal.Inc()
	return nil
}

// ClearSet removes the set from the manager without touching its files,
// so it can be re-discovered later. Only proxied sets may be cleared.
func (m *Manager) ClearSet(name string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}
	if !w.sk.IsProxied() {
		return ErrNotProxied
	}

	// pendingDelete stays false: destruction merely releases memory.
	w.active.Store(false)
	w.pendingDelete.Store(false)
	m.createDeltaUpdate(deltaDelete, w)
	return nil
}

// FlushSet flushes one set. The read lock suffices: flushing never
// destroys the HLL, so it can run alongside adds and size queries.
func (m *Manager) FlushSet(name string) error {
	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}

	w.rw.RLock()
	err := w.sk.Flush()
	w.rw.RUnlock()
	return err
}

// SetKeys adds keys to a set, faulting it in if needed. The batch stops at
// the first failure.
func (m *Manager) SetKeys(name string, keys []string) error {
	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}

	w.rw.RLock()
	defer w.rw.RUnlock()

	for _, key := range keys {
		if err := w.sk.Add(key); err != nil {
			log.WithError(err).Errorf("Failed to add key to set '%s'", name)
			return ErrInternal
		}
	}
	w.hot.Store(true)
	keysTotal.Add(float64(len(keys)))
	return nil
}

// SetSize returns the estimated cardinality of a set. Proxied sets answer
// from their cached estimate without faulting in.
func (m *Manager) SetSize(name string) (uint64, error) {
	w := m.takeSet(name)
	if w == nil {
		return 0, ErrSetNotFound
	}

	w.rw.RLock()
	size := w.sk.Size()
	w.rw.RUnlock()
	return size, nil
}

// UnmapSet pages a set out of memory, leaving it registered. In-memory
// sets are a no-op.
func (m *Manager) UnmapSet(name string) error {
	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}
	if w.sk.InMemory() {
		return nil
	}

	w.rw.Lock()
	err := w.sk.Close()
	w.rw.Unlock()
	return err
}

// InspectSet invokes cb with the underlying sketch, guaranteeing the
// sketch is not destroyed for the duration. The sketch is not locked:
// callbacks read metrics and settings, never registers.
func (m *Manager) InspectSet(name string, cb func(*sketch.Sketch)) error {
	w := m.takeSet(name)
	if w == nil {
		return ErrSetNotFound
	}
	cb(w.sk)
	return nil
}

// ListSets returns the names of all active sets, optionally restricted to
// a prefix. Names are copies: holding the result does not extend any
// wrapper's lifetime. Unmerged creates are folded in from the delta log so
// a successful create is always visible.
func (m *Manager) ListSets(prefix string) []string {
	var names []string

	collect := func(key []byte, w *wrapper) bool {
		if w.active.Load() {
			names = append(names, string(key[:len(key)-1]))
		}
		return true
	}

	tree := m.primary.Load()
	if prefix != "" {
		tree.IterPrefix([]byte(prefix), collect)
	} else {
		tree.Iter(collect)
	}

	primaryVsn := m.primaryVsn.Load()
	if primaryVsn == m.vsn.Load() {
		return names
	}

	for d := m.delta.Load(); d != nil; d = d.next.Load() {
		if d.kind == deltaCreate {
			name := d.wrapper.sk.Name()
			if d.wrapper.active.Load() && strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
		if d.vsn == primaryVsn+1 {
			break
		}
	}
	return names
}

// ListColdSets returns the sets that have not been touched since the last
// call and are still resident. As a side effect the hot flag of every hot
// set is cleared, arming it for the next sweep. Deltas are ignored: new
// sets are hot and dropped sets are being destroyed anyway.
func (m *Manager) ListColdSets() []string {
	var names []string
	m.primary.Load().Iter(func(key []byte, w *wrapper) bool {
		if w.hot.Swap(false) {
			return true
		}
		if w.sk.IsProxied() {
			return true
		}
		names = append(names, string(key[:len(key)-1]))
		return true
	})
	return names
}

// deleteWrapper destroys a retired wrapper once nothing can reach it.
func (m *Manager) deleteWrapper(w *wrapper) {
	var err error
	if w.pendingDelete.Load() {
		err = w.sk.Delete()
	} else {
		err = w.sk.Close()
	}
	if err != nil {
		log.WithError(err).Errorf("Failed to destroy set '%s'", w.sk.Name())
	}
	reclaimedTotal.Inc()
}

// loadExistingSets scans the data directory for set folders and inserts
// them directly into the primary tree. This runs before any clients or
// the vacuum exist, so no delta entries are needed. Discovered sets start
// proxied and cold.
func (m *Manager) loadExistingSets() error {
	entries, err := os.ReadDir(m.conf.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.WithError(err).Error("Failed to scan files for existing sets!")
		return err
	}

	found := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sketch.FolderPrefix) {
			continue
		}
		name := strings.TrimPrefix(entry.Name(), sketch.FolderPrefix)
		if name == "" {
			continue
		}
		if err := m.addSet(name, nil, false, false); err != nil {
			log.WithError(err).Errorf("Failed to load set '%s'!", name)
			continue
		}
		found++
	}

	log.Infof("Found %d existing sets", found)
	return nil
}
