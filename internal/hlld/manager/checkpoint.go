// Client checkpoint tracking.
//
// Reclamation safety depends on knowing the oldest version any client
// might still be reading. Every worker (connection goroutines and the
// background sweeps) calls Checkpoint before each operation, recording the
// current version against its identifier. The vacuum takes the minimum
// over all clients as its reclamation horizon, and the version barrier
// waits for every client to advance past a known point.
//
// The table is sharded by a hash of the client id so that checkpoints from
// many connections do not contend on one lock. The per-client version
// itself is an atomic, so the steady-state checkpoint (entry already
// present) takes only a shared read lock on its shard.
package manager

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// clientShardCount is a power of two so the shard pick is a mask.
const clientShardCount = 16

// spinLock is a tiny test-and-set lock for critical sections of a few
// instructions, where parking a goroutine costs more than spinning.
type spinLock struct {
	state atomic.Bool
}

func (s *spinLock) Lock() {
	for s.state.Swap(true) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() {
	s.state.Store(false)
}

type clientEntry struct {
	vsn atomic.Uint64
}

type clientShard struct {
	mu      sync.RWMutex
	entries map[string]*clientEntry
}

type clientTable struct {
	shards [clientShardCount]clientShard
}

func (t *clientTable) init() {
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*clientEntry)
	}
}

func (t *clientTable) shard(id string) *clientShard {
	return &t.shards[xxhash.Sum64String(id)&(clientShardCount-1)]
}

func (t *clientTable) checkpoint(id string, vsn uint64) {
	s := t.shard(id)

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		e.vsn.Store(vsn)
		return
	}

	s.mu.Lock()
	if e, ok = s.entries[id]; !ok {
		e = &clientEntry{}
		s.entries[id] = e
	}
	e.vsn.Store(vsn)
	s.mu.Unlock()
}

func (t *clientTable) leave(id string) {
	s := t.shard(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// minVsn returns the smallest checkpointed version, or start when no
// clients are registered.
func (t *clientTable) minVsn(start uint64) uint64 {
	min := start
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			if v := e.vsn.Load(); v < min {
				min = v
			}
		}
		s.mu.RUnlock()
	}
	return min
}

// Checkpoint records that the identified client has observed the current
// version. Workers call this before every manager operation and
// periodically inside long ones; without it the vacuum cannot reclaim.
func (m *Manager) Checkpoint(id string) {
	m.clients.checkpoint(id, m.vsn.Load())
}

// Leave removes the client from the checkpoint table. Call it when a
// connection closes or a worker shuts down, or its stale version will
// pin the vacuum forever.
func (m *Manager) Leave(id string) {
	m.clients.leave(id)
}
