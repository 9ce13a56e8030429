// Package sketch wraps one HyperLogLog per named set and manages its
// journey between disk and memory.
//
// A sketch has two homes: a folder on disk (hlld.<name>/ containing the
// packed registers and a small config.ini) and a live HLL over a bitmap in
// memory. It is "proxied" when only the disk side exists; the first add
// faults the registers in, and the cold sweep faults them back out. While
// proxied, size queries are answered from the cardinality estimate cached
// in the config file, so listing ten thousand idle sets never touches
// their registers.
//
// In-memory sets opt out of the disk side entirely: no folder, no files,
// and a restart forgets them.
//
// Lifecycle flags:
//
//	proxied  registers not resident; any add must fault in first
//	dirty    a key has been added since the last flush
//
// The fault-in/fault-out transition is serialized by an internal mutex.
// Concurrent Add/Size/Flush against Close is the owner's problem: the set
// manager wraps each sketch in a reader/writer lock and takes the write
// side for unmap.
package sketch

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"hlld.lopezb.com/internal/hlld/bitmap"
	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/hll"
)

const (
	// FolderPrefix namespaces set folders inside the data directory.
	FolderPrefix = "hlld."

	// dataFileName holds the packed HLL registers.
	dataFileName = "registers.mmap"

	// configFileName holds the persisted per-set settings.
	configFileName = "config.ini"
)

// Counters tracks per-sketch operation counts. All fields are atomics and
// may be read while the sketch is in use; a snapshot may be internally
// inconsistent.
type Counters struct {
	Sets     atomic.Uint64
	PageIns  atomic.Uint64
	PageOuts atomic.Uint64
}

// Sketch is the per-set wrapper.
type Sketch struct {
	conf    *config.Config
	setConf config.SketchConfig

	name     string
	fullPath string // empty for in-memory sets

	// faultMu serializes fault-in and close, the only transitions that
	// create or destroy the HLL and bitmap.
	faultMu sync.Mutex
	proxied atomic.Bool
	dirty   atomic.Bool
	bmSize  atomic.Uint64

	bm *bitmap.Bitmap
	h  *hll.HLL

	counters Counters
}

// New initializes a sketch for the named set. A nil custom config inherits
// the global defaults. For disk-backed sets the folder is created if
// missing and any persisted per-set config overrides the defaults. When
// discover is set the registers are faulted in immediately and the config
// file is (re)written; otherwise the sketch stays proxied until first use.
func New(conf *config.Config, custom *config.SketchConfig, name string, discover bool) (*Sketch, error) {
	s := &Sketch{
		conf: conf,
		name: name,
	}
	if custom != nil {
		s.setConf = *custom
	} else {
		s.setConf = conf.SketchDefaults()
	}
	s.proxied.Store(true)
	s.dirty.Store(true)

	if !s.setConf.InMemory {
		s.fullPath = filepath.Join(conf.DataDir, FolderPrefix+name)
		if err := os.Mkdir(s.fullPath, 0o755); err != nil && !os.IsExist(err) {
			log.WithError(err).Errorf("Failed to create set directory '%s'", s.fullPath)
			return nil, err
		}

		err := config.ReadSketchConfig(filepath.Join(s.fullPath, configFileName), &s.setConf)
		if err != nil && !os.IsNotExist(err) {
			log.WithError(err).Errorf("Failed to read set '%s' configuration", name)
			return nil, err
		}
	}

	if discover {
		if err := s.faultIn(); err != nil {
			log.WithError(err).Errorf("Failed to fault in the set '%s'", name)
			return nil, err
		}
	}

	// Flush on first instantiation writes the config file for brand new
	// discovered sets; for proxied sets it is a no-op.
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the set name.
func (s *Sketch) Name() string {
	return s.name
}

// Eps returns the effective error bound.
func (s *Sketch) Eps() float64 {
	return s.setConf.DefaultEps
}

// Precision returns the effective precision.
func (s *Sketch) Precision() int {
	return s.setConf.DefaultPrecision
}

// InMemory reports whether the set skips disk entirely.
func (s *Sketch) InMemory() bool {
	return s.setConf.InMemory
}

// IsProxied reports whether the registers are currently not resident.
func (s *Sketch) IsProxied() bool {
	return s.proxied.Load()
}

// Counters exposes the per-sketch operation counters.
func (s *Sketch) Counters() *Counters {
	return &s.counters
}

// Add incorporates a key, faulting the registers in first if needed.
func (s *Sketch) Add(key string) error {
	if s.proxied.Load() {
		if err := s.faultIn(); err != nil {
			return err
		}
	}

	s.h.Add([]byte(key))
	s.counters.Sets.Add(1)
	s.dirty.Store(true)
	return nil
}

// Size returns the estimated cardinality: the live estimate when resident,
// the persisted estimate when proxied (without faulting anything in).
func (s *Sketch) Size() uint64 {
	if !s.proxied.Load() {
		return uint64(math.Round(s.h.Size()))
	}
	return s.setConf.Size
}

// ByteSize returns the register array size: the actual bitmap length once
// one exists, otherwise the size implied by the precision.
func (s *Sketch) ByteSize() uint64 {
	if size := s.bmSize.Load(); size != 0 {
		return size
	}
	return hll.BytesForPrecision(s.setConf.DefaultPrecision)
}

// Flush persists the sketch. A proxied or clean sketch is a no-op. For a
// dirty resident sketch the current estimate is written into the config
// file, the dirty flag is cleared, and the bitmap is flushed.
func (s *Sketch) Flush() error {
	if s.proxied.Load() {
		return nil
	}
	if !s.dirty.Load() {
		return nil
	}

	start := time.Now()

	// Capture the estimate for future proxied size queries.
	s.setConf.Size = s.Size()

	if !s.setConf.InMemory {
		err := config.WriteSketchConfig(filepath.Join(s.fullPath, configFileName), &s.setConf)
		if err != nil {
			log.WithError(err).Errorf("Failed to write set '%s' configuration", s.name)
		}
	}

	s.dirty.Store(false)

	var err error
	if !s.setConf.InMemory {
		err = s.bm.Flush()
	}

	log.Debugf("Flushed set '%s'. Total time: %d msec.",
		s.name, time.Since(start).Milliseconds())
	return err
}

// Close flushes and releases the in-memory side of a resident sketch,
// leaving it proxied. Idempotent when already proxied.
func (s *Sketch) Close() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()

	if s.proxied.Load() {
		return nil
	}

	if err := s.Flush(); err != nil {
		return err
	}

	_ = s.h.Destroy()
	s.h = nil

	err := s.bm.Close()
	s.bm = nil
	s.bmSize.Store(0)

	s.counters.PageOuts.Add(1)
	s.proxied.Store(true)
	return err
}

// Delete closes the sketch and removes every file under the set folder,
// then the folder itself. In-memory sets have nothing on disk to remove.
func (s *Sketch) Delete() error {
	if err := s.Close(); err != nil {
		log.WithError(err).Errorf("Failed to close set '%s' before delete", s.name)
	}

	if s.setConf.InMemory {
		return nil
	}

	entries, err := os.ReadDir(s.fullPath)
	if err != nil {
		log.WithError(err).Errorf("Failed to list files for set '%s'", s.name)
		return err
	}

	log.Infof("Deleting %d files for set %s.", len(entries), s.name)
	for _, entry := range entries {
		path := filepath.Join(s.fullPath, entry.Name())
		if err := os.Remove(path); err != nil {
			log.WithError(err).Errorf("Failed to delete: %s", path)
		}
	}

	if err := os.Remove(s.fullPath); err != nil {
		log.WithError(err).Errorf("Failed to delete: %s", s.fullPath)
		return err
	}
	return nil
}

// faultIn makes the registers resident. For disk-backed sets the register
// file is opened at its existing length or created at the computed length;
// a pre-existing file of the wrong size is rejected rather than resized.
func (s *Sketch) faultIn() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()

	if !s.proxied.Load() {
		return nil
	}

	size := hll.BytesForPrecision(s.setConf.DefaultPrecision)
	if size == 0 {
		return fmt.Errorf("sketch: invalid precision %d for set '%s'",
			s.setConf.DefaultPrecision, s.name)
	}

	var bm *bitmap.Bitmap
	var err error

	if s.setConf.InMemory {
		bm, err = bitmap.FromFile(nil, size, bitmap.Anonymous, false)
		if err != nil {
			return err
		}
	} else {
		mode := bitmap.Persistent
		if s.conf.UseMmap {
			mode = bitmap.Shared
		}

		path := filepath.Join(s.fullPath, dataFileName)
		stat, serr := os.Stat(path)
		switch {
		case serr == nil:
			if uint64(stat.Size()) != size {
				log.Errorf("Register file %s is %d bytes, precision %d requires %d",
					path, stat.Size(), s.setConf.DefaultPrecision, size)
				return bitmap.ErrLengthMismatch
			}
			log.Infof("Discovered HLL set: %s.", path)
			bm, err = bitmap.FromFilename(path, uint64(stat.Size()), false, mode)
			if err != nil {
				log.WithError(err).Errorf("Failed to load bitmap: %s", path)
				return err
			}
			s.counters.PageIns.Add(1)

		case os.IsNotExist(serr):
			log.Infof("Creating HLL set: %s.", path)
			bm, err = bitmap.FromFilename(path, size, true, mode)
			if err != nil {
				log.WithError(err).Errorf("Failed to create bitmap: %s", path)
				return err
			}

		default:
			log.WithError(serr).Errorf("Failed to query the register file for: %s", path)
			return serr
		}
	}

	h, err := hll.NewFromBitmap(uint(s.setConf.DefaultPrecision), bm)
	if err != nil {
		log.WithError(err).Errorf("Failed to create HLL for set '%s'", s.name)
		_ = bm.Close()
		return err
	}

	s.bm = bm
	s.h = h
	s.bmSize.Store(bm.Size())
	s.proxied.Store(false)
	return nil
}
