package background

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/manager"
	"hlld.lopezb.com/internal/hlld/sketch"
)

func TestDisabledIntervalsStartNothing(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = 0
	cfg.ColdInterval = 0

	mgr, err := manager.New(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Destroy()

	w := Start(cfg, mgr)
	// With no loops running, Stop returns immediately.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop hung with all loops disabled")
	}
}

func TestFlushSweepPersistsEstimates(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = 1
	cfg.ColdInterval = 0

	mgr, err := manager.New(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Destroy()

	if err := mgr.CreateSet("swept", nil); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SetKeys("swept", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}

	w := Start(cfg, mgr)
	defer w.Stop()

	// The sweep fires after one second; wait for the config file to
	// record the estimate.
	configPath := filepath.Join(cfg.DataDir, "hlld.swept", "config.ini")
	deadline := time.Now().Add(5 * time.Second)
	for {
		var sc config.SketchConfig
		if err := config.ReadSketchConfig(configPath, &sc); err == nil && sc.Size == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("flush sweep never persisted the estimate")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestColdSweepUnmapsIdleSets(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = 0
	cfg.ColdInterval = 1

	mgr, err := manager.New(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Destroy()

	if err := mgr.CreateSet("idle", nil); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SetKeys("idle", []string{"k"}); err != nil {
		t.Fatal(err)
	}
	mgr.Vacuum()

	w := Start(cfg, mgr)
	defer w.Stop()

	// First sweep clears the hot flag, the second unmaps. Wait for the
	// set to go proxied.
	deadline := time.Now().Add(10 * time.Second)
	for {
		var proxied bool
		err := mgr.InspectSet("idle", func(s *sketch.Sketch) { proxied = s.IsProxied() })
		if err != nil {
			t.Fatal(err)
		}
		if proxied {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cold sweep never unmapped the idle set")
		}
		time.Sleep(100 * time.Millisecond)
	}

	// The registers must be on disk.
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "hlld.idle", "registers.mmap")); err != nil {
		t.Errorf("registers missing after unmap: %v", err)
	}
}
