package config

import (
	"os"
	"path/filepath"
	"testing"

	"hlld.lopezb.com/internal/hlld/hll"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hlld.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.TCPPort != 4553 {
		t.Errorf("tcp_port = %d, want 4553", cfg.TCPPort)
	}
	if cfg.UDPPort != 4554 {
		t.Errorf("udp_port = %d, want 4554", cfg.UDPPort)
	}
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("bind_address = %q, want 0.0.0.0", cfg.BindAddress)
	}
	if cfg.DataDir != "/tmp/hlld" {
		t.Errorf("data_dir = %q, want /tmp/hlld", cfg.DataDir)
	}
	if cfg.DefaultPrecision != 12 {
		t.Errorf("default_precision = %d, want 12", cfg.DefaultPrecision)
	}
	if cfg.DefaultEps != 0.01625 {
		t.Errorf("default_eps = %v, want 0.01625", cfg.DefaultEps)
	}
	if cfg.FlushInterval != 60 || cfg.ColdInterval != 3600 {
		t.Errorf("intervals = %d/%d, want 60/3600", cfg.FlushInterval, cfg.ColdInterval)
	}
	if cfg.Workers != 1 {
		t.Errorf("workers = %d, want 1", cfg.Workers)
	}
	if cfg.InMemory || cfg.UseMmap {
		t.Error("in_memory and use_mmap should default off")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `[hlld]
tcp_port = 9000
bind_address = 127.0.0.1
data_dir = /tmp/hlld-test
log_level = DEBUG
workers = 4
flush_interval = 120
cold_interval = 0
in_memory = 1
use_mmap = 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.TCPPort != 9000 {
		t.Errorf("tcp_port = %d, want 9000", cfg.TCPPort)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("bind_address = %q", cfg.BindAddress)
	}
	if cfg.DataDir != "/tmp/hlld-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Workers)
	}
	if cfg.FlushInterval != 120 || cfg.ColdInterval != 0 {
		t.Errorf("intervals = %d/%d", cfg.FlushInterval, cfg.ColdInterval)
	}
	if !cfg.InMemory || !cfg.UseMmap {
		t.Error("in_memory and use_mmap should be on")
	}
}

func TestPortAlias(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[hlld]\nport = 7000\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TCPPort != 7000 {
		t.Errorf("tcp_port = %d, want 7000 via port alias", cfg.TCPPort)
	}
}

func TestEpsImpliesPrecision(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[hlld]\ndefault_eps = 0.01\n"))
	if err != nil {
		t.Fatal(err)
	}

	// 0.01 needs precision 14, whose true bound is 0.008125.
	if cfg.DefaultPrecision != 14 {
		t.Errorf("precision = %d, want 14", cfg.DefaultPrecision)
	}
	if cfg.DefaultEps != 0.008125 {
		t.Errorf("eps = %v, want 0.008125", cfg.DefaultEps)
	}
}

func TestPrecisionImpliesEps(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[hlld]\ndefault_precision = 10\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultPrecision != 10 {
		t.Errorf("precision = %d, want 10", cfg.DefaultPrecision)
	}
	if cfg.DefaultEps != 0.0325 {
		t.Errorf("eps = %v, want 0.0325", cfg.DefaultEps)
	}
}

func TestPrecisionWinsOverEps(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[hlld]\ndefault_eps = 0.01\ndefault_precision = 10\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultPrecision != 10 || cfg.DefaultEps != 0.0325 {
		t.Errorf("got p=%d eps=%v, want explicit precision to win",
			cfg.DefaultPrecision, cfg.DefaultEps)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, false},
		{"negative flush", func(c *Config) { c.FlushInterval = -1 }, false},
		{"negative cold", func(c *Config) { c.ColdInterval = -1 }, false},
		{"precision too low", func(c *Config) {
			c.DefaultPrecision = 3
			c.DefaultEps = hll.ErrorForPrecision(12)
		}, false},
		{"eps too high", func(c *Config) { c.DefaultEps = 0.5 }, false},
		{"eps too low", func(c *Config) { c.DefaultEps = 0.0001 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "NOISY" }, false},
		{"bad tcp port", func(c *Config) { c.TCPPort = 70000 }, false},
		{"critical level ok", func(c *Config) { c.LogLevel = "CRITICAL" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DataDir = t.TempDir()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestDataDirCreated(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	stat, err := os.Stat(cfg.DataDir)
	if err != nil || !stat.IsDir() {
		t.Errorf("data dir was not created: %v", err)
	}
}

func TestDataDirNotADirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afile")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.DataDir = path
	if err := cfg.Validate(); err == nil {
		t.Error("expected an error for a file data_dir")
	}
}

func TestSketchConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")

	want := SketchConfig{
		DefaultEps:       0.008125,
		DefaultPrecision: 14,
		InMemory:         true,
		Size:             123456,
	}
	if err := WriteSketchConfig(path, &want); err != nil {
		t.Fatal(err)
	}

	var got SketchConfig
	if err := ReadSketchConfig(path, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadSketchConfigMissing(t *testing.T) {
	sc := SketchConfig{DefaultPrecision: 12}
	err := ReadSketchConfig(filepath.Join(t.TempDir(), "config.ini"), &sc)
	if !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
	if sc.DefaultPrecision != 12 {
		t.Error("missing file must not clobber existing values")
	}
}

func TestReadSketchConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte("[hlld]\nsize = 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sc := SketchConfig{DefaultEps: 0.01625, DefaultPrecision: 12}
	if err := ReadSketchConfig(path, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.Size != 42 {
		t.Errorf("size = %d, want 42", sc.Size)
	}
	if sc.DefaultPrecision != 12 || sc.DefaultEps != 0.01625 {
		t.Error("absent keys must keep their values")
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR", "CRITICAL", "info"} {
		if _, err := ParseLogLevel(lvl); err != nil {
			t.Errorf("level %q should parse: %v", lvl, err)
		}
	}
	if _, err := ParseLogLevel("TRACE"); err == nil {
		t.Error("unknown level should fail")
	}
}
