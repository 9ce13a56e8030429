// Package config loads and validates the server configuration.
//
// The configuration is an INI file with a single [hlld] section. Every key
// has a default, so the server runs with no file at all. Two keys are
// mutually implied: default_eps and default_precision. Not every epsilon is
// achievable (precision is a whole number of bits), so a configured eps is
// first mapped to the smallest precision whose error bound meets it, and
// the effective eps is then recomputed as that precision's true bound. When
// both keys are present the explicit precision wins and eps is derived
// from it.
//
// Per-set settings are persisted alongside each set's registers in a small
// config.ini of the same shape; see sketch.go.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"hlld.lopezb.com/internal/hlld/hll"
)

// Defaults create sets of a few kilobytes that estimate with ~1.6% error.
const (
	DefaultTCPPort       = 4553
	DefaultUDPPort       = 4554
	DefaultBindAddress   = "0.0.0.0"
	DefaultDataDir       = "/tmp/hlld"
	DefaultLogLevel      = "INFO"
	DefaultPrecision     = 12
	DefaultFlushInterval = 60
	DefaultColdInterval  = 3600
	DefaultWorkers       = 1
)

// Config holds the global server configuration.
type Config struct {
	TCPPort     int
	UDPPort     int // reserved; parsed and validated but never bound
	BindAddress string
	DataDir     string
	LogLevel    string
	MetricsPort int // 0 disables the prometheus listener

	DefaultEps       float64
	DefaultPrecision int

	FlushInterval int // seconds, 0 disables the flush sweep
	ColdInterval  int // seconds, 0 disables the cold sweep

	InMemory bool
	UseMmap  bool
	Workers  int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TCPPort:          DefaultTCPPort,
		UDPPort:          DefaultUDPPort,
		BindAddress:      DefaultBindAddress,
		DataDir:          DefaultDataDir,
		LogLevel:         DefaultLogLevel,
		DefaultPrecision: DefaultPrecision,
		DefaultEps:       hll.ErrorForPrecision(DefaultPrecision),
		FlushInterval:    DefaultFlushInterval,
		ColdInterval:     DefaultColdInterval,
		Workers:          DefaultWorkers,
	}
}

// Load reads the INI file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if v.IsSet("hlld.port") {
		cfg.TCPPort = v.GetInt("hlld.port")
	}
	if v.IsSet("hlld.tcp_port") {
		cfg.TCPPort = v.GetInt("hlld.tcp_port")
	}
	if v.IsSet("hlld.udp_port") {
		cfg.UDPPort = v.GetInt("hlld.udp_port")
	}
	if v.IsSet("hlld.bind_address") {
		cfg.BindAddress = v.GetString("hlld.bind_address")
	}
	if v.IsSet("hlld.data_dir") {
		cfg.DataDir = v.GetString("hlld.data_dir")
	}
	if v.IsSet("hlld.log_level") {
		cfg.LogLevel = v.GetString("hlld.log_level")
	}
	if v.IsSet("hlld.metrics_port") {
		cfg.MetricsPort = v.GetInt("hlld.metrics_port")
	}
	if v.IsSet("hlld.flush_interval") {
		cfg.FlushInterval = v.GetInt("hlld.flush_interval")
	}
	if v.IsSet("hlld.cold_interval") {
		cfg.ColdInterval = v.GetInt("hlld.cold_interval")
	}
	if v.IsSet("hlld.in_memory") {
		cfg.InMemory = v.GetBool("hlld.in_memory")
	}
	if v.IsSet("hlld.use_mmap") {
		cfg.UseMmap = v.GetBool("hlld.use_mmap")
	}
	if v.IsSet("hlld.workers") {
		cfg.Workers = v.GetInt("hlld.workers")
	}

	// eps first, so an explicit precision takes precedence below.
	if v.IsSet("hlld.default_eps") {
		cfg.DefaultEps = v.GetFloat64("hlld.default_eps")
		cfg.DefaultPrecision = hll.PrecisionForError(cfg.DefaultEps)
		cfg.DefaultEps = hll.ErrorForPrecision(cfg.DefaultPrecision)
	}
	if v.IsSet("hlld.default_precision") {
		cfg.DefaultPrecision = v.GetInt("hlld.default_precision")
		cfg.DefaultEps = hll.ErrorForPrecision(cfg.DefaultPrecision)
	}

	return cfg, nil
}

// Validate checks every field, logging warnings for legal-but-risky values
// and returning an error for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if err := saneDataDir(c.DataDir); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := saneDefaultEps(c.DefaultEps); err != nil {
		errs = append(errs, err)
	}
	if err := saneDefaultPrecision(c.DefaultPrecision); err != nil {
		errs = append(errs, err)
	}
	if err := saneFlushInterval(c.FlushInterval); err != nil {
		errs = append(errs, err)
	}
	if err := saneColdInterval(c.ColdInterval); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("config: cannot have fewer than one worker"))
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("config: illegal tcp_port %d", c.TCPPort))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("config: illegal metrics_port %d", c.MetricsPort))
	}

	if c.InMemory {
		log.Warn("Default sets are in-memory only! Sets not persisted by default.")
	}
	if !c.UseMmap {
		log.Warn("Without use_mmap, a crash of hlld can result in data loss.")
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps a configured level name onto a logrus level. CRITICAL
// is accepted for compatibility and treated as the error threshold.
func ParseLogLevel(level string) (log.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return log.DebugLevel, nil
	case "INFO":
		return log.InfoLevel, nil
	case "WARN":
		return log.WarnLevel, nil
	case "ERROR", "CRITICAL":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("config: unknown log level %q", level)
}

// saneDataDir ensures the data directory exists (creating it if needed)
// and is writable, using a throwaway probe file.
func saneDataDir(dataDir string) error {
	stat, err := os.Stat(dataDir)
	switch {
	case err == nil:
		if !stat.IsDir() {
			return fmt.Errorf("config: data directory %s exists and is not a directory", dataDir)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(dataDir, 0o775); err != nil {
			return fmt.Errorf("config: failed to make data directory: %w", err)
		}
	default:
		return fmt.Errorf("config: failed to stat data directory: %w", err)
	}

	probe := filepath.Join(dataDir, "PERMTEST")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("config: failed to write to data directory: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}

func saneDefaultEps(eps float64) error {
	switch {
	case eps > hll.ErrorForPrecision(hll.MinPrecision):
		return fmt.Errorf("config: epsilon cannot be greater than %f",
			hll.ErrorForPrecision(hll.MinPrecision))
	case eps < hll.ErrorForPrecision(hll.MaxPrecision):
		return fmt.Errorf("config: epsilon cannot be less than %f",
			hll.ErrorForPrecision(hll.MaxPrecision))
	case eps < 0.005:
		log.Warn("Epsilon very low, could cause high memory usage!")
	}
	return nil
}

func saneDefaultPrecision(precision int) error {
	switch {
	case precision < hll.MinPrecision:
		return fmt.Errorf("config: precision cannot be less than %d", hll.MinPrecision)
	case precision > hll.MaxPrecision:
		return fmt.Errorf("config: precision cannot be more than %d", hll.MaxPrecision)
	case precision > 15:
		log.Warn("Precision very high, could cause high memory usage!")
	}
	return nil
}

func saneFlushInterval(interval int) error {
	switch {
	case interval < 0:
		return errors.New("config: flush interval cannot be negative")
	case interval == 0:
		log.Warn("Flushing is disabled! Increased risk of data loss.")
	case interval >= 600:
		log.Warn("Flushing set to be very infrequent! Increased risk of data loss.")
	}
	return nil
}

func saneColdInterval(interval int) error {
	switch {
	case interval < 0:
		return errors.New("config: cold interval cannot be negative")
	case interval == 0:
		log.Warn("Cold data unmapping is disabled! Memory usage may be high.")
	case interval < 300:
		log.Warn("Cold interval is less than 5 minutes. This may cause excessive unmapping to occur.")
	}
	return nil
}
