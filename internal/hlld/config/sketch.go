package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// SketchConfig carries the per-set settings persisted next to a set's
// registers. Size is the last computed cardinality estimate, stored so a
// proxied set can answer size queries without faulting its registers in.
type SketchConfig struct {
	DefaultEps       float64
	DefaultPrecision int
	InMemory         bool
	Size             uint64
}

// SketchDefaults derives the per-set settings for a newly created set from
// the global configuration.
func (c *Config) SketchDefaults() SketchConfig {
	return SketchConfig{
		DefaultEps:       c.DefaultEps,
		DefaultPrecision: c.DefaultPrecision,
		InMemory:         c.InMemory,
	}
}

// ReadSketchConfig updates sc in place from the INI file at path. Fields
// absent from the file keep their current values. A missing file is
// reported via the returned error; callers treat it as "no overrides".
func ReadSketchConfig(path string, sc *SketchConfig) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if v.IsSet("hlld.size") {
		sc.Size = v.GetUint64("hlld.size")
	}
	if v.IsSet("hlld.default_eps") {
		sc.DefaultEps = v.GetFloat64("hlld.default_eps")
	}
	if v.IsSet("hlld.default_precision") {
		sc.DefaultPrecision = v.GetInt("hlld.default_precision")
	}
	if v.IsSet("hlld.in_memory") {
		sc.InMemory = v.GetBool("hlld.in_memory")
	}
	return nil
}

// WriteSketchConfig writes sc to path, replacing any existing file. The
// layout is fixed so the files stay diffable across rewrites.
func WriteSketchConfig(path string, sc *SketchConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}

	inMemory := 0
	if sc.InMemory {
		inMemory = 1
	}
	_, err = fmt.Fprintf(f, "[hlld]\nsize = %d\ndefault_eps = %f\ndefault_precision = %d\nin_memory = %d\n",
		sc.Size, sc.DefaultEps, sc.DefaultPrecision, inMemory)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
