// hlld-check is a diagnostic tool for inspecting and validating the
// server's data directory. It walks every set folder, parses the per-set
// config, and verifies that the register file length matches the size
// implied by the configured precision.
//
// This is the first line of defense when troubleshooting persistence
// issues. It can answer questions like:
//
//   - Which sets exist on disk, and at what precision?
//   - Has a register file been truncated or resized out from under the
//     server?
//   - What cardinality estimate was last persisted for each set?
//
// Usage
// =====
//
// Basic validation of the default data directory:
//
//	hlld-check
//
// Validate a specific directory and print every set:
//
//	hlld-check -data-dir /var/lib/hlld -v
//
// Exit Codes
// ==========
//
// 0: every set folder is structurally consistent.
// 1: at least one set has an unreadable config, an invalid precision, or a
// register file whose length does not match its precision. A set without
// a config.ini is checked against the default settings.
//
// A missing registers.mmap is not an error: sets that were never faulted
// in, and sets created lazily, legitimately have no register file yet.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/hll"
	"hlld.lopezb.com/internal/hlld/sketch"
)

func main() {
	dataDir := flag.String("data-dir", config.DefaultDataDir, "Path to the hlld data directory")
	verbose := flag.Bool("v", false, "Verbose mode (print every set)")
	flag.Parse()

	entries, err := os.ReadDir(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] Cannot read data directory: %v\n", err)
		os.Exit(1)
	}

	sets := 0
	problems := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sketch.FolderPrefix) {
			continue
		}
		sets++

		name := strings.TrimPrefix(entry.Name(), sketch.FolderPrefix)
		folder := filepath.Join(*dataDir, entry.Name())
		if !checkSet(folder, name, *verbose) {
			problems++
		}
	}

	fmt.Printf("Checked %d sets, %d problems\n", sets, problems)
	if problems > 0 {
		os.Exit(1)
	}
}

// checkSet validates one set folder and reports whether it is consistent.
func checkSet(folder, name string, verbose bool) bool {
	sc := config.Default().SketchDefaults()
	err := config.ReadSketchConfig(filepath.Join(folder, "config.ini"), &sc)
	if err != nil && !os.IsNotExist(err) {
		fmt.Printf("[err] %s: unreadable config: %v\n", name, err)
		return false
	}

	expected := hll.BytesForPrecision(sc.DefaultPrecision)
	if expected == 0 {
		fmt.Printf("[err] %s: invalid precision %d\n", name, sc.DefaultPrecision)
		return false
	}

	stat, err := os.Stat(filepath.Join(folder, "registers.mmap"))
	switch {
	case os.IsNotExist(err):
		if verbose {
			fmt.Printf("[ok]  %s: precision=%d eps=%f size=%d (proxied, no registers)\n",
				name, sc.DefaultPrecision, sc.DefaultEps, sc.Size)
		}
		return true
	case err != nil:
		fmt.Printf("[err] %s: cannot stat registers: %v\n", name, err)
		return false
	}

	if uint64(stat.Size()) != expected {
		fmt.Printf("[err] %s: registers are %d bytes, precision %d requires %d\n",
			name, stat.Size(), sc.DefaultPrecision, expected)
		return false
	}

	if verbose {
		fmt.Printf("[ok]  %s: precision=%d eps=%f size=%d registers=%d bytes\n",
			name, sc.DefaultPrecision, sc.DefaultEps, sc.Size, expected)
	}
	return true
}
