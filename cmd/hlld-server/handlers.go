// handlers.go maps protocol commands onto set manager operations and
// manager errors onto wire replies. Handlers are intentionally thin: all
// interesting semantics live in the manager.
package main

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"hlld.lopezb.com/internal/hlld/config"
	"hlld.lopezb.com/internal/hlld/hll"
	"hlld.lopezb.com/internal/hlld/manager"
	"hlld.lopezb.com/internal/hlld/sketch"
)

// validSetName matches any run of 1-200 non-whitespace bytes. Whitespace
// can never appear in a parsed token, so in practice this is a length
// check, but the pattern is the protocol's documented contract.
var validSetName = regexp.MustCompile(`^[^ \t\n\r]{1,200}$`)

// handleCreate handles:
//
//	create name [precision=P] [eps=E] [in_memory=0|1]
//
// Explicit settings build a custom per-set config; eps is resolved to the
// smallest precision meeting the bound, and an explicit precision wins
// over an explicit eps.
func (app *application) handleCreate(w io.Writer, args []string) {
	if len(args) < 1 {
		_, _ = w.Write(respSetNeeded)
		return
	}

	name := args[0]
	if !validSetName.MatchString(name) {
		_, _ = w.Write(respBadSetName)
		return
	}

	var custom *config.SketchConfig
	if len(args) > 1 {
		sc := app.config.SketchDefaults()

		var precisionArg string
		for _, arg := range args[1:] {
			key, value, found := strings.Cut(arg, "=")
			if !found {
				_, _ = w.Write(respBadArgs)
				return
			}

			switch key {
			case "eps":
				eps, err := strconv.ParseFloat(value, 64)
				if err != nil {
					_, _ = w.Write(respBadArgs)
					return
				}
				p := hll.PrecisionForError(eps)
				if p < 0 {
					_, _ = w.Write(respBadArgs)
					return
				}
				sc.DefaultPrecision = p
				sc.DefaultEps = hll.ErrorForPrecision(p)

			case "precision":
				precisionArg = value

			case "in_memory":
				switch value {
				case "0":
					sc.InMemory = false
				case "1":
					sc.InMemory = true
				default:
					_, _ = w.Write(respBadArgs)
					return
				}

			default:
				_, _ = w.Write(respBadArgs)
				return
			}
		}

		// Applied last so it overrides a derived-from-eps precision.
		if precisionArg != "" {
			p, err := strconv.Atoi(precisionArg)
			if err != nil || p < hll.MinPrecision || p > hll.MaxPrecision {
				_, _ = w.Write(respBadArgs)
				return
			}
			sc.DefaultPrecision = p
			sc.DefaultEps = hll.ErrorForPrecision(p)
		}

		custom = &sc
	}

	switch err := app.mgr.CreateSet(name, custom); {
	case err == nil:
		_, _ = w.Write(respDone)
	case errors.Is(err, manager.ErrSetExists):
		_, _ = w.Write(respExists)
	case errors.Is(err, manager.ErrDeletePending):
		_, _ = w.Write(respDeleteInProgress)
	default:
		_, _ = w.Write(respInternalError)
	}
}

// handleList handles:
//
//	list [prefix]
//
// The body has one line per set: name eps precision byte_size size.
func (app *application) handleList(w io.Writer, args []string) {
	if len(args) > 1 {
		_, _ = w.Write(respBadArgs)
		return
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	_, _ = w.Write(respStart)
	for _, name := range app.mgr.ListSets(prefix) {
		// The set may disappear between the listing and the inspection;
		// just skip it.
		_ = app.mgr.InspectSet(name, func(s *sketch.Sketch) {
			fmt.Fprintf(w, "%s %f %d %d %d\n",
				name, s.Eps(), s.Precision(), s.ByteSize(), s.Size())
		})
	}
	_, _ = w.Write(respEnd)
}

// handleDrop handles:
//
//	drop name
//
// The set vanishes from lookups immediately; its files are removed by the
// manager's vacuum.
func (app *application) handleDrop(w io.Writer, args []string) {
	name, ok := app.oneSetName(w, args)
	if !ok {
		return
	}
	app.replyDoneOrMissing(w, app.mgr.DropSet(name))
}

// handleClose handles:
//
//	close name
//
// Pages the set out of memory without removing it.
func (app *application) handleClose(w io.Writer, args []string) {
	name, ok := app.oneSetName(w, args)
	if !ok {
		return
	}
	app.replyDoneOrMissing(w, app.mgr.UnmapSet(name))
}

// handleClear handles:
//
//	clear name
//
// Forgets the set without touching disk. Only proxied sets can be
// cleared, so a close must come first.
func (app *application) handleClear(w io.Writer, args []string) {
	name, ok := app.oneSetName(w, args)
	if !ok {
		return
	}

	switch err := app.mgr.ClearSet(name); {
	case err == nil:
		_, _ = w.Write(respDone)
	case errors.Is(err, manager.ErrSetNotFound):
		_, _ = w.Write(respSetNotExist)
	case errors.Is(err, manager.ErrNotProxied):
		_, _ = w.Write(respNotProxied)
	default:
		_, _ = w.Write(respInternalError)
	}
}

// handleSet handles:
//
//	set|s name key
func (app *application) handleSet(w io.Writer, args []string) {
	if len(args) != 2 {
		_, _ = w.Write(respSetKeyNeeded)
		return
	}
	if !validSetName.MatchString(args[0]) {
		_, _ = w.Write(respBadSetName)
		return
	}
	app.replyAdd(w, app.mgr.SetKeys(args[0], args[1:]))
}

// handleBulk handles:
//
//	bulk|b name key1 [key2 ...]
func (app *application) handleBulk(w io.Writer, args []string) {
	if len(args) < 2 {
		_, _ = w.Write(respSetKeyNeeded)
		return
	}
	if !validSetName.MatchString(args[0]) {
		_, _ = w.Write(respBadSetName)
		return
	}
	app.replyAdd(w, app.mgr.SetKeys(args[0], args[1:]))
}

// handleInfo handles:
//
//	info name
func (app *application) handleInfo(w io.Writer, args []string) {
	name, ok := app.oneSetName(w, args)
	if !ok {
		return
	}

	err := app.mgr.InspectSet(name, func(s *sketch.Sketch) {
		inMemory := 0
		if s.InMemory() {
			inMemory = 1
		}
		c := s.Counters()

		_, _ = w.Write(respStart)
		fmt.Fprintf(w, "in_memory %d\n", inMemory)
		fmt.Fprintf(w, "page_ins %d\n", c.PageIns.Load())
		fmt.Fprintf(w, "page_outs %d\n", c.PageOuts.Load())
		fmt.Fprintf(w, "eps %f\n", s.Eps())
		fmt.Fprintf(w, "precision %d\n", s.Precision())
		fmt.Fprintf(w, "sets %d\n", c.Sets.Load())
		fmt.Fprintf(w, "size %d\n", s.Size())
		fmt.Fprintf(w, "storage %d\n", s.ByteSize())
		_, _ = w.Write(respEnd)
	})
	if err != nil {
		_, _ = w.Write(respSetNotExist)
	}
}

// handleFlush handles:
//
//	flush [name]
//
// Without a name, every set is flushed. Per-set IO failures are logged
// but do not fail the sweep.
func (app *application) handleFlush(w io.Writer, args []string) {
	if len(args) > 1 {
		_, _ = w.Write(respBadArgs)
		return
	}

	if len(args) == 1 {
		err := app.mgr.FlushSet(args[0])
		if errors.Is(err, manager.ErrSetNotFound) {
			_, _ = w.Write(respSetNotExist)
			return
		}
		if err != nil {
			log.WithError(err).Errorf("Failed to flush set '%s'", args[0])
		}
		_, _ = w.Write(respDone)
		return
	}

	for _, name := range app.mgr.ListSets("") {
		if err := app.mgr.FlushSet(name); err != nil && !errors.Is(err, manager.ErrSetNotFound) {
			log.WithError(err).Errorf("Failed to flush set '%s'", name)
		}
	}
	_, _ = w.Write(respDone)
}

// oneSetName validates the single-name argument form shared by several
// commands, replying on failure.
func (app *application) oneSetName(w io.Writer, args []string) (string, bool) {
	if len(args) != 1 {
		_, _ = w.Write(respSetNeeded)
		return "", false
	}
	if !validSetName.MatchString(args[0]) {
		_, _ = w.Write(respBadSetName)
		return "", false
	}
	return args[0], true
}

func (app *application) replyDoneOrMissing(w io.Writer, err error) {
	switch {
	case err == nil:
		_, _ = w.Write(respDone)
	case errors.Is(err, manager.ErrSetNotFound):
		_, _ = w.Write(respSetNotExist)
	default:
		_, _ = w.Write(respInternalError)
	}
}

func (app *application) replyAdd(w io.Writer, err error) {
	switch {
	case err == nil:
		_, _ = w.Write(respDone)
	case errors.Is(err, manager.ErrSetNotFound):
		_, _ = w.Write(respSetNotExist)
	default:
		_, _ = w.Write(respInternalError)
	}
}
