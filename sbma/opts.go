package sbma

import (
	"strings"

	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/jiverson002/sbma-sub000/vmm"
)

// maxOptStringLen is §6's 511-byte cap on the option string token length.
const maxOptStringLen = 511

// toggle identifies one logical option-string toggle for "seen at most
// once" tracking, independent of which of its two spellings (e.g.
// "aggch"/"noaggch") was used.
type toggle int

const (
	toggleResident toggle = iota
	toggleRead
	toggleAggch
	toggleGhost
	toggleMerge
	toggleMetach
	toggleMlock
	toggleCheck
	toggleExtra
	toggleOsvmm
	toggleAdmit
	numToggles
)

// ParseOptString parses the comma-separated option-string grammar of §6:
// evict,rsdnt,aggrd,lzyrd,admitr,admitd,noaggch,aggch,noghost,ghost,
// nomerge,merge,nometach,metach,nomlock,mlock,nocheck,check,extra,
// noosvmm,osvmm,default. Each logical toggle may appear at most once. The
// "default" token sets lzyrd|merge.
func ParseOptString(s string) (vmm.Options, error) {
	if len(s) > maxOptStringLen {
		return 0, sbmaerr.Invalid("opts: string exceeds %d bytes", maxOptStringLen)
	}

	var opts vmm.Options
	var seen [numToggles]bool
	mark := func(tg toggle) error {
		if seen[tg] {
			return sbmaerr.Invalid("opts: toggle specified more than once")
		}
		seen[tg] = true
		return nil
	}

	if s == "" {
		return opts, nil
	}

	for _, tok := range strings.Split(s, ",") {
		switch tok {
		case "evict":
			if err := mark(toggleResident); err != nil {
				return 0, err
			}
			opts &^= vmm.RSDNT
		case "rsdnt":
			if err := mark(toggleResident); err != nil {
				return 0, err
			}
			opts |= vmm.RSDNT
		case "aggrd":
			if err := mark(toggleRead); err != nil {
				return 0, err
			}
			opts &^= vmm.LZYRD
		case "lzyrd":
			if err := mark(toggleRead); err != nil {
				return 0, err
			}
			opts |= vmm.LZYRD
		case "admitr":
			if err := mark(toggleAdmit); err != nil {
				return 0, err
			}
			opts &^= vmm.ADMITD
		case "admitd":
			if err := mark(toggleAdmit); err != nil {
				return 0, err
			}
			opts |= vmm.ADMITD
		case "noaggch":
			if err := mark(toggleAggch); err != nil {
				return 0, err
			}
			opts &^= vmm.AGGCH
		case "aggch":
			if err := mark(toggleAggch); err != nil {
				return 0, err
			}
			opts |= vmm.AGGCH
		case "noghost":
			if err := mark(toggleGhost); err != nil {
				return 0, err
			}
			opts &^= vmm.GHOST
		case "ghost":
			if err := mark(toggleGhost); err != nil {
				return 0, err
			}
			opts |= vmm.GHOST
		case "nomerge":
			if err := mark(toggleMerge); err != nil {
				return 0, err
			}
			opts &^= vmm.MERGE
		case "merge":
			if err := mark(toggleMerge); err != nil {
				return 0, err
			}
			opts |= vmm.MERGE
		case "nometach":
			if err := mark(toggleMetach); err != nil {
				return 0, err
			}
			opts &^= vmm.METACH
		case "metach":
			if err := mark(toggleMetach); err != nil {
				return 0, err
			}
			opts |= vmm.METACH
		case "nomlock":
			if err := mark(toggleMlock); err != nil {
				return 0, err
			}
			opts &^= vmm.MLOCK
		case "mlock":
			if err := mark(toggleMlock); err != nil {
				return 0, err
			}
			opts |= vmm.MLOCK
		case "nocheck":
			if err := mark(toggleCheck); err != nil {
				return 0, err
			}
			opts &^= vmm.CHECK
		case "check":
			if err := mark(toggleCheck); err != nil {
				return 0, err
			}
			opts |= vmm.CHECK
		case "extra":
			if err := mark(toggleExtra); err != nil {
				return 0, err
			}
			opts |= vmm.EXTRA
		case "noosvmm":
			if err := mark(toggleOsvmm); err != nil {
				return 0, err
			}
			opts &^= vmm.OSVMM
		case "osvmm":
			if err := mark(toggleOsvmm); err != nil {
				return 0, err
			}
			opts |= vmm.OSVMM
		case "default":
			opts |= vmm.LZYRD | vmm.MERGE
		default:
			return 0, sbmaerr.Invalid("opts: unrecognized token %q", tok)
		}
	}

	if !opts.Valid() {
		return 0, sbmaerr.Invalid("opts: invalid combination in %q", s)
	}
	return opts, nil
}
