package sbma

import (
	"github.com/jiverson002/sbma-sub000/fileio"
	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/sbmaerr"
)

// Validate walks every live allocation and asserts the §3/§8 resting
// invariants, the supplemented CHECK/EXTRA runtime invariant-checking
// feature from the original's mcheck.c/mextra.c. CHECK re-derives each
// ATE's page counters from its flag vector and compares them against the
// counters maintained incrementally by swap_in/swap_out/swap_clear; EXTRA
// additionally re-reads every resident, on-disk-backed page and compares
// it against the in-memory copy to catch silent corruption of the backing
// file. Validate returns the first mismatch found, wrapped as
// sbmaerr.Fatal since a failed invariant indicates the allocator's own
// bookkeeping has diverged from reality.
func Validate(extra bool) error {
	p, err := current()
	if err != nil {
		return err
	}

	return p.table.Each(p.engine.MainToken, func(ate *mmu.ATE) error {
		if err := ate.Lock.Lock(p.engine.MainToken); err != nil {
			return err
		}
		defer ate.Lock.Unlock(p.engine.MainToken)
		return validateATE(ate, extra)
	})
}

func validateATE(ate *mmu.ATE, extra bool) error {
	if !ate.Invariant() {
		return sbmaerr.Fatal(nil, "sbma: validate: ATE at %#x violates d<=l<=c<=n (d=%d l=%d c=%d n=%d)",
			ate.Base, ate.DPages, ate.LPages, ate.CPages, ate.NPages)
	}
	if uint64(len(ate.Flags)) != ate.NPages {
		return sbmaerr.Fatal(nil, "sbma: validate: ATE at %#x has %d flag entries for %d pages",
			ate.Base, len(ate.Flags), ate.NPages)
	}

	var lPages, cPages, dPages uint64
	for i, f := range ate.Flags {
		if f&mmu.RSDNT == 0 {
			lPages++
			if extra {
				if err := validatePageContents(ate, uint64(i)); err != nil {
					return err
				}
			}
		}
		if f&mmu.CHRGD == 0 {
			cPages++
		}
		if f&mmu.DIRTY != 0 {
			dPages++
		}
	}

	if lPages != ate.LPages || cPages != ate.CPages || dPages != ate.DPages {
		return sbmaerr.Fatal(nil, "sbma: validate: ATE at %#x counters diverged from flags "+
			"(l=%d/%d c=%d/%d d=%d/%d tracked/derived)",
			ate.Base, ate.LPages, lPages, ate.CPages, cPages, ate.DPages, dPages)
	}
	return nil
}

// validatePageContents re-reads page i's on-disk shadow copy, when one
// exists (ZFILL set, not DIRTY since the last clear/evict), and compares
// it byte-for-byte against the resident copy.
func validatePageContents(ate *mmu.ATE, i uint64) error {
	f := ate.Flags[i]
	if f&mmu.ZFILL == 0 || ate.File < 0 {
		return nil
	}
	pageSize := uint64(ate.PageSize)
	shadow := make([]byte, pageSize)
	if err := fileio.ReadAt(ate.File, shadow, int64(i*pageSize)); err != nil {
		return err
	}
	resident := ate.Data[i*pageSize : (i+1)*pageSize]
	if f&mmu.DIRTY == 0 {
		for j := range shadow {
			if shadow[j] != resident[j] {
				return sbmaerr.Fatal(nil, "sbma: validate: ATE at %#x page %d diverges from its backing file at byte %d",
					ate.Base, i, j)
			}
		}
	}
	return nil
}
