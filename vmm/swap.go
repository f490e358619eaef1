package vmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/jiverson002/sbma-sub000/fileio"
	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"golang.org/x/sys/unix"
)

// run describes one maximal contiguous range of pages sharing some
// property (dirty, or ZFILL-and-clean), used by SwapIn/SwapOut to batch
// their file I/O into as few positional transfers as possible, per §4.3.
type run struct {
	beg, num uint64
}

func forEachRun(n uint64, include func(i uint64) bool, fn func(r run) error) error {
	var cur *run
	flush := func() error {
		if cur == nil {
			return nil
		}
		r := *cur
		cur = nil
		return fn(r)
	}
	for i := uint64(0); i < n; i++ {
		if include(i) {
			if cur == nil {
				cur = &run{beg: i, num: 0}
			}
			cur.num++
		} else if err := flush(); err != nil {
			return err
		}
	}
	return flush()
}

// SwapIn brings num contiguous application pages starting at beg into a
// resident state, per §4.3. ate.Lock must already be held by the caller.
// It returns the number of pages actually read from the backing file.
func (e *Engine) SwapIn(ate *mmu.ATE, beg, num uint64) (uint64, error) {
	pageSize := uint64(ate.PageSize)
	var nread uint64

	err := forEachRun(num,
		func(rel uint64) bool {
			i := beg + rel
			return ate.Flags[i]&mmu.RSDNT != 0 && ate.Flags[i]&mmu.DIRTY == 0 && ate.Flags[i]&mmu.ZFILL != 0
		},
		func(r run) error {
			off := int64((beg + r.beg) * pageSize)
			buf := ate.Data[(beg+r.beg)*pageSize : (beg+r.beg+r.num)*pageSize]
			if e.Opts.Has(GHOST) {
				if err := e.ghostFill(ate.File, buf, off); err != nil {
					return err
				}
			} else {
				// The run may still be PROT_NONE; make it writable so the
				// pread can land, reprotect below sets the final protection.
				if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
					return sbmaerr.IoError(err, "vmm: mprotect write")
				}
				if err := fileio.ReadAt(ate.File, buf, off); err != nil {
					return err
				}
			}
			nread += r.num
			return nil
		})
	if err != nil {
		return 0, err
	}

	var newlyResident uint64
	for rel := uint64(0); rel < num; rel++ {
		i := beg + rel
		f := ate.Flags[i]
		wasUncharged := f&mmu.CHRGD != 0
		wasNotResident := f&mmu.RSDNT != 0

		if wasNotResident {
			ate.LPages++
			newlyResident++
			f &^= mmu.RSDNT
		}
		if wasUncharged {
			ate.CPages++
			f &^= mmu.CHRGD
		}
		ate.Flags[i] = f
	}

	if err := e.reprotect(ate, beg, num); err != nil {
		return nread, err
	}
	atomic.AddInt64(&e.Counters.PagesRead, int64(nread))
	e.Counters.addSysPages(int64(newlyResident))
	return nread, nil
}

// ghostFill realizes the GHOST option's ghost-remap read path: the backing
// file is read into a scratch anonymous mapping the same size as dst, then
// mremap(MREMAP_FIXED|MREMAP_MAYMOVE) retargets it over dst atomically, so
// dst is never visible to another thread in a transiently-writable,
// not-yet-populated state.
func (e *Engine) ghostFill(file int, dst []byte, off int64) error {
	scratch, err := unix.Mmap(-1, 0, len(dst), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return sbmaerr.IoError(err, "vmm: mmap ghost scratch")
	}
	if err := fileio.ReadAt(file, scratch, off); err != nil {
		_ = unix.Munmap(scratch)
		return err
	}
	// x/sys/unix's Mremap wrapper has no parameter for the new-address
	// argument MREMAP_FIXED requires, so the retarget goes through the
	// raw syscall directly, the same pattern ipc.Sem uses for futex(2).
	_, _, errno := unix.Syscall6(unix.SYS_MREMAP,
		uintptr(unsafe.Pointer(&scratch[0])), uintptr(len(scratch)), uintptr(len(dst)),
		uintptr(unix.MREMAP_FIXED|unix.MREMAP_MAYMOVE), uintptr(unsafe.Pointer(&dst[0])), 0)
	if errno != 0 {
		_ = unix.Munmap(scratch)
		return sbmaerr.IoError(errno, "vmm: mremap ghost")
	}
	return nil
}

// reprotect applies the final protections SwapIn leaves pages in: READ for
// clean pages, READ|WRITE for pages that were already DIRTY.
func (e *Engine) reprotect(ate *mmu.ATE, beg, num uint64) error {
	pageSize := uint64(ate.PageSize)
	return forEachRunProt(ate, beg, num, func(r run, prot int) error {
		b := ate.Data[(beg+r.beg)*pageSize : (beg+r.beg+r.num)*pageSize]
		if err := unix.Mprotect(b, prot); err != nil {
			return sbmaerr.IoError(err, "vmm: mprotect")
		}
		return nil
	})
}

func forEachRunProt(ate *mmu.ATE, beg, num uint64, fn func(r run, prot int) error) error {
	protOf := func(i uint64) int {
		if ate.Flags[i]&mmu.DIRTY != 0 {
			return unix.PROT_READ | unix.PROT_WRITE
		}
		return unix.PROT_READ
	}
	if num == 0 {
		return nil
	}
	curProt := protOf(beg)
	r := run{beg: 0, num: 0}
	for rel := uint64(0); rel < num; rel++ {
		p := protOf(beg + rel)
		if p != curProt {
			if err := fn(r, curProt); err != nil {
				return err
			}
			curProt = p
			r = run{beg: rel, num: 0}
		}
		r.num++
	}
	return fn(r, curProt)
}

// SwapOut evicts num contiguous pages starting at beg, per §4.3. ate.Lock
// must already be held by the caller. It returns the number of pages
// written to the backing file.
func (e *Engine) SwapOut(ate *mmu.ATE, beg, num uint64) (uint64, error) {
	pageSize := uint64(ate.PageSize)
	var nwritten uint64

	err := forEachRun(num,
		func(rel uint64) bool { return ate.Flags[beg+rel]&mmu.DIRTY != 0 },
		func(r run) error {
			off := int64((beg + r.beg) * pageSize)
			buf := ate.Data[(beg+r.beg)*pageSize : (beg+r.beg+r.num)*pageSize]
			if err := fileio.WriteAt(ate.File, buf, off); err != nil {
				return err
			}
			nwritten += r.num
			return nil
		})
	if err != nil {
		return 0, err
	}

	var newlyEvicted uint64
	for rel := uint64(0); rel < num; rel++ {
		i := beg + rel
		f := ate.Flags[i]
		wasResident := f&mmu.RSDNT == 0
		wasCharged := f&mmu.CHRGD == 0
		wasDirty := f&mmu.DIRTY != 0

		// §4.3 swap_out: dirty pages are marked (RSDNT=1, DIRTY=0,
		// CHRGD=1, ZFILL=1); clean pages are marked (RSDNT=1, CHRGD=1)
		// preserving ZFILL. Eviction always uncharges the page (CHRGD=1)
		// since the IPC credit in Region.Mevict gives the freed pages
		// back to the system pool.
		if wasDirty {
			f = (f &^ mmu.DIRTY) | mmu.RSDNT | mmu.ZFILL | mmu.CHRGD
			ate.DPages--
		} else {
			f |= mmu.RSDNT | mmu.CHRGD
		}
		if wasResident {
			ate.LPages--
			newlyEvicted++
		}
		if wasCharged {
			ate.CPages--
		}
		ate.Flags[i] = f
	}

	b := ate.Data[beg*pageSize : (beg+num)*pageSize]
	if e.Opts.Has(MLOCK) {
		_ = unix.Munlock(b)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return nwritten, sbmaerr.IoError(err, "vmm: mprotect none")
	}
	atomic.AddInt64(&e.Counters.PagesWritten, int64(nwritten))
	e.Counters.addSysPages(-int64(newlyEvicted))
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return nwritten, sbmaerr.IoError(err, "vmm: madvise dontneed")
	}
	return nwritten, nil
}

// SwapClear clears DIRTY and ZFILL on num contiguous pages starting at
// beg and downgrades any dirty page's protection back to READ, per §4.3:
// "what is here now is authoritative; the file copy is obsolete."
// ate.Lock must already be held by the caller.
func (e *Engine) SwapClear(ate *mmu.ATE, beg, num uint64) error {
	pageSize := uint64(ate.PageSize)
	err := forEachRun(num,
		func(rel uint64) bool { return ate.Flags[beg+rel]&mmu.DIRTY != 0 },
		func(r run) error {
			b := ate.Data[(beg+r.beg)*pageSize : (beg+r.beg+r.num)*pageSize]
			if err := unix.Mprotect(b, unix.PROT_READ); err != nil {
				return sbmaerr.IoError(err, "vmm: mprotect read")
			}
			return nil
		})
	if err != nil {
		return err
	}
	for rel := uint64(0); rel < num; rel++ {
		i := beg + rel
		if ate.Flags[i]&mmu.DIRTY != 0 {
			ate.DPages--
		}
		ate.Flags[i] &^= mmu.DIRTY | mmu.ZFILL
	}
	return nil
}
