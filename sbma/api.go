package sbma

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/jiverson002/sbma-sub000/vmm"
	"github.com/jiverson002/sbma-sub000/volock"
	"golang.org/x/sys/unix"
)

var ateStructSize = unsafe.Sizeof(mmu.ATE{})
var pageFlagSize = unsafe.Sizeof(mmu.PageFlag(0))

func ceilDiv(a, b uintptr) uintptr {
	return (a + b - 1) / b
}

// pagesFor returns the metadata-charging page-equivalents for an
// allocation of nPages application pages, per §3's "s = header pages, f =
// flag-vector pages" layout. Since mmu.ATE is an ordinary Go-managed
// struct rather than bytes embedded in the mapping (see mmu/ate.go), s and
// f pages are never actually mapped here; they exist only as the
// accounting quantities metadata-charging mode (METACH) charges against
// the IPC budget, matching the original's intent that metadata consume
// admitted memory too.
func pagesFor(p *process, nPages uint64) (sPages, fPages uint64) {
	sPages = uint64(ceilDiv(ateStructSize, p.pageSize))
	fPages = uint64(ceilDiv(uintptr(nPages)*pageFlagSize, p.pageSize))
	return
}

func backingPath(fstem string, ate *mmu.ATE) string {
	if fstem == "" {
		fstem = "/tmp/sbma-"
	}
	return fmt.Sprintf("%s%d-%x", fstem, os.Getpid(), ate.Base)
}

func uncharge(p *process, pages uint64) {
	if pages == 0 {
		return
	}
	_ = p.region.CriticalSection(func() error {
		p.region.Mevict(pages, 0)
		return nil
	})
}

func pageRange(ate *mmu.ATE, addr, length uintptr) (beg, num uint64, err error) {
	if !ate.Contains(addr) || length == 0 || !ate.Contains(addr+length-1) {
		return 0, 0, sbmaerr.Invalid("sbma: range [%#x,%#x) is not within the allocation", addr, addr+length)
	}
	beg = ate.PageIndex(addr)
	end := ate.PageIndex(addr+length-1) + 1
	return beg, end - beg, nil
}

// Malloc allocates a storage-backed range of at least size bytes and
// returns its base address, per §4.5's malloc algorithm.
func Malloc(size uintptr) (uintptr, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, sbmaerr.Invalid("sbma: malloc: size must be > 0")
	}

	nPages := uint64(ceilDiv(size, p.pageSize))
	sPages, fPages := pagesFor(p, nPages)
	residentDefault := p.engine.Opts.Has(vmm.RSDNT)

	var charge uint64
	switch {
	case p.metach && residentDefault:
		charge = sPages + nPages + fPages
	case p.metach && !residentDefault:
		charge = sPages + fPages
	case !p.metach && residentDefault:
		charge = nPages
	default:
		charge = 0
	}
	if charge > 0 {
		if err := p.region.Madmit(charge, admitPolicy(p)); err != nil {
			return 0, err
		}
	}

	data, err := unix.Mmap(-1, 0, int(nPages*uint64(p.pageSize)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		uncharge(p, charge)
		return 0, sbmaerr.IoError(err, "sbma: malloc: mmap %d pages", nPages)
	}
	if p.engine.Opts.Has(vmm.MLOCK) {
		if err := unix.Mlock(data); err != nil {
			unix.Munmap(data)
			uncharge(p, charge)
			return 0, sbmaerr.IoError(err, "sbma: malloc: mlock")
		}
	}

	flags := make([]mmu.PageFlag, nPages)
	prot := unix.PROT_READ
	if !residentDefault {
		prot = unix.PROT_NONE
		for i := range flags {
			flags[i] = mmu.CHRGD | mmu.RSDNT
		}
	}
	if err := unix.Mprotect(data, prot); err != nil {
		unix.Munmap(data)
		uncharge(p, charge)
		return 0, sbmaerr.IoError(err, "sbma: malloc: mprotect")
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	if err := p.engine.RegisterRange(base, uintptr(len(data))); err != nil {
		unix.Munmap(data)
		uncharge(p, charge)
		return 0, err
	}

	ate := &mmu.ATE{
		NPages:   nPages,
		PageSize: p.pageSize,
		Base:     base,
		Flags:    flags,
		Data:     data,
		File:     -1,
	}
	if residentDefault {
		ate.LPages = nPages
		ate.CPages = nPages
	}
	ate.Lock = volock.New(fmt.Sprintf("ate-%x", ate.Base))

	path := backingPath(p.fstem, ate)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		p.engine.UnregisterRange(base, uintptr(len(data)))
		unix.Munmap(data)
		uncharge(p, charge)
		return 0, sbmaerr.IoError(err, "sbma: malloc: create backing file %s", path)
	}
	if err := f.Truncate(int64(nPages * uint64(p.pageSize))); err != nil {
		f.Close()
		os.Remove(path)
		p.engine.UnregisterRange(base, uintptr(len(data)))
		unix.Munmap(data)
		uncharge(p, charge)
		return 0, sbmaerr.IoError(err, "sbma: malloc: truncate backing file %s", path)
	}
	ate.File = int(f.Fd())
	ate.Path = path
	p.registerFile(ate, f)

	if err := p.table.Insert(p.engine.MainToken, ate); err != nil {
		f.Close()
		os.Remove(path)
		p.engine.UnregisterRange(base, uintptr(len(data)))
		unix.Munmap(data)
		uncharge(p, charge)
		return 0, err
	}

	atomic.AddInt64(&p.engine.Counters.AllocPages, int64(nPages))
	return ate.Base, nil
}

// Free releases the allocation whose base address is ptr, per §4.5's free
// algorithm: unlink the backing file, invalidate the MMU entry, unmap the
// range, and credit IPC for whatever the allocation still held charged.
func Free(ptr uintptr) error {
	p, err := current()
	if err != nil {
		return err
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, ptr)
	if err != nil {
		return translateLookupErr(err)
	}
	defer ate.Lock.Unlock(p.engine.MainToken)

	if ate.Base != ptr {
		return sbmaerr.Invalid("sbma: free: ptr is not a live allocation base")
	}

	sPages, fPages := pagesFor(p, ate.NPages)
	credit := ate.CPages
	if p.metach {
		credit += sPages + fPages
	}

	if err := p.table.Invalidate(p.engine.MainToken, ate); err != nil {
		return err
	}

	if f := p.takeFile(ate); f != nil {
		f.Close()
	}
	if err := os.Remove(ate.Path); err != nil && !os.IsNotExist(err) {
		return sbmaerr.IoError(err, "sbma: free: unlink backing file %s", ate.Path)
	}

	if err := p.engine.UnregisterRange(ate.Base, uintptr(len(ate.Data))); err != nil {
		return err
	}
	if p.engine.Opts.Has(vmm.MLOCK) {
		_ = unix.Munlock(ate.Data)
	}
	if err := unix.Munmap(ate.Data); err != nil {
		return sbmaerr.IoError(err, "sbma: free: munmap")
	}

	if credit > 0 {
		if err := p.region.CriticalSection(func() error {
			p.region.Mevict(credit, 0)
			return nil
		}); err != nil {
			return err
		}
	}

	atomic.AddInt64(&p.engine.Counters.AllocPages, -int64(ate.NPages))
	return nil
}

// Realloc resizes the allocation at ptr to size bytes, per §4.5's realloc
// algorithm, returning the (possibly moved) base address.
func Realloc(ptr uintptr, size uintptr) (uintptr, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, sbmaerr.Invalid("sbma: realloc: size must be > 0")
	}

	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, ptr)
	if err != nil {
		return 0, translateLookupErr(err)
	}
	defer ate.Lock.Unlock(p.engine.MainToken)
	if ate.Base != ptr {
		return 0, sbmaerr.Invalid("sbma: realloc: ptr is not a live allocation base")
	}

	newN := uint64(ceilDiv(size, p.pageSize))
	switch {
	case newN == ate.NPages:
		return ate.Base, nil
	case newN < ate.NPages:
		return reallocShrink(p, ate, newN)
	default:
		return reallocGrow(p, ate, newN)
	}
}

func reallocShrink(p *process, ate *mmu.ATE, newN uint64) (uintptr, error) {
	pageSize := uint64(ate.PageSize)
	tailBeg, tailNum := newN, ate.NPages-newN

	var freedC, freedD uint64
	for i := tailBeg; i < tailBeg+tailNum; i++ {
		if ate.Flags[i]&mmu.RSDNT == 0 {
			ate.LPages--
		}
		if ate.Flags[i]&mmu.CHRGD == 0 {
			ate.CPages--
			freedC++
		}
		if ate.Flags[i]&mmu.DIRTY != 0 {
			ate.DPages--
			freedD++
		}
	}

	oldSPages, oldFPages := pagesFor(p, ate.NPages)
	newSPages, newFPages := pagesFor(p, newN)
	if p.metach {
		freedC += (oldSPages + oldFPages) - (newSPages + newFPages)
	}

	tail := ate.Data[tailBeg*pageSize : (tailBeg+tailNum)*pageSize]
	if err := unix.Munmap(tail); err != nil {
		return 0, sbmaerr.IoError(err, "sbma: realloc: munmap shrink tail")
	}
	ate.Data = ate.Data[:tailBeg*pageSize]
	ate.Flags = ate.Flags[:tailBeg]
	ate.NPages = newN

	if f := p.fileFor(ate); f != nil {
		if err := f.Truncate(int64(newN * pageSize)); err != nil {
			return 0, sbmaerr.IoError(err, "sbma: realloc: truncate backing file %s", ate.Path)
		}
	}

	if freedC > 0 || freedD > 0 {
		if err := p.region.CriticalSection(func() error {
			p.region.Mevict(freedC, freedD)
			return nil
		}); err != nil {
			return 0, err
		}
	}
	atomic.AddInt64(&p.engine.Counters.AllocPages, -int64(tailNum))
	return ate.Base, nil
}

func reallocGrow(p *process, ate *mmu.ATE, newN uint64) (uintptr, error) {
	pageSize := uint64(ate.PageSize)
	addN := newN - ate.NPages
	oldSPages, oldFPages := pagesFor(p, ate.NPages)
	newSPages, newFPages := pagesFor(p, newN)

	residentDefault := p.engine.Opts.Has(vmm.RSDNT)
	merge := p.engine.Opts.Has(vmm.MERGE)

	var charge uint64
	switch {
	case p.metach:
		charge = addN + (newSPages + newFPages) - (oldSPages + oldFPages)
	case residentDefault:
		charge = addN
	}
	if charge > 0 {
		if err := p.region.Madmit(charge, admitPolicy(p)); err != nil {
			return 0, err
		}
	}

	if err := p.table.Invalidate(p.engine.MainToken, ate); err != nil {
		uncharge(p, charge)
		return 0, err
	}

	if merge {
		// §4.5 merge mode: reprotect the whole old range RW first so the
		// kernel sees one VMA to grow in place, instead of mremap
		// potentially needing to relocate a range with mixed
		// protections.
		if err := unix.Mprotect(ate.Data, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			p.table.Insert(p.engine.MainToken, ate)
			uncharge(p, charge)
			return 0, sbmaerr.IoError(err, "sbma: realloc: merge reprotect")
		}
	}

	newData, err := unix.Mremap(ate.Data, int(newN*pageSize), unix.MREMAP_MAYMOVE)
	if err != nil {
		// The old mapping is untouched on failure: still recoverable.
		p.table.Insert(p.engine.MainToken, ate)
		uncharge(p, charge)
		return 0, sbmaerr.IoError(err, "sbma: realloc: mremap grow")
	}

	oldBase := ate.Base
	newBase := uintptr(unsafe.Pointer(&newData[0]))
	moved := newBase != oldBase

	newFlags := make([]mmu.PageFlag, newN)
	copy(newFlags, ate.Flags)
	for i := ate.NPages; i < newN; i++ {
		if !residentDefault {
			newFlags[i] = mmu.CHRGD | mmu.RSDNT
		}
	}

	extProt := unix.PROT_READ
	if !residentDefault {
		extProt = unix.PROT_NONE
	}
	extension := newData[ate.NPages*pageSize : newN*pageSize]
	if err := unix.Mprotect(extension, extProt); err != nil {
		// Past this point the previous allocation no longer exists:
		// §4.5 marks a post-mremap failure fatal rather than
		// recoverable.
		return 0, sbmaerr.Fatal(err, "sbma: realloc: mprotect extension")
	}

	if merge {
		if err := reprotectFromFlags(newData, newFlags, pageSize); err != nil {
			return 0, sbmaerr.Fatal(err, "sbma: realloc: merge restore protections")
		}
	}

	oldNPages := ate.NPages
	ate.Data = newData
	ate.Flags = newFlags
	ate.Base = newBase
	ate.NPages = newN
	if residentDefault {
		ate.LPages += addN
		ate.CPages += addN
	}

	f := p.fileFor(ate)
	if moved {
		oldPath := ate.Path
		newPath := backingPath(p.fstem, ate)
		if err := unix.Rename(oldPath, newPath); err != nil {
			return 0, sbmaerr.Fatal(err, "sbma: realloc: rename backing file")
		}
		ate.Path = newPath
	}
	if f != nil {
		if err := f.Truncate(int64(newN * pageSize)); err != nil {
			return 0, sbmaerr.Fatal(err, "sbma: realloc: truncate backing file %s", ate.Path)
		}
	}

	if err := p.table.Insert(p.engine.MainToken, ate); err != nil {
		return 0, sbmaerr.Fatal(err, "sbma: realloc: re-insert into mmu")
	}

	atomic.AddInt64(&p.engine.Counters.AllocPages, int64(newN-oldNPages))
	return ate.Base, nil
}

// reprotectFromFlags walks the flag vector restoring each page's
// protection from its own flags, as §4.5's merge-mode commit step
// requires after an in-place mremap leaves the whole range writable.
func reprotectFromFlags(data []byte, flags []mmu.PageFlag, pageSize uint64) error {
	for i, f := range flags {
		prot := unix.PROT_READ
		switch {
		case f&mmu.RSDNT != 0:
			prot = unix.PROT_NONE
		case f&mmu.DIRTY != 0:
			prot = unix.PROT_READ | unix.PROT_WRITE
		}
		page := data[uint64(i)*pageSize : (uint64(i)+1)*pageSize]
		if err := unix.Mprotect(page, prot); err != nil {
			return err
		}
	}
	return nil
}

// Mtouch admits and brings resident the pages covering [addr, addr+length),
// per §4.3's mtouch semantics. It returns the number of pages actually read
// from the backing file.
func Mtouch(addr, length uintptr) (uint64, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, addr)
	if err != nil {
		return 0, translateLookupErr(err)
	}
	defer ate.Lock.Unlock(p.engine.MainToken)

	beg, num, err := pageRange(ate, addr, length)
	if err != nil {
		return 0, err
	}
	return touchLocked(p, ate, beg, num)
}

func touchLocked(p *process, ate *mmu.ATE, beg, num uint64) (uint64, error) {
	var need uint64
	for i := beg; i < beg+num; i++ {
		if ate.Flags[i]&mmu.CHRGD != 0 {
			need++
		}
	}
	if need > 0 {
		if err := p.region.Madmit(need, admitPolicy(p)); err != nil {
			return 0, err
		}
	}
	return p.engine.SwapIn(ate, beg, num)
}

// Mtouchall brings every page of every live allocation resident.
func Mtouchall() (uint64, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	var total uint64
	err = p.table.Each(p.engine.MainToken, func(ate *mmu.ATE) error {
		if err := ate.Lock.Lock(p.engine.MainToken); err != nil {
			return err
		}
		defer ate.Lock.Unlock(p.engine.MainToken)
		n, err := touchLocked(p, ate, 0, ate.NPages)
		total += n
		return err
	})
	return total, err
}

// TouchRange names one [addr, addr+length) span passed to MtouchAtomic.
type TouchRange struct {
	Addr   uintptr
	Length uintptr
}

// MtouchAtomic admits, as a single admission unit, the pages covering each
// of ranges, then brings them all resident — §4.3's "admit once across all
// ranges" requirement for mtouch_atomic. Overlapping ranges within the same
// ATE are coalesced before the charge is computed, so a page named by more
// than one range is only charged once; non-overlapping sub-ranges of the
// same ATE, and ranges on different ATEs, are counted separately.
// Overlapping ranges within the same ATE are rejected when AGGCH is set:
// see DESIGN.md's resolution of the corresponding Open Question in the
// original mtouch_atomic/AGGCH interaction.
func MtouchAtomic(ranges []TouchRange) (uint64, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	if len(ranges) == 0 {
		return 0, nil
	}

	type located struct {
		ate      *mmu.ATE
		beg, num uint64
	}
	locs := make([]located, 0, len(ranges))
	unlockAll := func() {
		for _, l := range locs {
			l.ate.Lock.Unlock(p.engine.MainToken)
		}
	}

	for _, r := range ranges {
		ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, r.Addr)
		if err != nil {
			unlockAll()
			return 0, translateLookupErr(err)
		}
		beg, num, err := pageRange(ate, r.Addr, r.Length)
		if err != nil {
			ate.Lock.Unlock(p.engine.MainToken)
			unlockAll()
			return 0, err
		}
		locs = append(locs, located{ate, beg, num})
	}
	defer unlockAll()

	byATE := make(map[*mmu.ATE][]located, len(locs))
	var order []*mmu.ATE
	for _, l := range locs {
		if _, ok := byATE[l.ate]; !ok {
			order = append(order, l.ate)
		}
		byATE[l.ate] = append(byATE[l.ate], l)
	}

	var overlapped bool
	var need uint64
	for _, ate := range order {
		group := append([]located(nil), byATE[ate]...)
		sort.Slice(group, func(i, j int) bool { return group[i].beg < group[j].beg })

		merged := make([]located, 0, len(group))
		merged = append(merged, group[0])
		for _, l := range group[1:] {
			last := merged[len(merged)-1]
			if l.beg < last.beg+last.num {
				overlapped = true
				end := last.beg + last.num
				if le := l.beg + l.num; le > end {
					end = le
				}
				merged[len(merged)-1] = located{ate, last.beg, end - last.beg}
				continue
			}
			merged = append(merged, l)
		}

		for _, l := range merged {
			for i := l.beg; i < l.beg+l.num; i++ {
				if ate.Flags[i]&mmu.CHRGD != 0 {
					need++
				}
			}
		}
	}

	if overlapped && p.engine.Opts.Has(vmm.AGGCH) {
		return 0, sbmaerr.Invalid("sbma: mtouch_atomic: overlapping ranges within the same allocation are incompatible with AGGCH")
	}

	if need > 0 {
		if err := p.region.Madmit(need, admitPolicy(p)); err != nil {
			return 0, err
		}
	}

	var total uint64
	for _, l := range locs {
		n, err := p.engine.SwapIn(l.ate, l.beg, l.num)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Mclear clears DIRTY/ZFILL on the pages covering [addr, addr+length),
// per §4.3's mclear semantics.
func Mclear(addr, length uintptr) error {
	p, err := current()
	if err != nil {
		return err
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, addr)
	if err != nil {
		return translateLookupErr(err)
	}
	defer ate.Lock.Unlock(p.engine.MainToken)

	beg, num, err := pageRange(ate, addr, length)
	if err != nil {
		return err
	}
	return p.engine.SwapClear(ate, beg, num)
}

// Mclearall clears DIRTY/ZFILL on every page of every live allocation.
func Mclearall() error {
	p, err := current()
	if err != nil {
		return err
	}
	return p.table.Each(p.engine.MainToken, func(ate *mmu.ATE) error {
		if err := ate.Lock.Lock(p.engine.MainToken); err != nil {
			return err
		}
		defer ate.Lock.Unlock(p.engine.MainToken)
		return p.engine.SwapClear(ate, 0, ate.NPages)
	})
}

// Mevict evicts the pages covering [addr, addr+length) to the backing
// file, per §4.3's mevict semantics, crediting IPC for the pages freed.
// It returns the number of pages actually written.
func Mevict(addr, length uintptr) (uint64, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, addr)
	if err != nil {
		return 0, translateLookupErr(err)
	}
	defer ate.Lock.Unlock(p.engine.MainToken)

	beg, num, err := pageRange(ate, addr, length)
	if err != nil {
		return 0, err
	}
	return evictLocked(p, ate, beg, num)
}

func evictLocked(p *process, ate *mmu.ATE, beg, num uint64) (uint64, error) {
	cBefore, dBefore := ate.CPages, ate.DPages
	n, err := p.engine.SwapOut(ate, beg, num)
	if err != nil {
		return n, err
	}
	c, d := cBefore-ate.CPages, dBefore-ate.DPages
	if c > 0 || d > 0 {
		if err := p.region.CriticalSection(func() error {
			p.region.Mevict(c, d)
			return nil
		}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Mevictall evicts every page of every live allocation.
func Mevictall() (uint64, error) {
	p, err := current()
	if err != nil {
		return 0, err
	}
	var total uint64
	err = p.table.Each(p.engine.MainToken, func(ate *mmu.ATE) error {
		if err := ate.Lock.Lock(p.engine.MainToken); err != nil {
			return err
		}
		defer ate.Lock.Unlock(p.engine.MainToken)
		n, err := evictLocked(p, ate, 0, ate.NPages)
		total += n
		return err
	})
	return total, err
}

// Mexist reports whether addr falls within a live allocation.
func Mexist(addr uintptr) bool {
	p, err := current()
	if err != nil {
		return false
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, addr)
	if err != nil {
		return false
	}
	ate.Lock.Unlock(p.engine.MainToken)
	return true
}

// Mallopt replaces the process's option word, per §4.5's mallopt: rejects
// any word containing an unrecognized bit or an invalid combination.
func Mallopt(value vmm.Options) error {
	p, err := current()
	if err != nil {
		return err
	}
	if !value.Valid() {
		return sbmaerr.Invalid("sbma: mallopt: invalid option word %#x", uint32(value))
	}
	p.engine.Opts = value
	p.metach = value.Has(vmm.METACH)
	return nil
}
