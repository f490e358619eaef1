package sbma

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/vmm"
)

var uniqCounter int64

func tempUniq(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("sbma-test-%d-%d", os.Getpid(), atomic.AddInt64(&uniqCounter, 1))
}

// initTest starts a single-process sbma session against a fresh temp
// fstem/uniq and returns a cleanup func that calls Destroy.
func initTest(t *testing.T, opts vmm.Options, budgetPages uint64) func() {
	t.Helper()
	dir := t.TempDir()
	if err := Init(dir+"/", tempUniq(t), testPageSize, 1, budgetPages*testPageSize, opts); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return func() {
		if err := Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
	}
}

// TestMallocFreeRoundTrip covers spec §8's single-process round trip:
// malloc an evict-default allocation, bring it resident, free it.
func TestMallocFreeRoundTrip(t *testing.T) {
	cleanup := initTest(t, vmm.LZYRD|vmm.MERGE, 16)
	defer cleanup()

	base, err := Malloc(2 * testPageSize)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if !Mexist(base) {
		t.Fatalf("Mexist(base) = false, want true right after Malloc")
	}

	if _, err := Mtouch(base, 2*testPageSize); err != nil {
		t.Fatalf("Mtouch: %v", err)
	}

	info, err := Mallinfo()
	if err != nil {
		t.Fatalf("Mallinfo: %v", err)
	}
	if info.Keepcost != 2 {
		t.Fatalf("Mallinfo().Keepcost = %d, want 2", info.Keepcost)
	}

	if _, err := Mevict(base, 2*testPageSize); err != nil {
		t.Fatalf("Mevict: %v", err)
	}

	if err := Free(base); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if Mexist(base) {
		t.Fatalf("Mexist(base) = true after Free, want false")
	}
}

// TestMtouchLazyReadLoadsOnlyRequestedRange covers spec §8's lazy-read
// scenario at the sbma API layer: touching a sub-range of a larger
// allocation brings only that sub-range resident.
func TestMtouchLazyReadLoadsOnlyRequestedRange(t *testing.T) {
	cleanup := initTest(t, vmm.LZYRD|vmm.MERGE, 16)
	defer cleanup()

	base, err := Malloc(4 * testPageSize)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	defer Free(base)

	if _, err := Mtouch(base+testPageSize, testPageSize); err != nil {
		t.Fatalf("Mtouch: %v", err)
	}

	p, err := current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, base)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ate.LPages != 1 {
		t.Fatalf("LPages after touching one of four pages = %d, want 1", ate.LPages)
	}
	for i, f := range ate.Flags {
		resident := f&mmu.RSDNT == 0
		if i == 1 && !resident {
			t.Fatalf("page 1 should be resident after Mtouch")
		}
		if i != 1 && resident {
			t.Fatalf("page %d should remain not-resident, only page 1 was touched", i)
		}
	}
	ate.Lock.Unlock(p.engine.MainToken)
}

// TestMclearCancelsDirty covers spec §8's clear-cancels-dirty scenario
// through Mclear. The DIRTY transition is normally driven by a real
// userfaultfd write-protect fault on first write; forcing that here would
// depend on the test environment's (possibly sandboxed) userfaultfd
// support, so the precondition is set up directly on the ATE instead, the
// same way vmm's own swap tests do.
func TestMclearCancelsDirty(t *testing.T) {
	cleanup := initTest(t, vmm.LZYRD|vmm.MERGE, 16)
	defer cleanup()

	base, err := Malloc(2 * testPageSize)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	defer Free(base)

	if _, err := Mtouch(base, 2*testPageSize); err != nil {
		t.Fatalf("Mtouch: %v", err)
	}

	p, err := current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	ate, err := p.table.Lookup(p.engine.MainToken, p.engine.MainToken, base)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ate.Flags[0] |= mmu.DIRTY
	ate.DPages++
	ate.Lock.Unlock(p.engine.MainToken)

	if err := Mclear(base, 2*testPageSize); err != nil {
		t.Fatalf("Mclear: %v", err)
	}

	ate, err = p.table.Lookup(p.engine.MainToken, p.engine.MainToken, base)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ate.DPages != 0 {
		t.Fatalf("DPages after Mclear = %d, want 0", ate.DPages)
	}
	if ate.Flags[0]&mmu.DIRTY != 0 {
		t.Fatalf("page 0 still DIRTY after Mclear")
	}
	ate.Lock.Unlock(p.engine.MainToken)
}

// TestReallocShrinkFreesTailPages covers spec §8's realloc-shrink
// scenario: shrinking keeps the base address and drops the freed tail
// pages from the allocated-page count (Mallinfo().Keepcost).
func TestReallocShrinkFreesTailPages(t *testing.T) {
	cleanup := initTest(t, vmm.RSDNT|vmm.MERGE, 16)
	defer cleanup()

	base, err := Malloc(4 * testPageSize)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}

	info, err := Mallinfo()
	if err != nil {
		t.Fatalf("Mallinfo: %v", err)
	}
	if info.Keepcost != 4 {
		t.Fatalf("Mallinfo().Keepcost after malloc = %d, want 4", info.Keepcost)
	}

	newBase, err := Realloc(base, 2*testPageSize)
	if err != nil {
		t.Fatalf("Realloc: %v", err)
	}
	if newBase != base {
		t.Fatalf("Realloc shrink moved the allocation: got %#x, want %#x", newBase, base)
	}

	info, err = Mallinfo()
	if err != nil {
		t.Fatalf("Mallinfo: %v", err)
	}
	if info.Keepcost != 2 {
		t.Fatalf("Mallinfo().Keepcost after shrink = %d, want 2", info.Keepcost)
	}

	if err := Free(newBase); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

// TestMtouchAtomicCoalescesOverlap covers the mtouch_atomic coalescing
// rule: two overlapping ranges over the same allocation must only be
// charged once for their shared pages. The budget here (3 pages) is
// exactly the coalesced union's size and strictly less than the 4 pages a
// naive per-range sum would charge, so this only succeeds quickly if the
// charge was computed over the merged range.
func TestMtouchAtomicCoalescesOverlap(t *testing.T) {
	cleanup := initTest(t, vmm.LZYRD|vmm.MERGE, 3)
	defer cleanup()

	base, err := Malloc(4 * testPageSize)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	defer Free(base)

	// Pages [0,2) and [1,3) overlap on page 1; their union is pages
	// [0,3), 3 distinct pages.
	ranges := []TouchRange{
		{Addr: base, Length: 2 * testPageSize},
		{Addr: base + testPageSize, Length: 2 * testPageSize},
	}
	n, err := MtouchAtomic(ranges)
	if err != nil {
		t.Fatalf("MtouchAtomic over a coalesced 3-page union: %v", err)
	}
	if n != 0 {
		// Newly-mapped pages have no ZFILL content yet, so nothing is
		// actually read from the backing file; this just confirms the
		// call completed rather than hanging on an over-counted charge.
		t.Fatalf("MtouchAtomic read %d pages from an empty backing file, want 0", n)
	}
}
