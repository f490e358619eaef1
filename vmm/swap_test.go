package vmm

import (
	"os"
	"testing"

	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/volock"
	"golang.org/x/sys/unix"
)

const testPageSize = 4096

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return &Engine{PageSize: testPageSize, Opts: LZYRD}
}

func newTestATE(t *testing.T, nPages uint64, allZfill bool) (*mmu.ATE, func()) {
	t.Helper()
	size := int(nPages) * testPageSize

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	f, err := os.CreateTemp("", "vmm-swap-test-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	flags := make([]mmu.PageFlag, nPages)
	for i := range flags {
		flags[i] = mmu.RSDNT | mmu.CHRGD
		if allZfill {
			flags[i] |= mmu.ZFILL
		}
	}

	ate := &mmu.ATE{
		Lock:     volock.New("test-ate"),
		NPages:   nPages,
		CPages:   nPages,
		PageSize: testPageSize,
		Flags:    flags,
		Data:     data,
		File:     int(f.Fd()),
	}
	cleanup := func() {
		unix.Munmap(data)
		f.Close()
		os.Remove(f.Name())
	}
	return ate, cleanup
}

func TestSwapOutThenSwapInRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ate, cleanup := newTestATE(t, 4, false)
	defer cleanup()
	tok := volock.NewToken()
	ate.Lock.Lock(tok)
	defer ate.Lock.Unlock(tok)

	// Mark every page resident-clean to begin with (as malloc's
	// resident-default mode would), then dirty page 1 by hand.
	for i := range ate.Flags {
		ate.Flags[i] &^= mmu.RSDNT | mmu.CHRGD
	}
	ate.LPages, ate.CPages = 4, 4

	pattern := byte(0xAB)
	for i := range ate.Data[testPageSize : 2*testPageSize] {
		ate.Data[testPageSize+i] = pattern
	}
	ate.Flags[1] |= mmu.DIRTY
	ate.DPages = 1

	nwritten, err := e.SwapOut(ate, 0, 4)
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if nwritten != 1 {
		t.Fatalf("SwapOut wrote %d pages, want 1", nwritten)
	}
	if ate.DPages != 0 || ate.LPages != 0 || ate.CPages != 0 {
		t.Fatalf("ATE counters after SwapOut = %+v, want all zero", ate)
	}
	for i, f := range ate.Flags {
		if f&mmu.RSDNT == 0 {
			t.Fatalf("page %d still resident after SwapOut", i)
		}
	}

	nread, err := e.SwapIn(ate, 0, 4)
	if err != nil {
		t.Fatalf("SwapIn: %v", err)
	}
	if nread != 1 {
		t.Fatalf("SwapIn read %d pages, want 1 (only page 1 was ZFILL)", nread)
	}
	if ate.LPages != 4 || ate.CPages != 4 {
		t.Fatalf("ATE counters after SwapIn = %+v, want LPages=CPages=4", ate)
	}
	for i := range ate.Data[testPageSize : 2*testPageSize] {
		if ate.Data[testPageSize+i] != pattern {
			t.Fatalf("SwapIn did not restore dirty page contents at byte %d", i)
		}
	}
}

func TestSwapClearCancelsDirty(t *testing.T) {
	e := newTestEngine(t)
	ate, cleanup := newTestATE(t, 2, false)
	defer cleanup()
	tok := volock.NewToken()
	ate.Lock.Lock(tok)
	defer ate.Lock.Unlock(tok)

	for i := range ate.Flags {
		ate.Flags[i] &^= mmu.RSDNT | mmu.CHRGD
	}
	ate.LPages, ate.CPages = 2, 2
	ate.Flags[0] |= mmu.DIRTY
	ate.DPages = 1

	if err := e.SwapClear(ate, 0, 2); err != nil {
		t.Fatalf("SwapClear: %v", err)
	}
	if ate.DPages != 0 {
		t.Fatalf("DPages after SwapClear = %d, want 0", ate.DPages)
	}
	for i, f := range ate.Flags {
		if f&(mmu.DIRTY|mmu.ZFILL) != 0 {
			t.Fatalf("page %d still has DIRTY/ZFILL after SwapClear", i)
		}
	}

	nwritten, err := e.SwapOut(ate, 0, 2)
	if err != nil {
		t.Fatalf("SwapOut: %v", err)
	}
	if nwritten != 0 {
		t.Fatalf("SwapOut wrote %d pages after SwapClear, want 0 (no dirty pages)", nwritten)
	}
}

func TestLazyReadLoadsOnlyFaultingPage(t *testing.T) {
	e := newTestEngine(t)
	ate, cleanup := newTestATE(t, 4, true)
	defer cleanup()
	tok := volock.NewToken()
	ate.Lock.Lock(tok)
	defer ate.Lock.Unlock(tok)

	nread, err := e.SwapIn(ate, 2, 1)
	if err != nil {
		t.Fatalf("SwapIn: %v", err)
	}
	if nread != 1 {
		t.Fatalf("SwapIn(beg=2,num=1) read %d pages, want 1", nread)
	}
	if ate.LPages != 1 {
		t.Fatalf("LPages = %d, want 1", ate.LPages)
	}
	for i, f := range ate.Flags {
		resident := f&mmu.RSDNT == 0
		if i == 2 && !resident {
			t.Fatalf("page 2 should be resident after targeted SwapIn")
		}
		if i != 2 && resident {
			t.Fatalf("page %d should remain not-resident after targeted SwapIn", i)
		}
	}
}
