package sbma

import (
	"os"
	"testing"

	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/volock"
	"golang.org/x/sys/unix"
)

const testPageSize = 4096

func newValidateTestATE(t *testing.T, nPages uint64) (*mmu.ATE, func()) {
	t.Helper()
	size := int(nPages) * testPageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	f, err := os.CreateTemp("", "sbma-validate-test-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	flags := make([]mmu.PageFlag, nPages)
	for i := range flags {
		flags[i] = mmu.RSDNT | mmu.CHRGD
	}
	ate := &mmu.ATE{
		Lock:     volock.New("validate-test-ate"),
		NPages:   nPages,
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

func TestValidateATEAcceptsConsistentState(t *testing.T) {
	ate, cleanup := newValidateTestATE(t, 3)
	defer cleanup()

	for i := range ate.Flags {
		ate.Flags[i] &^= mmu.RSDNT | mmu.CHRGD
	}
	ate.LPages, ate.CPages = 3, 3
	ate.Flags[1] |= mmu.DIRTY
	ate.DPages = 1

	if err := validateATE(ate, false); err != nil {
		t.Fatalf("validateATE: %v", err)
	}
}

func TestValidateATERejectsCounterDivergence(t *testing.T) {
	ate, cleanup := newValidateTestATE(t, 2)
	defer cleanup()

	for i := range ate.Flags {
		ate.Flags[i] &^= mmu.RSDNT | mmu.CHRGD
	}
	ate.LPages, ate.CPages = 2, 2
	// Corrupt the tracked counter so it no longer matches the flag vector.
	ate.LPages = 1

	if err := validateATE(ate, false); err == nil {
		t.Fatalf("validateATE accepted diverged LPages counter")
	}
}

func TestValidateATERejectsBrokenInvariant(t *testing.T) {
	ate, cleanup := newValidateTestATE(t, 2)
	defer cleanup()

	// d_pages > l_pages violates 0 <= d <= l <= c <= n.
	ate.DPages = 2
	ate.LPages = 1
	ate.CPages = 2

	if err := validateATE(ate, false); err == nil {
		t.Fatalf("validateATE accepted a state violating d<=l<=c<=n")
	}
}

func TestValidateATEExtraDetectsShadowDivergence(t *testing.T) {
	ate, cleanup := newValidateTestATE(t, 1)
	defer cleanup()

	ate.Flags[0] &^= mmu.RSDNT | mmu.CHRGD
	ate.Flags[0] |= mmu.ZFILL
	ate.LPages, ate.CPages = 1, 1

	// The resident copy now disagrees with what's on disk (the backing
	// file is still all zero).
	ate.Data[0] = 0xFF

	if err := validateATE(ate, true); err == nil {
		t.Fatalf("validateATE(extra=true) missed a corrupted shadow copy")
	}
}
