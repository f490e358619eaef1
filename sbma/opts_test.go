package sbma

import (
	"strings"
	"testing"

	"github.com/jiverson002/sbma-sub000/vmm"
)

func TestParseOptStringDefault(t *testing.T) {
	opts, err := ParseOptString("default")
	if err != nil {
		t.Fatalf("ParseOptString(default): %v", err)
	}
	if !opts.Has(vmm.LZYRD) || !opts.Has(vmm.MERGE) {
		t.Fatalf("default opts = %#x, want LZYRD|MERGE set", uint32(opts))
	}
}

func TestParseOptStringEmpty(t *testing.T) {
	opts, err := ParseOptString("")
	if err != nil {
		t.Fatalf("ParseOptString(\"\"): %v", err)
	}
	if opts != 0 {
		t.Fatalf("ParseOptString(\"\") = %#x, want 0", uint32(opts))
	}
}

func TestParseOptStringCombination(t *testing.T) {
	opts, err := ParseOptString("rsdnt,admitd,metach,mlock")
	if err != nil {
		t.Fatalf("ParseOptString: %v", err)
	}
	want := vmm.RSDNT | vmm.ADMITD | vmm.METACH | vmm.MLOCK
	if opts != want {
		t.Fatalf("opts = %#x, want %#x", uint32(opts), uint32(want))
	}
}

func TestParseOptStringRejectsDuplicateToggle(t *testing.T) {
	_, err := ParseOptString("evict,rsdnt")
	if err == nil {
		t.Fatalf("ParseOptString(evict,rsdnt) succeeded, want error for toggle set twice")
	}
}

func TestParseOptStringRejectsDuplicateSpelling(t *testing.T) {
	_, err := ParseOptString("rsdnt,rsdnt")
	if err == nil {
		t.Fatalf("ParseOptString(rsdnt,rsdnt) succeeded, want error")
	}
}

func TestParseOptStringRejectsUnknownToken(t *testing.T) {
	_, err := ParseOptString("bogus")
	if err == nil {
		t.Fatalf("ParseOptString(bogus) succeeded, want error")
	}
}

func TestParseOptStringRejectsOverlong(t *testing.T) {
	long := strings.Repeat("a", maxOptStringLen+1)
	_, err := ParseOptString(long)
	if err == nil {
		t.Fatalf("ParseOptString(overlong) succeeded, want error")
	}
}

func TestParseOptStringSingleToggleHonored(t *testing.T) {
	// noghost/ghost share one toggle slot; since each spelling can only be
	// used once, the grammar has no legal way to both set and clear GHOST
	// in the same string. Verify that the single use is honored.
	opts, err := ParseOptString("ghost")
	if err != nil {
		t.Fatalf("ParseOptString(ghost): %v", err)
	}
	if !opts.Has(vmm.GHOST) {
		t.Fatalf("opts = %#x, want GHOST set", uint32(opts))
	}
}
