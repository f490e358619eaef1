package mmu

import (
	"testing"

	"github.com/jiverson002/sbma-sub000/volock"
)

func newTestATE(base uintptr, n uint64) *ATE {
	return &ATE{
		Lock:     volock.New("ate"),
		NPages:   n,
		CPages:   n,
		PageSize: 4096,
		Base:     base,
	}
}

func TestInsertLookupInvalidate(t *testing.T) {
	tab := New()
	tok := volock.NewToken()

	a := newTestATE(0x1000, 4)
	b := newTestATE(0x10000, 2)

	if err := tab.Insert(tok, a); err != nil {
		t.Fatalf("Insert(a): %v", err)
	}
	if err := tab.Insert(tok, b); err != nil {
		t.Fatalf("Insert(b): %v", err)
	}

	got, err := tab.Lookup(tok, tok, 0x10500)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != b {
		t.Fatalf("Lookup returned wrong ATE")
	}
	got.Lock.Unlock(tok)

	if _, err := tab.Lookup(tok, tok, 0xdead); err != ErrNotFound {
		t.Fatalf("Lookup(missing) = %v, want ErrNotFound", err)
	}

	if err := tab.Invalidate(tok, b); err != nil {
		t.Fatalf("Invalidate(b): %v", err)
	}
	if _, err := tab.Lookup(tok, tok, 0x10500); err != ErrNotFound {
		t.Fatalf("Lookup(b) after invalidate = %v, want ErrNotFound", err)
	}

	got, err = tab.Lookup(tok, tok, 0x1500)
	if err != nil {
		t.Fatalf("Lookup(a): %v", err)
	}
	if got != a {
		t.Fatalf("Lookup(a) returned wrong ATE")
	}
	got.Lock.Unlock(tok)
}

func TestEachVisitsAll(t *testing.T) {
	tab := New()
	tok := volock.NewToken()
	a := newTestATE(0x1000, 4)
	b := newTestATE(0x10000, 2)
	tab.Insert(tok, a)
	tab.Insert(tok, b)

	var seen []uintptr
	err := tab.Each(tok, func(ate *ATE) error {
		seen = append(seen, ate.Base)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("Each visited %d entries, want 2", len(seen))
	}
}
