package mmu

import (
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/jiverson002/sbma-sub000/volock"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Lookup when no live ATE covers the queried
// address. It is distinct from the *sbmaerr.Error LockError a caller may
// also observe, per §4.2.
var ErrNotFound = errors.New("mmu: no allocation covers address")

// Table is the process-wide allocation table: a head-insertion,
// linearly-scanned doubly-linked list of ATEs, ordered by insertion as
// specified in §3 ("MMU: ordered by insertion (head-insertion; iteration
// is O(entries))").
type Table struct {
	lock *volock.RecursiveMutex
	head *ATE
}

// New returns an empty allocation table.
func New() *Table {
	return &Table{lock: volock.New("mmu")}
}

// Insert head-inserts ate under the MMU lock.
func (t *Table) Insert(tok volock.Token, ate *ATE) error {
	if err := t.lock.Lock(tok); err != nil {
		return sbmaerr.LockError(err, "mmu: insert")
	}
	defer t.lock.Unlock(tok)

	ate.prev = nil
	ate.next = t.head
	if t.head != nil {
		t.head.prev = ate
	}
	t.head = ate
	return nil
}

// Invalidate unlinks ate under the MMU lock.
func (t *Table) Invalidate(tok volock.Token, ate *ATE) error {
	if err := t.lock.Lock(tok); err != nil {
		return sbmaerr.LockError(err, "mmu: invalidate")
	}
	defer t.lock.Unlock(tok)

	if ate.prev != nil {
		ate.prev.next = ate.next
	} else if t.head == ate {
		t.head = ate.next
	}
	if ate.next != nil {
		ate.next.prev = ate.prev
	}
	ate.prev, ate.next = nil, nil
	return nil
}

// Lookup acquires the MMU lock, linearly scans for the ATE whose
// [base, base+n*page_size) range contains addr and, if found, acquires the
// ATE's own lock with atok before releasing the MMU lock — so the caller
// either observes a locked ATE or ErrNotFound, never a handle to an ATE
// that a concurrent Invalidate could free out from under it. mtok
// identifies the caller for the MMU lock itself; atok identifies the
// caller for the returned ATE's lock (typically the same token).
func (t *Table) Lookup(mtok, atok volock.Token, addr uintptr) (*ATE, error) {
	if err := t.lock.Lock(mtok); err != nil {
		return nil, sbmaerr.LockError(err, "mmu: lookup")
	}
	defer t.lock.Unlock(mtok)

	for a := t.head; a != nil; a = a.next {
		if a.Contains(addr) {
			if err := a.Lock.Lock(atok); err != nil {
				return nil, sbmaerr.LockError(err, "mmu: lookup: ate lock")
			}
			return a, nil
		}
	}
	return nil, ErrNotFound
}

// Each calls fn for every live ATE, in head-to-tail order, under the MMU
// lock only (not under each ATE's own lock) — used by callers such as
// mtouchall/mclearall/mevictall and the SIGIPC handler that must lock each
// ATE themselves in turn.
func (t *Table) Each(tok volock.Token, fn func(*ATE) error) error {
	if err := t.lock.Lock(tok); err != nil {
		return sbmaerr.LockError(err, "mmu: each")
	}
	defer t.lock.Unlock(tok)

	for a := t.head; a != nil; a = a.next {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}
