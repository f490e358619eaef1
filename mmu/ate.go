// Package mmu implements the allocation table: the doubly-linked list of
// live allocation-table entries (ATEs) and address-to-ATE lookup described
// in §4.2 of the specification.
package mmu

import (
	"github.com/jiverson002/sbma-sub000/volock"
)

// PageFlag is the per-application-page flag byte described in §3.
type PageFlag uint8

const (
	// RSDNT: 0 = resident (present, protection READ or READ|WRITE),
	// 1 = not resident (protection NONE).
	RSDNT PageFlag = 1 << iota
	// DIRTY: 1 = written since last clear/evict; protection READ|WRITE.
	DIRTY
	// ZFILL: 1 = page has on-disk contents and must be read from the
	// backing file on next fault rather than zero-filled.
	ZFILL
	// CHRGD: 0 = page counts against this process's charged-page
	// budget in the IPC region; 1 = uncharged.
	CHRGD
)

// ATE is an allocation-table entry: the metadata record for one live
// allocation. Unlike the C original, which embeds this struct inside the
// header pages of the allocation's own anonymous mapping so that a single
// mmap call creates both the metadata and the application range, the Go
// rendition keeps the ATE as an ordinary Go-managed struct (see DESIGN.md
// "mmu" entry) — what must live inside real, kernel-backed memory for
// swap_in/swap_out/uffd to mean anything is the application range (Data,
// an anonymous mapping backed by the file at Path). The bookkeeping struct
// and its Flags vector are ordinary Go heap memory.
type ATE struct {
	Lock *volock.RecursiveMutex

	NPages uint64 // n_pages: total application pages
	LPages uint64 // l_pages: pages with RSDNT=0 (loaded)
	CPages uint64 // c_pages: pages with CHRGD=0 (charged)
	DPages uint64 // d_pages: pages with DIRTY=1

	Base     uintptr // virtual address of first application byte
	PageSize uintptr

	Flags []PageFlag // one entry per application page

	// Data is the real mmap'd application-page range; len(Data) ==
	// NPages*PageSize. It is the range whose protection bits and
	// residency swap_in/swap_out/the uffd fault path actually
	// manipulate.
	Data []byte

	// File is the backing-file descriptor, or -1 if none is open.
	File int
	// Path is the backing file's current path (renamed on realloc,
	// unlinked on free).
	Path string

	prev, next *ATE
}

// Invariant reports whether the ATE satisfies the resting invariant from
// §3: 0 <= d_pages <= l_pages <= c_pages <= n_pages. Callers must hold
// ate.Lock.
func (a *ATE) Invariant() bool {
	return a.DPages <= a.LPages && a.LPages <= a.CPages && a.CPages <= a.NPages
}

// Contains reports whether addr falls within [Base, Base+NPages*PageSize).
func (a *ATE) Contains(addr uintptr) bool {
	end := a.Base + uintptr(a.NPages)*a.PageSize
	return addr >= a.Base && addr < end
}

// PageIndex returns the application page index containing addr. Callers
// must have already confirmed Contains(addr).
func (a *ATE) PageIndex(addr uintptr) uint64 {
	return uint64((addr - a.Base) / a.PageSize)
}
