// Command libsbma builds, via "go build -buildmode=c-shared", a shared
// object exporting the classic libc allocator entry point names so it can
// be LD_PRELOAD'd exactly as the original C library was — the Go-native
// rendition of §6's interposition contract. cgo export comments only take
// effect in package main, so these wrappers live here rather than inside
// package sbma itself; ordinary Go callers use package sbma's functions
// directly and never link this command.
package main

// #include <stddef.h>
import "C"

import (
	"unsafe"

	"github.com/jiverson002/sbma-sub000/sbma"
	"github.com/jiverson002/sbma-sub000/vmm"
)

//export malloc
func malloc(size C.size_t) unsafe.Pointer {
	ptr, err := sbma.Malloc(uintptr(size))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(ptr)
}

//export free
func free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	_ = sbma.Free(uintptr(ptr))
}

//export realloc
func realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	if ptr == nil {
		return malloc(size)
	}
	newPtr, err := sbma.Realloc(uintptr(ptr), uintptr(size))
	if err != nil {
		return nil
	}
	return unsafe.Pointer(newPtr)
}

//export calloc
func calloc(nmemb, size C.size_t) unsafe.Pointer {
	total := uintptr(nmemb) * uintptr(size)
	ptr, err := sbma.Malloc(total)
	if err != nil {
		return nil
	}
	// Resident-default allocations already read as zero from a fresh
	// anonymous mapping; evict-default allocations fault in zero-filled
	// pages on first touch, per §3's "kernel-default contents" rule, so
	// no explicit memset is required here.
	return unsafe.Pointer(ptr)
}

// mVmmopts is the one recognized mallopt(3) parameter, per §6.
const mVmmopts = C.int(1)

//export mallopt
func mallopt(param C.int, value C.int) C.int {
	if param != mVmmopts {
		return 0
	}
	if err := sbma.Mallopt(vmm.Options(uint32(value))); err != nil {
		return 0
	}
	return 1
}

// cMallinfo mirrors the classic struct mallinfo field layout so the
// caller's C struct mallinfo assignment lines up positionally.
type cMallinfo struct {
	Arena, Ordblks, Smblks, Hblks, Hblkhd, Usmblks, Fsmblks, Uordblks, Fordblks, Keepcost C.int
}

//export mallinfo
func mallinfo() cMallinfo {
	info, err := sbma.Mallinfo()
	if err != nil {
		return cMallinfo{}
	}
	return cMallinfo{
		Smblks:   C.int(info.Smblks),
		Ordblks:  C.int(info.Ordblks),
		Usmblks:  C.int(info.Usmblks),
		Fsmblks:  C.int(info.Fsmblks),
		Uordblks: C.int(info.Uordblks),
		Fordblks: C.int(info.Fordblks),
		Hblks:    C.int(info.Hblks),
		Hblkhd:   C.int(info.Hblkhd),
		Keepcost: C.int(info.Keepcost),
	}
}

//export mtouch
func mtouch(addr unsafe.Pointer, length C.size_t) C.ssize_t {
	n, err := sbma.Mtouch(uintptr(addr), uintptr(length))
	if err != nil {
		return -1
	}
	return C.ssize_t(n)
}

//export mtouchall
func mtouchall() C.ssize_t {
	n, err := sbma.Mtouchall()
	if err != nil {
		return -1
	}
	return C.ssize_t(n)
}

//export mclear
func mclear(addr unsafe.Pointer, length C.size_t) C.int {
	if err := sbma.Mclear(uintptr(addr), uintptr(length)); err != nil {
		return -1
	}
	return 0
}

//export mclearall
func mclearall() C.int {
	if err := sbma.Mclearall(); err != nil {
		return -1
	}
	return 0
}

//export mevict
func mevict(addr unsafe.Pointer, length C.size_t) C.ssize_t {
	n, err := sbma.Mevict(uintptr(addr), uintptr(length))
	if err != nil {
		return -1
	}
	return C.ssize_t(n)
}

//export mevictall
func mevictall() C.ssize_t {
	n, err := sbma.Mevictall()
	if err != nil {
		return -1
	}
	return C.ssize_t(n)
}

//export mexist
func mexist(addr unsafe.Pointer) C.int {
	if sbma.Mexist(uintptr(addr)) {
		return 1
	}
	return 0
}

func main() {}
