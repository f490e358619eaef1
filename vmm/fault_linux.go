//go:build linux

package vmm

import (
	"sync/atomic"

	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/pkg/errors"
)

// runUFFDLoop is the Go-native rendition of §4.3's SIGSEGV fault handler,
// built on userfaultfd rather than a signal trampoline (see SPEC_FULL.md
// §4.3 and DESIGN.md for why). It is started by Engine.Start and runs for
// the lifetime of the Engine, handling one UFFD_EVENT_PAGEFAULT at a time.
func (e *Engine) runUFFDLoop(u *uffd) error {
	stop := e.closed
	for {
		ready, err := u.poll(stop)
		if err != nil {
			return errors.Wrap(err, "vmm: uffd poll")
		}
		if !ready {
			select {
			case <-stop:
				return nil
			default:
				continue
			}
		}

		msg, err := u.readEvent()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			return errors.Wrap(err, "vmm: uffd read")
		}
		if msg.event != uffdEventPagefault {
			continue
		}
		if err := e.handleFault(uintptr(msg.addr), msg.flags&uffdPagefaultFlagWP != 0); err != nil {
			e.Log.Errorf("vmm: fault handler: %v", err)
		}
	}
}

// handleFault implements §4.3's fault-handler algorithm: locate the ATE,
// compute the faulting page index, and either bring the page in (a
// MISSING fault) or mark it dirty (a WP fault on an already-resident
// page).
func (e *Engine) handleFault(addr uintptr, wasWriteProtected bool) error {
	ate, err := e.Table.Lookup(e.FaultToken, e.FaultToken, addr)
	if err != nil {
		// Per §4.3: "must be found; otherwise the fault is not ours and
		// behavior is undefined." A non-SBMA address should never reach
		// this handler since only SBMA-owned ranges are uffd-registered.
		return errors.Wrapf(err, "vmm: fault at %#x not owned by any ATE", addr)
	}
	defer ate.Lock.Unlock(e.FaultToken)

	ip := ate.PageIndex(addr)

	if !wasWriteProtected && ate.Flags[ip]&mmu.RSDNT != 0 {
		// Not-resident page: a MISSING fault. Lazy mode loads just this
		// page; eager mode (LZYRD unset) loads the whole allocation.
		atomic.AddInt64(&e.Counters.ReadFaults, 1)
		if e.Opts.Has(LZYRD) {
			_, err = e.SwapIn(ate, ip, 1)
		} else {
			_, err = e.SwapIn(ate, 0, ate.NPages)
		}
		return err
	}

	// Resident page, write fault (delivered as a WP fault since clean
	// resident pages are registered write-protected): DIRTY transition.
	atomic.AddInt64(&e.Counters.WriteFaults, 1)
	ate.Flags[ip] |= mmu.DIRTY
	ate.DPages++
	e.Region.Mdirty(1)
	if e.uffd != nil {
		pageSize := uintptr(ate.PageSize)
		base := ate.Base + ip*pageSize
		return e.uffd.writeProtect(base, pageSize, false)
	}
	return nil
}
