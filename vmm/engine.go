// Package vmm implements the page engine of §4.3: the page-state machine
// driven by access faults, swap_in/swap_out/swap_clear, and the SIGIPC
// eviction handler, built on top of the mmu and ipc packages.
package vmm

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/jiverson002/sbma-sub000/ipc"
	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/jiverson002/sbma-sub000/volock"
	"github.com/pkg/errors"
	"github.com/prometheus/common/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Counters holds the §6 mallinfo()-repurposed fields, each updated
// atomically so concurrent faults/API calls never race on them.
type Counters struct {
	SigRecv      int64 // smblks: SIGIPC received
	SigHonor     int64 // ordblks: SIGIPC honored
	PagesRead    int64 // usmblks: pages read
	PagesWritten int64 // fsmblks: pages written
	ReadFaults   int64 // uordblks: read faults
	WriteFaults  int64 // fordblks: write faults
	SysPages     int64 // hblks: current resident syspages
	SysPagesHWM  int64 // hblkhd: high-water resident syspages
	AllocPages   int64 // keepcost: allocated syspages
}

func (c *Counters) addSysPages(delta int64) {
	n := atomic.AddInt64(&c.SysPages, delta)
	for {
		hwm := atomic.LoadInt64(&c.SysPagesHWM)
		if n <= hwm || atomic.CompareAndSwapInt64(&c.SysPagesHWM, hwm, n) {
			return
		}
	}
}

// Engine is the process-wide page engine: one per call to sbma.Init,
// referenced by every allocation's ATE lookups and by the SIGIPC handler.
type Engine struct {
	Table    *mmu.Table
	Region   *ipc.Region
	Opts     Options
	PageSize uintptr

	Counters Counters
	Log      log.Logger

	// MainToken identifies the application/API-calling goroutine for the
	// MMU and ATE lock hierarchy. FaultToken and SigToken identify the
	// fault-delivery and SIGIPC-handling goroutines respectively — each
	// is its own logical lock owner, the same way each of these would be
	// a distinct kernel thread (and so a distinct TID) in the original.
	MainToken  volock.Token
	FaultToken volock.Token
	SigToken   volock.Token

	sigCh  chan os.Signal
	group  *errgroup.Group
	uffd   *uffd
	closed chan struct{}
}

// New constructs an Engine. Callers must still call Start to install the
// SIGIPC handler and, where the platform supports it, begin servicing uffd
// page-fault events.
func New(table *mmu.Table, region *ipc.Region, opts Options, pageSize uintptr, logger log.Logger) (*Engine, error) {
	if !opts.Valid() {
		return nil, sbmaerr.Invalid("vmm: invalid option word %#x", uint32(opts))
	}
	if logger == nil {
		logger = log.Base()
	}
	if pageSize == 0 || pageSize%uintptr(unix.Getpagesize()) != 0 {
		return nil, sbmaerr.Invalid("vmm: page_size must be a multiple of the kernel page size")
	}
	return &Engine{
		Table:      table,
		Region:     region,
		Opts:       opts,
		PageSize:   pageSize,
		Log:        logger,
		MainToken:  volock.NewToken(),
		FaultToken: volock.NewToken(),
		SigToken:   volock.NewToken(),
		closed:     make(chan struct{}),
	}, nil
}

// Start installs the SIGIPC handler goroutine and, on Linux, the uffd
// fault-servicing goroutine described in §4.3.
func (e *Engine) Start() error {
	e.sigCh = make(chan os.Signal, 8)
	signal.Notify(e.sigCh, ipc.SigIPC)

	e.group = &errgroup.Group{}
	e.group.Go(e.runSigIPCLoop)

	u, err := newUFFD()
	if err != nil {
		// userfaultfd is a Linux-5.x+ feature; its absence is not fatal
		// to correctness of the page-state machine itself (callers
		// that never take a real hardware fault, e.g. tests driving
		// SwapIn/SwapOut directly, still work), only to unattended
		// demand paging.
		e.Log.Warnf("vmm: userfaultfd unavailable, demand paging via direct SwapIn calls only: %v", err)
		return nil
	}
	e.uffd = u
	e.group.Go(func() error { return e.runUFFDLoop(u) })
	return nil
}

// Stop tears down the SIGIPC and uffd goroutines. It does not touch any
// ATE or the IPC region; callers invoke Destroy for that.
func (e *Engine) Stop() error {
	close(e.closed)
	signal.Stop(e.sigCh)
	if e.uffd != nil {
		e.uffd.close()
	}
	if e.group != nil {
		return e.group.Wait()
	}
	return nil
}

// runSigIPCLoop implements §4.3's SIGIPC handler as an ordinary goroutine
// reading from a signal.Notify channel, rather than a true asynchronous
// signal handler — Go delivers process signals to an internal dispatcher
// thread regardless, so this already matches the "one thread per process"
// delivery model of §5 without needing the handler itself to be
// async-signal-safe; only the memory-access fault path (handled via uffd,
// see fault_linux.go) needed a different mechanism than the C original's
// sigaction trampoline.
func (e *Engine) runSigIPCLoop() error {
	for {
		select {
		case <-e.closed:
			return nil
		case <-e.sigCh:
			atomic.AddInt64(&e.Counters.SigRecv, 1)
			if err := e.handleSigIPC(); err != nil {
				e.Log.Errorf("vmm: sigipc handler: %v", err)
			}
		}
	}
}

func (e *Engine) handleSigIPC() error {
	eligible := e.Region.CMem(e.Region.Self) > 0
	if !eligible {
		// Nothing to evict, but the admitter is still blocked on Done.
		return e.Region.Done.Post(1)
	}

	var totalC, totalD uint64
	err := e.Table.Each(e.SigToken, func(ate *mmu.ATE) error {
		if err := ate.Lock.Lock(e.SigToken); err != nil {
			return err
		}
		defer ate.Lock.Unlock(e.SigToken)

		cBefore := ate.CPages
		dBefore := ate.DPages
		if _, err := e.SwapOut(ate, 0, ate.NPages); err != nil {
			return err
		}
		totalC += cBefore - ate.CPages
		totalD += dBefore - ate.DPages
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "vmm: sigipc evict")
	}

	// Credit s_mem/c_mem/d_mem without taking inter_mtx: the admitter that
	// signaled us is blocked in Done.Wait() while still holding inter_mtx
	// (Madmit's admission loop spans that wait), so re-entering
	// CriticalSection here would deadlock against our own signaler. This
	// mirrors the original's __vmm_sigipc, which updates vmm.ipc.smem/pmem
	// directly with no inter_mtx acquisition, relying on the signal/Done
	// handshake rather than the mutex for serialization.
	e.Region.Mevict(totalC, totalD)

	atomic.AddInt64(&e.Counters.SigHonor, 1)
	e.addPagesEvicted(totalC, totalD)
	return e.Region.Done.Post(1)
}

// RegisterRange arms userfaultfd missing+write-protect delivery over
// [addr, addr+length), the demand-paging entry point an allocation's
// range must pass through before any access to it can be trapped. A nil
// uffd (unavailable platform, or the kernel lacked the feature at Start)
// makes this a no-op: callers that never take a real fault, such as
// direct SwapIn/SwapOut-driven tests, still work without it.
func (e *Engine) RegisterRange(addr, length uintptr) error {
	if e.uffd == nil {
		return nil
	}
	return e.uffd.register(addr, length)
}

// UnregisterRange reverses RegisterRange, called once an allocation's
// range is being unmapped.
func (e *Engine) UnregisterRange(addr, length uintptr) error {
	if e.uffd == nil {
		return nil
	}
	return e.uffd.unregister(addr, length)
}

func (e *Engine) addPagesEvicted(c, d uint64) {
	e.Counters.addSysPages(-int64(c))
}
