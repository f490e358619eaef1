// Package sbma is the public API surface of §6: a process-wide singleton
// wiring the mmu, ipc and vmm packages together behind Init/Destroy and the
// allocation-lifecycle/mtouch/mclear/mevict/mallopt/mallinfo operations.
package sbma

import (
	"errors"
	"os"
	"sync"

	"github.com/jiverson002/sbma-sub000/ipc"
	"github.com/jiverson002/sbma-sub000/mmu"
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/jiverson002/sbma-sub000/vmm"
	"github.com/prometheus/common/log"
)

// process holds every piece of the per-process singleton state §9 describes
// as "global mutable IPC state": exactly one per call to Init, torn down by
// Destroy.
type process struct {
	table  *mmu.Table
	region *ipc.Region
	engine *vmm.Engine

	fstem    string
	pageSize uintptr
	metach   bool

	filesMu sync.Mutex
	files   map[*mmu.ATE]*os.File
}

var (
	initMu sync.Mutex
	proc   *process
)

// Init creates or joins the shared IPC region for uniq and starts this
// process's page engine, per §4.4's init algorithm: the first process with
// a given uniq creates the region (O_EXCL); subsequent processes open it.
func Init(fstem, uniq string, pageSize uintptr, nProcs int, maxMem uint64, opts vmm.Options) error {
	initMu.Lock()
	defer initMu.Unlock()
	if proc != nil {
		return sbmaerr.Invalid("sbma: Init called twice without an intervening Destroy")
	}

	table := mmu.New()

	budget := maxMem / uint64(pageSize)
	region, err := ipc.Create(fstem, uniq, nProcs, budget)
	if err != nil {
		if !isExist(err) {
			return err
		}
		region, err = ipc.Open(fstem, uniq, nProcs)
		if err != nil {
			return err
		}
	}

	engine, err := vmm.New(table, region, opts, pageSize, log.Base())
	if err != nil {
		region.Close()
		return err
	}
	if err := engine.Start(); err != nil {
		region.Close()
		return err
	}
	region.SigOn()

	proc = &process{
		table:    table,
		region:   region,
		engine:   engine,
		fstem:    fstem,
		pageSize: pageSize,
		metach:   opts.Has(vmm.METACH),
		files:    make(map[*mmu.ATE]*os.File),
	}
	return nil
}

// Destroy tears down this process's participation in the node's IPC region,
// per §5's "node-lifetime" resource rule: the shared file and semaphores
// outlive any one process and are unlinked only once, by whichever process
// happens to call Destroy last (EEXIST/ENOENT tolerated elsewhere in the
// stack during that race, per §5).
func Destroy() error {
	initMu.Lock()
	defer initMu.Unlock()
	if proc == nil {
		return sbmaerr.Invalid("sbma: Destroy called without a matching Init")
	}
	p := proc
	proc = nil

	p.region.SigOff()
	if err := p.engine.Stop(); err != nil {
		return err
	}
	last := p.region.Release()
	if err := p.region.Close(); err != nil {
		return err
	}
	if last {
		if err := p.region.Unlink(); err != nil {
			return err
		}
	}
	return nil
}

func current() (*process, error) {
	initMu.Lock()
	p := proc
	initMu.Unlock()
	if p == nil {
		return nil, sbmaerr.Invalid("sbma: not initialized, call Init first")
	}
	return p, nil
}

// isExist reports whether err ultimately wraps a file-already-exists
// condition, looking through sbmaerr's wrapping.
func isExist(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if os.IsExist(e) {
			return true
		}
	}
	return false
}

func (p *process) registerFile(ate *mmu.ATE, f *os.File) {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	p.files[ate] = f
}

func (p *process) takeFile(ate *mmu.ATE) *os.File {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	f := p.files[ate]
	delete(p.files, ate)
	return f
}

func (p *process) fileFor(ate *mmu.ATE) *os.File {
	p.filesMu.Lock()
	defer p.filesMu.Unlock()
	return p.files[ate]
}

func translateLookupErr(err error) error {
	if errors.Is(err, mmu.ErrNotFound) {
		return sbmaerr.Invalid("sbma: address does not belong to any live allocation")
	}
	return err
}

func admitPolicy(p *process) ipc.AdmitPolicy {
	if p.engine.Opts.Has(vmm.ADMITD) {
		return ipc.AdmitDirty
	}
	return ipc.AdmitResident
}
