package ipc

import (
	"math"
	"sync/atomic"

	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"golang.org/x/sys/unix"
)

// AdmitPolicy selects which tie-break rule Madmit uses among victims that
// already hold at least as many pages as are needed.
type AdmitPolicy int

const (
	// AdmitResident (the default): among sufficient victims, prefer the
	// one holding the fewest resident (charged) pages.
	AdmitResident AdmitPolicy = iota
	// AdmitDirty: among sufficient victims, prefer the one holding the
	// fewest dirty pages, since dirty pages cost a disk write to evict
	// and clean ones do not.
	AdmitDirty
)

// Signaler sends the real-time SIGIPC signal to a pid. It is an interface
// so tests can substitute a fake without sending real signals.
type Signaler interface {
	SignalPid(pid int) error
}

// unixSignaler sends SIGIPC (SIGRTMIN+0) via kill(2).
type unixSignaler struct{}

// SigIPC is the real-time signal number used for the eviction request, per
// §4.3's SIGIPC handler.
var SigIPC = unix.SIGRTMIN()

func (unixSignaler) SignalPid(pid int) error {
	return unix.Kill(pid, SigIPC)
}

// DefaultSignaler is the Signaler used by Madmit outside of tests.
var DefaultSignaler Signaler = unixSignaler{}

// Madmit implements ipc_madmit: charge value pages against this process,
// evicting other processes' resident pages via SIGIPC until s_mem can
// cover the charge. It is a direct port of
// original_source/src/ipc/madmit.c's loop, confirmed against spec §4.4.
func (r *Region) Madmit(value uint64, policy AdmitPolicy) error {
	if value == 0 {
		return nil
	}

	return r.CriticalSection(func() error {
		sMem := r.SMem()
		for sMem < value {
			victim := -1
			var mxCMem int64
			mxDMem := int64(math.MaxInt64)

			for i := 0; i < r.nprocsI; i++ {
				if i == r.Self {
					continue
				}
				if !r.IsEligible(i) {
					continue
				}
				cMem := r.CMem(i)
				dMem := r.DMem(i)
				need := int64(value - sMem)

				choose := false
				if mxCMem < need && cMem > mxCMem {
					choose = true
				} else if cMem >= need {
					if policy != AdmitDirty && cMem < mxCMem {
						choose = true
					} else if policy == AdmitDirty && dMem < mxDMem {
						choose = true
					}
				}
				if choose {
					victim = i
					mxCMem = cMem
					mxDMem = dMem
				}
			}

			if victim == -1 {
				// No valid candidate; retry in case a stale read
				// resolves itself as other processes make progress.
				sMem = r.SMem()
				continue
			}

			if err := DefaultSignaler.SignalPid(r.PidOf(victim)); err != nil {
				return sbmaerr.IoError(err, "ipc: signal victim pid=%d", r.PidOf(victim))
			}
			if err := r.Done.Wait(); err != nil {
				return sbmaerr.IoError(err, "ipc: wait for done")
			}
			sMem = r.SMem()
		}

		r.chargeLocked(value)
		return nil
	})
}

func (r *Region) chargeLocked(value uint64) {
	subUint64(r.sMemPtr(), value) // s_mem -= value
	atomic.AddInt64(r.cMemPtr(r.Self), int64(value))
}

// subUint64 atomically subtracts value from *addr, expressed as an add of
// value's two's-complement negation since sync/atomic has no AtomicSub.
func subUint64(addr *uint64, value uint64) {
	atomic.AddUint64(addr, ^value+1)
}
