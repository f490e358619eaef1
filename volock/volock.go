// Package volock implements the recursive, timed mutex described in
// §5 of the specification: a lock that the same logical owner may
// acquire more than once (the fault handler may re-enter while the owning
// goroutine already holds an ATE lock), with a 10-second timed first
// attempt falling back to an indefinite wait plus an optional diagnostic
// when deadlock-debug mode is enabled.
//
// Go exposes no stable, public goroutine identifier, so unlike the
// pthread_mutex-based original (which keys recursion off the calling
// thread's TID), RecursiveMutex keys recursion off an explicit token that
// the caller owns and threads through its own call chain. A token is
// nothing more than the address of a word the caller allocates once per
// logical owner (typically a per-goroutine or per-call stack-local
// variable) — two calls presenting the same token are the same owner.
package volock

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jiverson002/sbma-sub000/sbmaerr"
)

// acquireTimeout is the first, timed lock attempt described in §5; after
// it elapses the caller falls back to an indefinite wait. The timeout is
// diagnostic only, never semantic: a caller that times out keeps waiting.
const acquireTimeout = 10 * time.Second

// Token identifies a logical lock owner. The zero value is not a valid
// token; callers obtain one via NewToken.
type Token *int64

// NewToken allocates a fresh recursion token for one logical owner.
func NewToken() Token {
	v := int64(0)
	return &v
}

// pollInterval bounds how long a blocked Lock call sleeps between checks
// of the owner word; it only affects diagnostic latency, not correctness.
const pollInterval = 5 * time.Millisecond

// RecursiveMutex is a mutex that may be re-acquired by the same Token
// without deadlocking, and that unlocks only once the outermost holder
// releases it.
type RecursiveMutex struct {
	mu    sync.Mutex // guards owner/depth
	owner Token
	depth int

	// Debug enables the goroutine-dump diagnostic described in §5 when
	// the timed attempt elapses and the caller falls back to an
	// indefinite wait. It is false by default, and no option bit or
	// Mallopt call sets it.
	Debug bool
	// Name is used purely for diagnostics.
	Name string
}

// New returns a ready-to-use RecursiveMutex.
func New(name string) *RecursiveMutex {
	return &RecursiveMutex{Name: name}
}

// Lock acquires m on behalf of tok, blocking if another token currently
// holds it. Recursive acquisition by the same token succeeds immediately
// and increments the hold depth.
func (m *RecursiveMutex) Lock(tok Token) error {
	return m.lock(tok, true)
}

// TryLock behaves like Lock but never blocks; it reports sbmaerr.LockError
// if another token currently holds m.
func (m *RecursiveMutex) TryLock(tok Token) error {
	return m.lock(tok, false)
}

func (m *RecursiveMutex) lock(tok Token, block bool) error {
	deadline := time.Now().Add(acquireTimeout)
	warned := false

	for {
		m.mu.Lock()
		if m.owner == nil || m.owner == tok {
			m.owner = tok
			m.depth++
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		if !block {
			return sbmaerr.LockError(nil, "%s: already held", m.Name)
		}
		if !warned && time.Now().After(deadline) {
			warned = true
			if m.Debug {
				m.dumpDiagnostic()
			}
			// Fall through to an indefinite wait; the timeout above is
			// diagnostic only per §5.
		}
		time.Sleep(pollInterval)
	}
}

func (m *RecursiveMutex) dumpDiagnostic() {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	fmt.Printf("sbma: volock: %s held past %s, waiting indefinitely\n%s\n", m.Name, acquireTimeout, buf[:n])
}

// Unlock releases one level of recursion held by tok. Unlocking a mutex
// not held by tok is a programmer error and panics, matching the
// pthread_mutex_unlock(EPERM) behavior it replaces.
func (m *RecursiveMutex) Unlock(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != tok {
		panic(fmt.Sprintf("sbma: volock: %s: Unlock by non-owner", m.Name))
	}
	m.depth--
	if m.depth == 0 {
		m.owner = nil
	}
}

// Holds reports whether tok currently holds m, at any recursion depth.
func (m *RecursiveMutex) Holds(tok Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == tok
}
