package ipc

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Sem is a futex-based semaphore living inside the IPC shared-memory
// region. POSIX named semaphores (sem_open/sem_wait/sem_post) are a glibc
// library construct with no corresponding Linux syscall; the retrieval
// pack's AlephTX shm/seqlock.go file demonstrates the idiomatic Go
// replacement for cross-process synchronization over a mmap'd region —
// raw atomics plus, here, the futex(2) syscall for the blocking wait that
// a seqlock's spin loop doesn't need but a true semaphore does. Every
// named semaphore in §3 (inter_mtx, done, sid, sig) is realized as one
// Sem value addressed inside the single shared mapping, rather than as a
// separate /dev/shm object with its own name and lifetime.
type Sem struct {
	word *int32
}

func semAt(data []byte, offset uintptr) *Sem {
	return &Sem{word: (*int32)(unsafe.Pointer(&data[offset]))}
}

// futexWait blocks while *word == val.
func futexWait(word *int32, val int32) error {
	for {
		_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(word)), uintptr(unix.FUTEX_WAIT), uintptr(val), 0, 0, 0)
		if errno == 0 || errno == unix.EAGAIN {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

func futexWake(word *int32, n int32) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(word)), uintptr(unix.FUTEX_WAKE), uintptr(n), 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Init sets the semaphore's initial count. Only the first process (the one
// creating the shared region) should call Init; subsequent processes just
// open the region and reuse the existing word.
func (s *Sem) Init(count int32) {
	atomic.StoreInt32(s.word, count)
}

// Wait decrements the semaphore, blocking while its count is zero.
func (s *Sem) Wait() error {
	for {
		v := atomic.LoadInt32(s.word)
		if v > 0 {
			if atomic.CompareAndSwapInt32(s.word, v, v-1) {
				return nil
			}
			continue
		}
		if err := futexWait(s.word, v); err != nil {
			return err
		}
	}
}

// Post increments the semaphore and wakes up to n waiters (1 is the usual
// case; inter_mtx and sid are binary so n=1 always suffices there).
func (s *Sem) Post(n int32) error {
	atomic.AddInt32(s.word, 1)
	return futexWake(s.word, n)
}

// Value returns the current count, for diagnostics/tests only.
func (s *Sem) Value() int32 {
	return atomic.LoadInt32(s.word)
}
