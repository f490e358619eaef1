package sbma

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jiverson002/sbma-sub000/vmm"
)

// admissionHelperEnv gates the re-exec'd child process TestTwoProcessAdmissionEvictsViaSigipc
// spawns to exercise a real cross-process SIGIPC eviction. Go has no
// portable way to give this test two independent OS processes sharing one
// IPC region other than re-executing its own test binary under a flag —
// the same TestMain-based technique the standard library's own os/exec
// tests use to spawn a cooperating child process.
const admissionHelperEnv = "SBMA_ADMISSION_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(admissionHelperEnv) == "1" {
		os.Exit(runAdmissionHelper())
	}
	os.Exit(m.Run())
}

// runAdmissionHelper is the child half of
// TestTwoProcessAdmissionEvictsViaSigipc: it joins the shared region with
// a resident-default allocation that charges its pages immediately,
// reports readiness on stdout, then blocks until the parent tells it to
// exit over stdin — staying alive and SIGIPC-eligible for as long as the
// parent's admission test needs a victim.
func runAdmissionHelper() int {
	fstem := os.Getenv("SBMA_TEST_FSTEM")
	uniq := os.Getenv("SBMA_TEST_UNIQ")
	var pages uint64
	fmt.Sscanf(os.Getenv("SBMA_TEST_PAGES"), "%d", &pages)

	if err := Init(fstem, uniq, testPageSize, 2, 4*testPageSize, vmm.RSDNT); err != nil {
		fmt.Fprintf(os.Stderr, "helper: Init: %v\n", err)
		return 1
	}
	defer Destroy()

	if _, err := Malloc(uintptr(pages) * testPageSize); err != nil {
		fmt.Fprintf(os.Stderr, "helper: Malloc: %v\n", err)
		return 1
	}

	fmt.Println("ready")
	bufio.NewReader(os.Stdin).ReadString('\n')
	return 0
}

// TestTwoProcessAdmissionEvictsViaSigipc covers spec §8's two-process
// admission scenario: a second process's Madmit must signal the first
// over SIGIPC and wait for it to evict before proceeding. Before the
// inter_mtx re-entry fix in the SIGIPC handler, this deadlocked every
// time an admission actually needed a victim.
func TestTwoProcessAdmissionEvictsViaSigipc(t *testing.T) {
	dir := t.TempDir()
	fstem := dir + "/"
	uniq := fmt.Sprintf("sbma-admit-test-%d-%d", os.Getpid(), atomic.AddInt64(&uniqCounter, 1))

	child := exec.Command(os.Args[0])
	child.Env = append(os.Environ(),
		admissionHelperEnv+"=1",
		"SBMA_TEST_FSTEM="+fstem,
		"SBMA_TEST_UNIQ="+uniq,
		"SBMA_TEST_PAGES=3",
	)
	stdin, err := child.StdinPipe()
	if err != nil {
		t.Fatalf("StdinPipe: %v", err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	child.Stderr = os.Stderr

	if err := child.Start(); err != nil {
		t.Fatalf("start helper process: %v", err)
	}
	defer func() {
		fmt.Fprintln(stdin, "done")
		stdin.Close()
		child.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() || scanner.Text() != "ready" {
		t.Fatalf("helper did not report ready (got %q, err %v)", scanner.Text(), scanner.Err())
	}

	if err := Init(fstem, uniq, testPageSize, 2, 4*testPageSize, vmm.RSDNT); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Destroy()

	// The shared 4-page budget has 3 pages charged to the helper; this
	// Malloc needs 2 more than the 1 page left free, so Madmit must
	// signal the helper and wait for its SIGIPC handler to evict before
	// admitting.
	type result struct {
		base uintptr
		err  error
	}
	done := make(chan result, 1)
	go func() {
		base, err := Malloc(2 * testPageSize)
		done <- result{base, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Malloc: %v", r.err)
		}
		if err := Free(r.base); err != nil {
			t.Fatalf("Free: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Malloc did not return within 10s: admission/SIGIPC deadlocked")
	}
}
