package fileio

import (
	"os"
	"testing"
)

func TestReadWriteAtRoundTrip(t *testing.T) {
	f, err := os.CreateTemp("", "fileio-test-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	fd := int(f.Fd())
	want := []byte("the quick brown fox jumps over the lazy dog")

	if err := WriteAt(fd, want, 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if err := ReadAt(fd, got, 4096); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if string(got) != string(want) {
		t.Fatalf("ReadAt = %q, want %q", got, want)
	}
}

func TestReadAtPastEOF(t *testing.T) {
	f, err := os.CreateTemp("", "fileio-test-")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	buf := make([]byte, 16)
	if err := ReadAt(int(f.Fd()), buf, 0); err == nil {
		t.Fatalf("ReadAt past EOF: want error, got nil")
	}
}
