// Package fileio implements the positional read/write primitives every
// backing-file access in SBMA goes through: read_at and write_at must
// transfer exactly the requested number of bytes, retrying on short
// transfers and on EINTR, and reporting any other failure as an
// sbmaerr.IoError.
package fileio

import (
	"github.com/jiverson002/sbma-sub000/sbmaerr"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReadAt reads exactly len(buf) bytes from fd at offset off, retrying on
// short reads and EINTR. A read that reaches EOF before buf is full is
// reported as an IoError rather than silently returning a short slice,
// since every caller in vmm computes its transfer length from the ATE's
// own page accounting and never expects EOF mid-page.
func ReadAt(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return sbmaerr.IoError(err, "pread(fd=%d, off=%d, len=%d)", fd, off, len(buf))
		}
		if n == 0 {
			return sbmaerr.IoError(errors.New("short read"), "pread(fd=%d, off=%d) reached EOF with %d bytes remaining", fd, off, len(buf))
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

// WriteAt writes exactly len(buf) bytes to fd at offset off, retrying on
// short writes and EINTR.
func WriteAt(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, off)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return sbmaerr.IoError(err, "pwrite(fd=%d, off=%d, len=%d)", fd, off, len(buf))
		}
		if n == 0 {
			return sbmaerr.IoError(errors.New("short write"), "pwrite(fd=%d, off=%d) wrote 0 bytes with %d remaining", fd, off, len(buf))
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}
