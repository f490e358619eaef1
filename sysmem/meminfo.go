// Package sysmem reads node-wide memory availability from /proc/meminfo,
// for sizing the IPC region's admission budget (the max_mem argument to
// sbma.Init) when a caller wants a sensible default rather than a
// hand-picked constant.
package sysmem

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Info holds the /proc/meminfo fields relevant to budget sizing, all in
// bytes (the file itself reports kB).
type Info struct {
	MemTotalBytes     uint64
	MemFreeBytes      uint64
	MemAvailableBytes uint64
	CachedBytes       uint64
	SwapTotalBytes    uint64
	SwapFreeBytes     uint64
}

func parseMeminfo(r *os.File) (Info, error) {
	var info Info
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		v *= 1024 // every meminfo value is reported in kB

		switch key {
		case "MemTotal":
			info.MemTotalBytes = v
		case "MemFree":
			info.MemFreeBytes = v
		case "MemAvailable":
			info.MemAvailableBytes = v
		case "Cached":
			info.CachedBytes = v
		case "SwapTotal":
			info.SwapTotalBytes = v
		case "SwapFree":
			info.SwapFreeBytes = v
		}
	}
	if err := s.Err(); err != nil {
		return Info{}, errors.Wrap(err, "sysmem: scan /proc/meminfo")
	}
	return info, nil
}

// Read returns the current node memory statistics.
func Read() (Info, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Info{}, errors.Wrap(err, "sysmem: open /proc/meminfo")
	}
	defer f.Close()
	return parseMeminfo(f)
}

// SuggestBudget returns a conservative page-count budget (multiply by
// pageSize to get sbma.Init's max_mem, which is in bytes): a fraction of
// MemAvailable, rounded down to a whole number of pageSize-sized pages,
// leaving headroom for every other process
// on the node. fraction should be in (0, 1]; a caller unsure what to pass
// should use 0.5.
func SuggestBudget(pageSize uintptr, fraction float64) (uint64, error) {
	info, err := Read()
	if err != nil {
		return 0, err
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 0.5
	}
	usable := uint64(float64(info.MemAvailableBytes) * fraction)
	return usable / uint64(pageSize), nil
}
