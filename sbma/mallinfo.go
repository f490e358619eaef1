package sbma

import "sync/atomic"

// Mallinfo is the Go rendition of mallinfo()'s repurposed counters, per
// §6: each classic struct field is reassigned to an SBMA-specific meaning
// rather than the small-object allocator statistic it usually reports.
type Mallinfo struct {
	Smblks   int64 // SIGIPC received
	Ordblks  int64 // SIGIPC honored
	Usmblks  int64 // pages read from backing files
	Fsmblks  int64 // pages written to backing files
	Uordblks int64 // read faults
	Fordblks int64 // write faults
	Hblks    int64 // current resident syspages
	Hblkhd   int64 // high-water resident syspages
	Keepcost int64 // allocated syspages
}

// Mallinfo reports a snapshot of this process's counters.
func Mallinfo() (Mallinfo, error) {
	p, err := current()
	if err != nil {
		return Mallinfo{}, err
	}
	c := &p.engine.Counters
	return Mallinfo{
		Smblks:   atomic.LoadInt64(&c.SigRecv),
		Ordblks:  atomic.LoadInt64(&c.SigHonor),
		Usmblks:  atomic.LoadInt64(&c.PagesRead),
		Fsmblks:  atomic.LoadInt64(&c.PagesWritten),
		Uordblks: atomic.LoadInt64(&c.ReadFaults),
		Fordblks: atomic.LoadInt64(&c.WriteFaults),
		Hblks:    atomic.LoadInt64(&c.SysPages),
		Hblkhd:   atomic.LoadInt64(&c.SysPagesHWM),
		Keepcost: atomic.LoadInt64(&c.AllocPages),
	}, nil
}
