package vmm

// Options is the bit-set configured at Init and adjustable via Mallopt,
// per §6's "option word bits".
type Options uint32

const (
	// RSDNT selects residency-default allocation (pages start resident,
	// RSDNT=0, PROT_READ). Clear means evict-default.
	RSDNT Options = 1 << iota
	// LZYRD selects lazy (vs eager) read on first fault.
	LZYRD
	// AGGCH: aggressive charging of all pages on first touch when
	// LZYRD is off. Mutually exclusive with LZYRD.
	AGGCH
	// GHOST: use ghost-remap in swap_in.
	GHOST
	// MERGE: use the merge strategy in realloc.
	MERGE
	// METACH: charge ATE and flag pages too (metadata-charging mode).
	METACH
	// MLOCK: MAP_LOCKED and mlock() the resident range.
	MLOCK
	// CHECK enables runtime invariant checks.
	CHECK
	// EXTRA enables the additional, more expensive invariant checks;
	// requires CHECK.
	EXTRA
	// OSVMM disables SBMA entirely; requires no other bit set.
	OSVMM
	// ADMITD selects the admit-dirty victim policy in Madmit.
	ADMITD
)

// validMask is the union of the constants above. §6's INVLD is not a single
// bit but any bit outside this mask; an option word carrying one is invalid.
const validMask = RSDNT | LZYRD | AGGCH | GHOST | MERGE | METACH | MLOCK | CHECK | EXTRA | OSVMM | ADMITD

// Valid reports whether o contains only recognized bits and satisfies the
// combination rules from §6: osvmm excludes all other bits; extra requires
// check; aggch requires lzyrd to be absent.
func (o Options) Valid() bool {
	if o&^validMask != 0 {
		return false
	}
	if o&OSVMM != 0 && o&^OSVMM != 0 {
		return false
	}
	if o&EXTRA != 0 && o&CHECK == 0 {
		return false
	}
	if o&AGGCH != 0 && o&LZYRD != 0 {
		return false
	}
	return true
}

func (o Options) Has(bit Options) bool { return o&bit != 0 }
