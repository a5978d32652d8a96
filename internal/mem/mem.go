// Package mem holds the page-granular constants and sec-info bit fields
// shared by every EMM component: page size/shift, the page-aligned address
// type, and the protection/page-type/state/alloc-flag bits that appear in
// EMA descriptors and EACCEPT sec-info structures.
package mem

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Addr = (1 << PGSHIFT) - 1

/// PGMASK masks the page-aligned part of an address.
const PGMASK Addr = ^PGOFFSET

/// Addr is a page-aligned virtual address or length within an enclave
/// address space.
type Addr uint64

/// Aligned reports whether a is a multiple of the page size.
func (a Addr) Aligned() bool {
	return a&PGOFFSET == 0
}

/// Pages returns a's length in whole pages; a must be page-aligned.
func (a Addr) Pages() uint64 {
	return uint64(a) >> PGSHIFT
}

// Protection bits. Exactly one of NONE, R, RW, RX, or RWX (R|W|X
// combined) must be set in an EMA's si_flags.
const (
	ProtNone Prot = 0
	ProtR    Prot = 1 << 0
	ProtW    Prot = 1 << 1
	ProtX    Prot = 1 << 2

	ProtRW  = ProtR | ProtW
	ProtRX  = ProtR | ProtX
	ProtRWX = ProtR | ProtW | ProtX

	ProtMask = ProtR | ProtW | ProtX
)

/// Prot is an architectural protection bitset (R/W/X).
type Prot uint64

/// String renders p as an "rwx"-style triple, "-" for unset bits.
func (p Prot) String() string {
	out := [3]byte{'-', '-', '-'}
	if p&ProtR != 0 {
		out[0] = 'r'
	}
	if p&ProtW != 0 {
		out[1] = 'w'
	}
	if p&ProtX != 0 {
		out[2] = 'x'
	}
	return string(out[:])
}

// Page-type bits. Exactly one must be set: REG (regular), TCS (thread
// control structure), or TRIM (in-flight removal).
const (
	PageTCS  PageType = 0x1 << 8
	PageReg  PageType = 0x2 << 8
	PageTrim PageType = 0x4 << 8

	PageTypeMask = PageReg | PageTCS | PageTrim
)

/// PageType identifies the EPC page type an EMA or sec-info refers to.
type PageType uint64

// Sec-info state bits: the in-flight transition an EACCEPT acknowledges.
const (
	StatePending  State = 0x8
	StateModified State = 0x10
	StatePR       State = 0x20
)

/// State is a sec-info state bitset (PENDING/MODIFIED/PR).
type State uint64

/// SecInfo is the sec-info payload passed to the platform's EACCEPT-family
/// primitives: protection, page type, and in-flight state bits OR'd
/// together, matching the first 8 bytes of the architectural sec-info
/// structure.
type SecInfo struct {
	Prot  Prot
	Page  PageType
	State State
}

/// Bits packs the sec-info fields into the single word the platform
/// primitives expect.
func (si SecInfo) Bits() uint64 {
	return uint64(si.Prot) | uint64(si.Page) | uint64(si.State)
}

// Alloc flags. RESERVE and the two COMMIT_* flags are mutually exclusive;
// SYSTEM/GROWSDOWN/GROWSUP/FIXED are independent modifiers.
const (
	Reserve        AllocFlags = 1 << 0
	CommitNow      AllocFlags = 1 << 1
	CommitOnDemand AllocFlags = 1 << 2
	System         AllocFlags = 1 << 3
	GrowsDown      AllocFlags = 1 << 4
	GrowsUp        AllocFlags = 1 << 5
	Fixed          AllocFlags = 1 << 6

	AllocFlagsMask = Reserve | CommitNow | CommitOnDemand | System |
		GrowsDown | GrowsUp | Fixed
)

/// AllocFlags is the bitset over an EMA's allocation-time behavior.
type AllocFlags uint32

/// IsReserve reports whether f has the RESERVE bit set.
func (f AllocFlags) IsReserve() bool {
	return f&Reserve != 0
}

/// IsCommitOnDemand reports whether f has COMMIT_ON_DEMAND set.
func (f AllocFlags) IsCommitOnDemand() bool {
	return f&CommitOnDemand != 0
}
