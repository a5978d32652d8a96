// Package simhost is a userspace stand-in for the enclave platform layer,
// used by tests that want a real Host instead of a mock: it backs
// "enclave" address space with one genuine anonymous mmap region and turns
// EACCEPT/EACCEPTCOPY/EMODPE/alloc-ocall/modify-ocall into real mprotect
// calls on it via golang.org/x/sys/unix, so the same
// EmaMap/Emalloc code that drives real hardware can be exercised against
// live memory in CI.
package simhost

import (
	"sync"

	"golang.org/x/sys/unix"

	"emm/internal/defs"
	"emm/internal/mem"
)

// Host is a real-memory simulation of the enclave platform layer. The
// zero value is not valid; use New.
type Host struct {
	mu       sync.Mutex
	base     mem.Addr
	size     uint64
	reserved map[mem.Addr]uint64 // addr -> size, ranges currently mmap'd
	highWater mem.Addr
}

// New creates a simulated host whose entire address range [base,
// base+size) is backed by one real anonymous PROT_NONE mapping up
// front, mirroring the enclave's fixed linear address range: individual
// AllocOcall/ModifyOcall calls then mprotect sub-ranges of it rather than
// mapping/unmapping pieces independently, since real enclave ranges
// can't be handed back to the OS mid-lifetime either.
func New(base mem.Addr, size uint64) (*Host, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	// base is advisory only: Go's mmap wrapper has no portable fixed-address
	// hint, so the kernel picks the actual range and callers read it back
	// via Base().
	addr := mem.Addr(uintptrOf(b))
	return &Host{
		base:      addr,
		size:      size,
		reserved:  make(map[mem.Addr]uint64),
		highWater: addr,
	}, nil
}

// Base returns the address the simulated enclave range actually starts
// at (chosen by the kernel, since unix.Mmap takes no address hint).
func (h *Host) Base() mem.Addr {
	return h.base
}

func protBits(p mem.Prot) int {
	prot := unix.PROT_NONE
	if p&mem.ProtR != 0 {
		prot |= unix.PROT_READ
	}
	if p&mem.ProtW != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&mem.ProtX != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (h *Host) rangeOK(addr mem.Addr, size uint64) bool {
	return addr >= h.base && uint64(addr-h.base)+size <= h.size
}

/// DoEaccept simulates acceptance of a single page: mprotect it to the
/// sec-info's protection bits, making it readable/writable/executable as
/// requested. Real EACCEPT also validates the page's EPCM entry; the
/// simulation trusts the caller to have already validated the transition.
func (h *Host) DoEaccept(addr mem.Addr, info mem.SecInfo) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.rangeOK(addr, uint64(mem.PGSIZE)) {
		return defs.EACCES
	}
	if err := mprotectPage(addr, info.Prot); err != nil {
		return defs.EFAULT
	}
	return defs.Success
}

/// DoEacceptcopy simulates EACCEPTCOPY by memcpy-ing src's page content
/// into addr's page after mprotecting addr writable, then restoring the
/// requested protection.
func (h *Host) DoEacceptcopy(addr, src mem.Addr, info mem.SecInfo) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.rangeOK(addr, uint64(mem.PGSIZE)) || !h.rangeOK(src, uint64(mem.PGSIZE)) {
		return defs.EACCES
	}
	if err := mprotectPage(addr, mem.ProtRW); err != nil {
		return defs.EFAULT
	}
	copyPage(addr, src)
	if err := mprotectPage(addr, info.Prot); err != nil {
		return defs.EFAULT
	}
	return defs.Success
}

/// DoEmodpe extends addr's page permissions in place via mprotect.
func (h *Host) DoEmodpe(addr mem.Addr, info mem.SecInfo) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.rangeOK(addr, uint64(mem.PGSIZE)) {
		return defs.EACCES
	}
	if err := mprotectPage(addr, info.Prot); err != nil {
		return defs.EFAULT
	}
	return defs.Success
}

/// AllocOcall simulates sgx_mm_alloc_ocall: record [hint, hint+size) (or
/// the next unused range, if hint is zero) as reserved and mprotect it to
/// PROT_NONE (RESERVE) or the committed-on-demand default, matching the
/// real ocall's split between "reserve address space" and "commit
/// pages".
func (h *Host) AllocOcall(hint mem.Addr, size uint64, flags mem.AllocFlags) (mem.Addr, defs.Err_t) {
	h.mu.Lock()
	defer h.mu.Unlock()

	addr := hint
	if addr == 0 || !flags.IsReserve() && !h.rangeOK(addr, size) {
		addr = h.nextFreeLocked(size)
	}
	if !h.rangeOK(addr, size) {
		return 0, defs.ENOMEM
	}
	h.reserved[addr] = size

	prot := unix.PROT_NONE
	if !flags.IsReserve() {
		prot = protBits(mem.ProtRW)
	}
	if err := unix.Mprotect(sliceOf(addr, size), prot); err != nil {
		return 0, defs.EFAULT
	}
	return addr, defs.Success
}

/// ModifyOcall re-mprotects an already-reserved range to match toSI:
/// regular pages get toSI's protection bits, while TRIM/TCS pages (or
/// anything else non-regular) get PROT_NONE, since only a regular page
/// is ever directly addressable by enclave code. fromSI is unused by
/// this simulation; a real host consults it to validate the transition.
func (h *Host) ModifyOcall(addr mem.Addr, size uint64, fromSI, toSI mem.SecInfo) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.rangeOK(addr, size) {
		return defs.EACCES
	}
	prot := unix.PROT_NONE
	if toSI.Page == mem.PageReg {
		prot = protBits(toSI.Prot)
	}
	if err := unix.Mprotect(sliceOf(addr, size), prot); err != nil {
		return defs.EFAULT
	}
	return defs.Success
}

/// IsWithinEnclave reports whether [addr, addr+size) lies inside this
/// host's simulated enclave range.
func (h *Host) IsWithinEnclave(addr mem.Addr, size uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rangeOK(addr, size)
}

// nextFreeLocked bump-allocates the next unused range: good enough for a
// test double where every AllocOcall with no fixed hint wants fresh,
// never-reused address space.
func (h *Host) nextFreeLocked(size uint64) mem.Addr {
	addr := h.highWater
	h.highWater += mem.Addr(size)
	return addr
}

/// Close releases the simulated enclave range's backing mapping.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return unix.Munmap(sliceOf(h.base, h.size))
}
