// Package emm is the public entry point of the enclave memory manager:
// a thin wrapper around internal/emamap.Manager that acquires the
// single process-wide lock across every call, so the wrapper locks
// rather than requiring every method on the inner Manager to do so
// itself.
package emm

import (
	"emm/internal/defs"
	"emm/internal/emamap"
	"emm/internal/mem"
	"emm/internal/platform"
)

// Ema is the public descriptor handle returned by allocation and lookup
// operations.
type Ema = emamap.Ema

// FaultHandler is the optional page-fault callback attached to an EMA.
type FaultHandler = emamap.FaultHandler

// Manager is the top-level handle for one enclave address space.
type Manager struct {
	m *emamap.Manager
}

/// NewManager constructs a Manager over the user address range
/// [userBase, userEnd), backed by host for every platform primitive
/// (EACCEPT family, alloc/modify OCALLs, enclave-membership test).
func NewManager(userBase, userEnd uint64, host platform.Host) (*Manager, defs.Err_t) {
	inner, err := emamap.NewManager(mem.Addr(userBase), mem.Addr(userEnd), host)
	if err != defs.Success {
		return nil, err
	}
	return &Manager{m: inner}, defs.Success
}

func (mgr *Manager) locked(f func() defs.Err_t) defs.Err_t {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return f()
}

/// Alloc places and optionally eagerly commits a new region of size
/// bytes at hint (or anywhere satisfying align, if hint is unused),
/// returning its descriptor.
func (mgr *Manager) Alloc(isUser bool, hint uint64, size uint64, align uint64, flags mem.AllocFlags, si mem.SecInfo, handler FaultHandler, priv any) (*Ema, defs.Err_t) {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.DoAlloc(isUser, mem.Addr(hint), size, align, flags, si, handler, priv)
}

/// Commit accepts every not-yet-accepted page in [start, end).
func (mgr *Manager) Commit(isUser bool, start, end uint64) defs.Err_t {
	var result defs.Err_t
	mgr.locked(func() defs.Err_t {
		first, limit, ok := mgr.m.SearchRange(isUser, mem.Addr(start), mem.Addr(end))
		if !ok {
			result = defs.EINVAL
			return result
		}
		result = mgr.m.DoCommit(first, limit, mem.Addr(start), mem.Addr(end))
		return result
	})
	return result
}

/// Uncommit retypes every committed page in [start, end) to TRIM and
/// clears their acceptance bits.
func (mgr *Manager) Uncommit(isUser bool, start, end uint64) defs.Err_t {
	var result defs.Err_t
	mgr.locked(func() defs.Err_t {
		first, limit, ok := mgr.m.SearchRange(isUser, mem.Addr(start), mem.Addr(end))
		if !ok {
			result = defs.EINVAL
			return result
		}
		result = mgr.m.DoUncommit(first, limit, mem.Addr(start), mem.Addr(end))
		return result
	})
	return result
}

/// Dealloc tears down [start, end) entirely, freeing its descriptors.
func (mgr *Manager) Dealloc(isUser bool, start, end uint64) defs.Err_t {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.DoDealloc(isUser, mem.Addr(start), mem.Addr(end))
}

/// ModifyPermissions changes protection over [start, end) to newProt.
func (mgr *Manager) ModifyPermissions(isUser bool, start, end uint64, newProt mem.Prot) defs.Err_t {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.ModifyPermissions(isUser, mem.Addr(start), mem.Addr(end), newProt)
}

/// ChangeToTCS retypes the single page at addr from REG|RW to TCS.
func (mgr *Manager) ChangeToTCS(isUser bool, addr uint64) defs.Err_t {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.ChangeToTCS(isUser, mem.Addr(addr))
}

/// CommitData accepts [start, end) page by page, copying from src via
/// EACCEPTCOPY, then applies prot.
func (mgr *Manager) CommitData(isUser bool, start, end, src uint64, prot mem.Prot) defs.Err_t {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.CommitData(isUser, mem.Addr(start), mem.Addr(end), mem.Addr(src), prot)
}

/// ReallocFromReserveRange converts [start, end) out of a contiguous
/// RESERVE chain into one freshly described region.
func (mgr *Manager) ReallocFromReserveRange(isUser bool, start, end uint64, newFlags mem.AllocFlags, newSI mem.SecInfo, handler FaultHandler, priv any) (*Ema, defs.Err_t) {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.ReallocFromReserveRange(isUser, mem.Addr(start), mem.Addr(end), newFlags, newSI, handler, priv)
}

/// Lookup returns the EMA containing addr, or nil.
func (mgr *Manager) Lookup(addr uint64) *Ema {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.Search(mem.Addr(addr))
}

/// DebugString renders both roots for diagnostics.
func (mgr *Manager) DebugString() string {
	mgr.m.Lock_pmap()
	defer mgr.m.Unlock_pmap()
	return mgr.m.DebugString()
}
