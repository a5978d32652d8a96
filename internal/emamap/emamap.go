// Package emamap implements the EMA map: an ordered, address-keyed
// per-root list of enclave memory area descriptors, and every region
// lifecycle operation built on top of it (search, placement, split,
// commit/uncommit, dealloc, repermission, TCS retype, data-backed
// commit, reserve-range realloc). The list is an intrusive doubly-linked
// list with a sentinel node; new nodes are first spliced in as a
// stack-resident placeholder so a reentrant allocator growth mid-insert
// still sees the range as claimed, even though Go's garbage collector
// does not strictly require that precaution. Locking discipline is one
// method-entry lock covering both roots, the allocator, and every
// reachable EMA/BitMap: every exported method on Manager assumes the
// lock is already held, and only Lock_pmap/Unlock_pmap actually touch
// the mutex.
package emamap

import (
	"fmt"
	"strings"
	"sync"

	"emm/internal/bitmap"
	"emm/internal/defs"
	"emm/internal/emalloc"
	"emm/internal/mem"
	"emm/internal/platform"
	"emm/internal/util"
)

// FaultHandler is the page-fault dispatcher's view of an EMA: this
// package only stores the handler/priv pair alongside the descriptor
// and hands it back on lookup, leaving the actual fault dispatch path
// to whatever owns the EMA.
type FaultHandler func(addr mem.Addr, priv any) defs.Err_t

// Ema is one contiguous virtual-address region: the descriptor carrying
// its address range, allocation flags, current protection/page-type/
// state bits, per-page acceptance bitmap, fault handler, and list
// linkage.
type Ema struct {
	start mem.Addr
	size  uint64

	allocFlags mem.AllocFlags
	si         mem.SecInfo

	accept *bitmap.BitMap // nil iff allocFlags.IsReserve()

	handler FaultHandler
	priv    any

	next, prev *Ema
	descAddr   mem.Addr // bootstrap-descriptor token from Emalloc; 0 for sentinels/placeholders
}

/// Start returns the EMA's page-aligned base address.
func (e *Ema) Start() mem.Addr { return e.start }

/// Size returns the EMA's length in bytes.
func (e *Ema) Size() uint64 { return e.size }

/// End returns the EMA's one-past-the-end address.
func (e *Ema) End() mem.Addr { return e.start + mem.Addr(e.size) }

/// AllocFlags returns the EMA's allocation-time flags.
func (e *Ema) AllocFlags() mem.AllocFlags { return e.allocFlags }

/// SecInfo returns the EMA's current protection/page-type/state bits.
func (e *Ema) SecInfo() mem.SecInfo { return e.si }

/// Accepted reports whether page i (0-indexed within the EMA) has been
/// accepted. Always false for a RESERVE EMA.
func (e *Ema) Accepted(i uint64) bool {
	if e.accept == nil {
		return false
	}
	return e.accept.Test(i)
}

func newSentinel() *Ema {
	s := &Ema{}
	s.next, s.prev = s, s
	return s
}

// root is one of the two process-wide EMA lists: the sentinel's own
// next/prev chain holds every live EMA in strictly increasing
// start-address order.
type root struct {
	sentinel *Ema
	isUser   bool // true for the user root, false for the RTS root
}

func newRoot(isUser bool) *root {
	return &root{sentinel: newSentinel(), isUser: isUser}
}

func (r *root) empty() bool {
	return r.sentinel.next == r.sentinel
}

// insert splices node immediately before `before` (which may be the
// sentinel itself, for a push to the back of the list). O(1).
func (r *root) insert(node, before *Ema) {
	node.prev = before.prev
	node.next = before
	before.prev.next = node
	before.prev = node
}

func (r *root) remove(node *Ema) {
	node.prev.next = node.next
	node.next.prev = node.prev
	node.next, node.prev = nil, nil
}

// Manager owns both EMA roots, the bootstrap allocator, and the
// platform host, and gates every operation behind one process-wide
// lock.
type Manager struct {
	mu sync.Mutex

	rts  *root
	user *root

	userBase, userEnd mem.Addr

	alloc *emalloc.Emalloc
	host  platform.Host

	descs map[mem.Addr]*Ema // bootstrap-descriptor addr -> live Ema
}

const initialReserveSize = 0x10000
const guardSize = 0x8000

/// NewManager constructs a Manager over [userBase, userEnd) and wires its
/// bootstrap allocator to host via the GrowReserve protocol. Fails with
/// EINVAL if userEnd <= userBase, and otherwise only if the very first
/// reserve cannot be carved out of host.
func NewManager(userBase, userEnd mem.Addr, host platform.Host) (*Manager, defs.Err_t) {
	if userEnd <= userBase {
		return nil, defs.EINVAL
	}
	m := &Manager{
		rts:      newRoot(false),
		user:     newRoot(true),
		userBase: userBase,
		userEnd:  userEnd,
		host:     host,
		descs:    make(map[mem.Addr]*Ema),
	}
	m.alloc = emalloc.New(m)
	if err := m.alloc.Init(initialReserveSize); err != defs.Success {
		return nil, err
	}
	return m, defs.Success
}

// Lock_pmap acquires the single lock guarding both roots, the
// allocator, and every reachable EMA/BitMap. Every public entry point in
// the root emm package wraps its call into Manager with
// Lock_pmap/Unlock_pmap; the methods on Manager itself assume the lock
// is already held rather than acquiring it themselves.
func (m *Manager) Lock_pmap() {
	m.mu.Lock()
}

// Unlock_pmap releases the lock acquired by Lock_pmap.
func (m *Manager) Unlock_pmap() {
	m.mu.Unlock()
}

// GrowReserve implements emalloc.Grower: reserve increment+2*guardSize
// of address space, carve the inner increment bytes as
// COMMIT_ON_DEMAND|FIXED, eagerly commit the first rsize bytes, and
// record the whole increment as a RESERVE-flavored RTS EMA so the
// region is visible to FindFreeRegion the instant it exists.
func (m *Manager) GrowReserve(increment, rsize uint64) (mem.Addr, []byte, defs.Err_t) {
	full := increment + 2*guardSize
	base, err := m.host.AllocOcall(0, full, mem.Reserve)
	if err != defs.Success {
		return 0, nil, err
	}
	inner := base + guardSize
	if _, err := m.host.AllocOcall(inner, increment, mem.CommitOnDemand|mem.Fixed); err != defs.Success {
		return 0, nil, err
	}

	before, err := m.FindFreeRegionAt(false, inner, increment)
	if err != defs.Success {
		return 0, nil, err
	}
	if _, err := m.newEma(m.rts, before, inner, increment, mem.Reserve, mem.SecInfo{}, nil, nil); err != defs.Success {
		return 0, nil, err
	}

	if rsize > 0 {
		for p := uint64(0); p < rsize; p += uint64(mem.PGSIZE) {
			addr := inner + mem.Addr(p)
			if err := m.host.DoEaccept(addr, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg, State: mem.StatePending}); err != defs.Success {
				return 0, nil, err
			}
		}
	}

	buf := make([]byte, increment)
	return inner, buf, defs.Success
}

func (m *Manager) rootFor(addr mem.Addr, size uint64) *root {
	if m.isWithinUserRange(addr, size) {
		return m.user
	}
	return m.rts
}

func (m *Manager) isWithinUserRange(a mem.Addr, s uint64) bool {
	end := a + mem.Addr(s)
	if end < a {
		return false
	}
	return a >= m.userBase && end <= m.userEnd
}

func (m *Manager) isWithinRTSRange(a mem.Addr, s uint64) bool {
	end := a + mem.Addr(s)
	if end < a {
		return false
	}
	return end <= m.userBase || a >= m.userEnd
}

// Search finds the EMA containing addr, or nil.
func (m *Manager) Search(addr mem.Addr) *Ema {
	r := m.rootFor(addr, 1)
	for n := r.sentinel.next; n != r.sentinel; n = n.next {
		if addr >= n.start && addr < n.End() {
			return n
		}
	}
	return nil
}

// SearchRange returns the first EMA intersecting [start, end) and the
// node one past the last intersecting EMA (the root sentinel if the
// range runs to the end of the list). ok is false if nothing in the
// root intersects the range at all.
func (m *Manager) SearchRange(isUser bool, start, end mem.Addr) (first, limit *Ema, ok bool) {
	r := m.rootStruct(isUser)
	var firstFound *Ema
	for n := r.sentinel.next; n != r.sentinel; n = n.next {
		if n.start >= end {
			return firstFound, n, firstFound != nil
		}
		if n.End() > start {
			if firstFound == nil {
				firstFound = n
			}
		}
	}
	return firstFound, r.sentinel, firstFound != nil
}

func (m *Manager) rootStruct(isUser bool) *root {
	if isUser {
		return m.user
	}
	return m.rts
}

// FindFreeRegion enumerates gaps in address order and returns the
// first one of at least size bytes, aligned up to align, that lies
// within the root's address subspace and is entirely within the
// enclave. The returned node is where the region should be inserted
// before.
func (m *Manager) FindFreeRegion(isUser bool, size uint64, align uint64) (mem.Addr, *Ema, defs.Err_t) {
	r := m.rootStruct(isUser)

	fits := func(addr mem.Addr) bool {
		if isUser {
			return m.isWithinUserRange(addr, size)
		}
		return m.isWithinRTSRange(addr, size)
	}

	try := func(addr mem.Addr) (mem.Addr, bool) {
		addr = mem.Addr(util.Roundup(uint64(addr), align))
		if !fits(addr) {
			return 0, false
		}
		if !m.host.IsWithinEnclave(addr, size) {
			return 0, false
		}
		return addr, true
	}

	if r.empty() {
		if !isUser {
			if addr, ok := try(m.userBase - mem.Addr(size)); ok {
				return addr, r.sentinel, defs.Success
			}
			if addr, ok := try(m.userEnd); ok {
				return addr, r.sentinel, defs.Success
			}
			return 0, nil, defs.ENOMEM
		}
		if addr, ok := try(m.userBase); ok {
			return addr, r.sentinel, defs.Success
		}
		return 0, nil, defs.ENOMEM
	}

	for n := r.sentinel.next; n != r.sentinel; n = n.next {
		var gapStart mem.Addr
		if n.prev == r.sentinel {
			gapStart = 0
		} else {
			gapStart = n.prev.End()
		}
		if addr, ok := try(gapStart); ok && addr+mem.Addr(size) <= n.start {
			return addr, n, defs.Success
		}
	}

	last := r.sentinel.prev
	if addr, ok := try(last.End()); ok {
		return addr, r.sentinel, defs.Success
	}
	first := r.sentinel.next
	if first.start >= mem.Addr(size) {
		if addr, ok := try(first.start - mem.Addr(size)); ok && addr+mem.Addr(size) <= first.start {
			return addr, first, defs.Success
		}
	}
	return 0, nil, defs.ENOMEM
}

// FindFreeRegionAt verifies [addr, addr+size) is entirely free and
// returns the insertion successor.
func (m *Manager) FindFreeRegionAt(isUser bool, addr mem.Addr, size uint64) (*Ema, defs.Err_t) {
	r := m.rootStruct(isUser)
	end := addr + mem.Addr(size)
	for n := r.sentinel.next; n != r.sentinel; n = n.next {
		if n.start >= end {
			return n, defs.Success
		}
		if n.End() > addr {
			return nil, defs.EINVAL
		}
	}
	return r.sentinel, defs.Success
}

func descSize() uint64 { return 64 }

// newEma inserts a stack-resident placeholder ahead of the allocation
// so that any reentrant Emalloc growth sees the range as claimed,
// allocates the real descriptor token, then splices it in place of the
// placeholder. r identifies which root the EMA belongs on; before is
// the already-located insertion successor.
func (m *Manager) newEma(r *root, before *Ema, addr mem.Addr, size uint64, flags mem.AllocFlags, si mem.SecInfo, handler FaultHandler, priv any) (*Ema, defs.Err_t) {
	placeholder := &Ema{start: addr, size: size, allocFlags: flags, si: si}
	r.insert(placeholder, before)

	descAddr, err := m.alloc.Alloc(descSize())
	if err != defs.Success {
		r.remove(placeholder)
		return nil, err
	}

	node := &Ema{
		start:      addr,
		size:       size,
		allocFlags: flags,
		si:         si,
		handler:    handler,
		priv:       priv,
		descAddr:   descAddr,
	}
	if !flags.IsReserve() {
		bm, ok := bitmap.New(size >> mem.PGSHIFT)
		if !ok {
			m.alloc.Free(descAddr)
			r.remove(placeholder)
			return nil, defs.ENOMEM
		}
		node.accept = bm
	}

	node.prev = placeholder.prev
	node.next = placeholder.next
	placeholder.prev.next = node
	placeholder.next.prev = node
	placeholder.next, placeholder.prev = nil, nil

	m.descs[descAddr] = node
	return node, defs.Success
}

func (m *Manager) destroyEma(r *root, e *Ema) {
	r.remove(e)
	delete(m.descs, e.descAddr)
	if e.descAddr != 0 {
		m.alloc.Free(e.descAddr)
	}
}

// Split divides ema at addr (ema.start < addr < ema.End()) into two
// EMAs, splitting its bitmap at the corresponding bit position and
// installing the new descriptor before or after ema depending on
// newIsLow. Returns the newly created node.
func (m *Manager) Split(r *root, e *Ema, addr mem.Addr, newIsLow bool) (*Ema, defs.Err_t) {
	if addr <= e.start || addr >= e.End() {
		return nil, defs.EINVAL
	}
	lowSize := uint64(addr - e.start)
	highSize := e.size - lowSize

	var lowBM, highBM *bitmap.BitMap
	if e.accept != nil {
		lowBM, highBM = e.accept.Split(lowSize >> mem.PGSHIFT)
	}

	if newIsLow {
		descAddr, err := m.alloc.Alloc(descSize())
		if err != defs.Success {
			return nil, err
		}
		low := &Ema{start: e.start, size: lowSize, allocFlags: e.allocFlags, si: e.si, accept: lowBM, handler: e.handler, priv: e.priv, descAddr: descAddr}
		r.insert(low, e)
		e.start = addr
		e.size = highSize
		e.accept = highBM
		m.descs[descAddr] = low
		return low, defs.Success
	}

	descAddr, err := m.alloc.Alloc(descSize())
	if err != defs.Success {
		return nil, err
	}
	high := &Ema{start: addr, size: highSize, allocFlags: e.allocFlags, si: e.si, accept: highBM, handler: e.handler, priv: e.priv, descAddr: descAddr}
	r.insert(high, e.next)
	e.size = lowSize
	e.accept = lowBM
	m.descs[descAddr] = high
	return high, defs.Success
}

// SplitEx isolates the part of first that lies in [start, end) as its
// own EMA, splitting first at start and/or at end (Split up to twice),
// and returns that EMA. Nodes after first are not touched, so when
// [start, end) runs past first.End() the result covers only
// [start, first.End()).
func (m *Manager) SplitEx(r *root, first *Ema, start, end mem.Addr) (*Ema, defs.Err_t) {
	e := first
	if e.start < start {
		newHigh, err := m.Split(r, e, start, false)
		if err != defs.Success {
			return nil, err
		}
		e = newHigh
	}
	if e.End() > end {
		if _, err := m.Split(r, e, end, false); err != defs.Success {
			return nil, err
		}
	}
	return e, defs.Success
}

// ---- Commit / uncommit / dealloc loops ----

func pageRange(e *Ema, start, end mem.Addr) (bs, be uint64) {
	lo := start
	if e.start > lo {
		lo = e.start
	}
	hi := end
	if e.End() < hi {
		hi = e.End()
	}
	if hi <= lo {
		return 0, 0
	}
	return uint64(lo - e.start), uint64(hi - e.start)
}

// canCommit reports whether [first, limit) is eligible for commit:
// every EMA in the chain must be REG, writable, and non-RESERVE, with
// no gaps, and the chain must reach all the way to end.
func canCommit(first, limit *Ema, end mem.Addr) defs.Err_t {
	if first == nil {
		return defs.EINVAL
	}
	prevEnd := first.start
	covered := false
	for n := first; n != limit; n = n.next {
		if n.start != prevEnd && prevEnd != first.start {
			return defs.EINVAL
		}
		if n.allocFlags.IsReserve() {
			return defs.EACCES
		}
		if n.si.Page != mem.PageReg || n.si.Prot&mem.ProtW == 0 {
			return defs.EACCES
		}
		prevEnd = n.End()
		if prevEnd >= end {
			covered = true
		}
	}
	if !covered {
		return defs.EINVAL
	}
	return defs.Success
}

/// DoCommit accepts every not-yet-accepted page in [start, end) across
/// the EMAs rooted at first, issuing EACCEPT once per page and no-oping
/// on pages already marked accepted, so committing an already-committed
/// range is always safe.
func (m *Manager) DoCommit(first, limit *Ema, start, end mem.Addr) defs.Err_t {
	if err := canCommit(first, limit, end); err != defs.Success {
		return err
	}
	for n := first; n != limit; n = n.next {
		bs, be := pageRange(n, start, end)
		for p := bs; p < be; p += uint64(mem.PGSIZE) {
			bit := p >> mem.PGSHIFT
			if n.accept.Test(bit) {
				continue
			}
			addr := n.start + mem.Addr(p)
			si := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg, State: mem.StatePending}
			if err := m.host.DoEaccept(addr, si); err != defs.Success {
				return err
			}
			n.accept.Set(bit)
		}
	}
	return defs.Success
}

func canUncommit(first, limit *Ema, end mem.Addr) defs.Err_t {
	prevEnd := first.start
	covered := false
	for n := first; n != limit; n = n.next {
		if n.start != prevEnd && prevEnd != first.start {
			return defs.EINVAL
		}
		if n.allocFlags.IsReserve() {
			return defs.EACCES
		}
		prevEnd = n.End()
		if prevEnd >= end {
			covered = true
		}
	}
	if !covered {
		return defs.EINVAL
	}
	return defs.Success
}

/// DoUncommit retypes every maximal committed run in [start, end) to
/// TRIM, accepts the transition, clears the run's bitmap bits, and
/// notifies the host the trim completed.
func (m *Manager) DoUncommit(first, limit *Ema, start, end mem.Addr) defs.Err_t {
	if err := canUncommit(first, limit, end); err != defs.Success {
		return err
	}
	for n := first; n != limit; n = n.next {
		bs, be := pageRange(n, start, end)
		if bs >= be {
			continue
		}
		if n.si.Prot == mem.ProtNone {
			if err := m.modifyPermissionsOne(n, mem.ProtR); err != defs.Success {
				return err
			}
		}
		nbits := be >> mem.PGSHIFT
		i := bs >> mem.PGSHIFT
		for i < nbits {
			if !n.accept.Test(i) {
				i++
				continue
			}
			runStart := i
			for i < nbits && n.accept.Test(i) {
				i++
			}
			runEnd := i

			rStart := n.start + mem.Addr(runStart<<mem.PGSHIFT)
			rSize := (runEnd - runStart) << mem.PGSHIFT

			regSI := mem.SecInfo{Prot: n.si.Prot, Page: mem.PageReg}
			trimSI := mem.SecInfo{Prot: n.si.Prot, Page: mem.PageTrim}
			if err := m.host.ModifyOcall(rStart, rSize, regSI, trimSI); err != defs.Success {
				return err
			}
			for p := runStart; p < runEnd; p++ {
				addr := n.start + mem.Addr(p<<mem.PGSHIFT)
				si := mem.SecInfo{Page: mem.PageTrim, State: mem.StateModified}
				if err := m.host.DoEaccept(addr, si); err != defs.Success {
					panic("emamap: EACCEPT failed mid-trim, enclave state corrupt")
				}
			}
			n.accept.ClearRange(runStart, runEnd-runStart)
			if err := m.host.ModifyOcall(rStart, rSize, trimSI, trimSI); err != defs.Success {
				return err
			}
		}
	}
	return defs.Success
}

/// DoDealloc tears down [start, end): uncommits every non-RESERVE EMA in
/// range down to NONE protection, isolates the exact range with
/// SplitEx, then destroys the isolated descriptors.
func (m *Manager) DoDealloc(isUser bool, start, end mem.Addr) defs.Err_t {
	r := m.rootStruct(isUser)
	first, limit, ok := m.SearchRange(isUser, start, end)
	if !ok {
		return defs.EINVAL
	}
	for n := first; n != limit; n = n.next {
		if n.allocFlags.IsReserve() {
			continue
		}
		bs, be := pageRange(n, start, end)
		if bs >= be {
			continue
		}
		ns := n.start + mem.Addr(bs)
		ne := n.start + mem.Addr(be)
		if err := m.DoUncommit(n, n.next, ns, ne); err != defs.Success {
			return err
		}
		if n.si.Prot != mem.ProtNone {
			if err := m.modifyPermissionsOne(n, mem.ProtNone); err != defs.Success {
				return err
			}
		}
	}

	first, limit, ok = m.SearchRange(isUser, start, end)
	if !ok {
		return defs.Success
	}
	isolated, err := m.SplitEx(r, first, start, end)
	if err != defs.Success {
		return err
	}
	for n := isolated; n != r.sentinel && n.start < end; {
		if n.End() > end {
			if _, err := m.Split(r, n, end, false); err != defs.Success {
				return err
			}
		}
		toKill := n
		n = n.next
		m.destroyEma(r, toKill)
	}
	return defs.Success
}

func (m *Manager) modifyPermissionsOne(e *Ema, newProt mem.Prot) defs.Err_t {
	oldProt := e.si.Prot
	added := newProt &^ oldProt
	nbits := e.size >> mem.PGSHIFT
	for i := uint64(0); i < nbits; i++ {
		if !e.accept.Test(i) {
			continue
		}
		addr := e.start + mem.Addr(i<<mem.PGSHIFT)
		if added != 0 {
			si := mem.SecInfo{Prot: newProt, Page: mem.PageReg, State: mem.StatePR}
			if err := m.host.DoEmodpe(addr, si); err != defs.Success {
				return err
			}
		}
		if newProt != mem.ProtRWX {
			si := mem.SecInfo{Prot: newProt, Page: mem.PageReg, State: mem.StatePR}
			if err := m.host.DoEaccept(addr, si); err != defs.Success {
				return err
			}
		}
	}
	e.si.Prot = newProt
	if newProt == mem.ProtNone {
		fromSI := mem.SecInfo{Prot: oldProt, Page: mem.PageReg}
		toSI := mem.SecInfo{Prot: newProt, Page: mem.PageReg}
		if err := m.host.ModifyOcall(e.start, e.size, fromSI, toSI); err != defs.Success {
			return err
		}
	}
	return defs.Success
}

func canModifyPermissions(first, limit *Ema, end mem.Addr) defs.Err_t {
	prevEnd := first.start
	covered := false
	for n := first; n != limit; n = n.next {
		if n.start != prevEnd && prevEnd != first.start {
			return defs.EINVAL
		}
		if n.allocFlags.IsReserve() || n.si.Page != mem.PageReg {
			return defs.EACCES
		}
		bs, be := pageRange(n, first.start, end)
		if !n.accept.TestRangeAll(bs>>mem.PGSHIFT, (be-bs)>>mem.PGSHIFT) {
			return defs.EACCES
		}
		prevEnd = n.End()
		if prevEnd >= end {
			covered = true
		}
	}
	if !covered {
		return defs.EINVAL
	}
	return defs.Success
}

/// ModifyPermissions changes protection over [start, end): the part of
/// each covered EMA inside the range is split off as its own EMA and
/// given the new sec-info flags, so the range ends up as one EMA per
/// EMA it originally covered.
func (m *Manager) ModifyPermissions(isUser bool, start, end mem.Addr, newProt mem.Prot) defs.Err_t {
	r := m.rootStruct(isUser)
	first, limit, ok := m.SearchRange(isUser, start, end)
	if !ok {
		return defs.EINVAL
	}
	if err := canModifyPermissions(first, limit, end); err != defs.Success {
		return err
	}
	for n := first; n != r.sentinel && n.start < end; n = n.next {
		isolated, err := m.SplitEx(r, n, start, end)
		if err != defs.Success {
			return err
		}
		if err := m.modifyPermissionsOne(isolated, newProt); err != defs.Success {
			return err
		}
		n = isolated
	}
	return defs.Success
}

/// ChangeToTCS retypes a single already-accepted REG|RW page to TCS,
/// aborting on EACCEPT failure since a TCS retype cannot be reversed
/// mid-flight.
func (m *Manager) ChangeToTCS(isUser bool, addr mem.Addr) defs.Err_t {
	r := m.rootStruct(isUser)
	e := m.Search(addr)
	if e == nil {
		return defs.EINVAL
	}
	bit := uint64(addr-e.start) >> mem.PGSHIFT
	if !e.accept.Test(bit) || e.si.Page != mem.PageReg || e.si.Prot != mem.ProtRW {
		return defs.EACCES
	}
	fromSI := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}
	toSI := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageTCS}
	if err := m.host.ModifyOcall(addr, uint64(mem.PGSIZE), fromSI, toSI); err != defs.Success {
		return err
	}
	si := mem.SecInfo{Page: mem.PageTCS, State: mem.StateModified}
	if err := m.host.DoEaccept(addr, si); err != defs.Success {
		panic("emamap: EACCEPT failed during TCS retype, enclave state corrupt")
	}
	isolated, err := m.SplitEx(r, e, addr, addr+mem.Addr(mem.PGSIZE))
	if err != defs.Success {
		return err
	}
	isolated.si = mem.SecInfo{Prot: mem.ProtNone, Page: mem.PageTCS}
	return defs.Success
}

func canCommitData(first, limit *Ema, end mem.Addr) defs.Err_t {
	prevEnd := first.start
	covered := false
	for n := first; n != limit; n = n.next {
		if n.start != prevEnd && prevEnd != first.start {
			return defs.EINVAL
		}
		if n.allocFlags.IsReserve() || n.si.Page != mem.PageReg || n.si.Prot&mem.ProtW == 0 {
			return defs.EACCES
		}
		if !n.allocFlags.IsCommitOnDemand() {
			return defs.EACCES
		}
		bs, be := pageRange(n, first.start, end)
		if n.accept.TestRangeAny(bs>>mem.PGSHIFT, (be-bs)>>mem.PGSHIFT) {
			return defs.EACCES
		}
		prevEnd = n.End()
		if prevEnd >= end {
			covered = true
		}
	}
	if !covered {
		return defs.EINVAL
	}
	return defs.Success
}

/// CommitData performs a page-granular initialized commit: each target
/// page is accepted via EACCEPTCOPY from the corresponding source page,
/// then the final protection is applied via ModifyPermissions.
func (m *Manager) CommitData(isUser bool, start, end mem.Addr, src mem.Addr, prot mem.Prot) defs.Err_t {
	first, limit, ok := m.SearchRange(isUser, start, end)
	if !ok {
		return defs.EINVAL
	}
	if err := canCommitData(first, limit, end); err != defs.Success {
		return err
	}
	off := uint64(0)
	for n := first; n != limit; n = n.next {
		bs, be := pageRange(n, start, end)
		for p := bs; p < be; p += uint64(mem.PGSIZE) {
			addr := n.start + mem.Addr(p)
			srcAddr := src + mem.Addr(off)
			si := mem.SecInfo{Prot: prot, Page: mem.PageReg}
			if err := m.host.DoEacceptcopy(addr, srcAddr, si); err != defs.Success {
				return err
			}
			n.accept.Set(p >> mem.PGSHIFT)
			off += uint64(mem.PGSIZE)
		}
	}
	return m.ModifyPermissions(isUser, start, end, prot)
}

/// ReallocFromReserveRange converts the portion [start, end) of a
/// contiguous chain of RESERVE EMAs into one freshly described
/// non-RESERVE EMA (no page of it is committed here),
/// failing if the chain has a gap, a non-RESERVE member, or a member
/// whose descriptor the allocator refuses to reallocate in place.
func (m *Manager) ReallocFromReserveRange(isUser bool, start, end mem.Addr, newFlags mem.AllocFlags, newSI mem.SecInfo, handler FaultHandler, priv any) (*Ema, defs.Err_t) {
	r := m.rootStruct(isUser)
	first, limit, ok := m.SearchRange(isUser, start, end)
	if !ok {
		return nil, defs.EINVAL
	}
	prevEnd := first.start
	for n := first; n != limit; n = n.next {
		if n.start != prevEnd && prevEnd != first.start {
			return nil, defs.EINVAL
		}
		if !n.allocFlags.IsReserve() {
			return nil, defs.EINVAL
		}
		if !m.alloc.CanRealloc(n.descAddr) {
			return nil, defs.EACCES
		}
		prevEnd = n.End()
	}
	if prevEnd < end {
		return nil, defs.EINVAL
	}

	isolated, err := m.SplitEx(r, first, start, end)
	if err != defs.Success {
		return nil, err
	}
	before := isolated
	for before != r.sentinel && before.start < end {
		if before.End() > end {
			if _, err := m.Split(r, before, end, false); err != defs.Success {
				return nil, err
			}
		}
		toKill := before
		before = before.next
		m.destroyEma(r, toKill)
	}

	node, err := m.newEma(r, before, start, uint64(end-start), newFlags, newSI, handler, priv)
	if err != defs.Success {
		return nil, err
	}
	return node, defs.Success
}

/// DoAlloc is the public allocate entry point: find or verify placement,
/// create the EMA, ask the host to prepare the range for commit (a
/// RESERVE request makes no host call), and for COMMIT_NOW requests,
/// eagerly commit the whole
/// range honoring GROWSDOWN/GROWSUP by choosing which end of the range
/// to start accepting from.
func (m *Manager) DoAlloc(isUser bool, hint mem.Addr, size uint64, align uint64, flags mem.AllocFlags, si mem.SecInfo, handler FaultHandler, priv any) (*Ema, defs.Err_t) {
	r := m.rootStruct(isUser)
	var addr mem.Addr
	var before *Ema
	var err defs.Err_t
	if flags&mem.Fixed != 0 {
		before, err = m.FindFreeRegionAt(isUser, hint, size)
		addr = hint
	} else {
		addr, before, err = m.FindFreeRegion(isUser, size, align)
	}
	if err != defs.Success {
		return nil, err
	}

	node, err := m.newEma(r, before, addr, size, flags, si, handler, priv)
	if err != defs.Success {
		return nil, err
	}

	if !flags.IsReserve() {
		if _, err := m.host.AllocOcall(node.start, node.size, flags|mem.Fixed); err != defs.Success {
			m.destroyEma(r, node)
			return nil, err
		}
	}

	if flags&mem.CommitNow != 0 {
		pages := size >> mem.PGSHIFT
		order := make([]uint64, pages)
		if flags&mem.GrowsDown != 0 {
			for i := range order {
				order[i] = pages - 1 - uint64(i)
			}
		} else {
			for i := range order {
				order[i] = uint64(i)
			}
		}
		for _, pg := range order {
			a := node.start + mem.Addr(pg<<mem.PGSHIFT)
			if err := m.host.DoEaccept(a, mem.SecInfo{Prot: si.Prot, Page: mem.PageReg, State: mem.StatePending}); err != defs.Success {
				return node, err
			}
			node.accept.Set(pg)
		}
	}
	return node, defs.Success
}

/// DebugString renders every live EMA on both roots in address order,
/// for diagnostics. There is no logging library wired into this package;
/// it returns a plain string the caller can fmt.Print itself.
func (m *Manager) DebugString() string {
	var b strings.Builder
	dump := func(name string, r *root) {
		fmt.Fprintf(&b, "%s:\n", name)
		for n := r.sentinel.next; n != r.sentinel; n = n.next {
			fmt.Fprintf(&b, "  [%#x, %#x) flags=%#x prot=%s\n", n.start, n.End(), n.allocFlags, n.si.Prot)
		}
	}
	dump("rts", m.rts)
	dump("user", m.user)
	return b.String()
}
