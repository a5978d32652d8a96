// Package emalloc implements a segregated-fit bootstrap heap used
// exclusively to back EMA and BitMap bookkeeping memory, so the region
// database never depends on the host allocator while servicing its own
// growth. Blocks are addressed as mem.Addr offsets into byte-backed
// reserves (see window) rather than raw pointers. The algorithm is
// exact-size free lists plus a catch-all large list, right-only
// coalescing on free, a static meta reserve for use during growth, and
// an addingReserve reentrancy guard that breaks the allocator's
// dependency cycle on the region database it backs. Every exported
// method here assumes the caller already holds the manager's lock;
// this package does no locking of its own.
package emalloc

import (
	"encoding/binary"

	"emm/internal/defs"
	"emm/internal/mem"
	"emm/internal/util"
)

const (
	headerSize          = 8
	numExactList        = 256
	exactMatchIncrement = 8
	minBlockSize        = 16
	maxExactSize        = minBlockSize + exactMatchIncrement*(numExactList-1)
	metaReserveSize     = 0x10000
	initialReserveSize  = 0x10000
	maxEmallocSize      = 0x10000000
	guardSize           = 0x8000

	allocMask uint64 = 1
	sizeMask  uint64 = ^uint64(exactMatchIncrement - 1)
)

// Grower is the bootstrap memory source injected by the top-level manager.
// GrowReserve performs the two-step reserve-then-commit-on-demand dance
// (RESERVE the full range plus guard pages, then COMMIT_ON_DEMAND|FIXED
// the inner range, then eagerly commit the first rsize bytes) and hands
// back a byte-addressable view of the whole reserve. It must tolerate
// being re-entered: growing a reserve allocates an EMA to describe the
// new region, which itself calls back into Emalloc — guarded here by
// addingReserve.
type Grower interface {
	GrowReserve(size, rsize uint64) (base mem.Addr, buf []byte, err defs.Err_t)
}

// Emalloc is the segregated-fit bootstrap heap. The zero value is not
// valid; use New.
type Emalloc struct {
	grower Grower

	metaReserve [metaReserveSize]byte
	metaUsed    uint64

	reserves []*reserveRegion

	exactList [numExactList]mem.Addr
	largeList mem.Addr

	addingReserve        bool
	reserveSizeIncrement uint64
}

type reserveRegion struct {
	base mem.Addr
	buf  []byte
	size uint64
	used uint64
}

// New constructs an Emalloc bound to grower, with no reserve yet carved
// out. Call Init before the first Alloc.
func New(grower Grower) *Emalloc {
	return &Emalloc{grower: grower, reserveSizeIncrement: initialReserveSize}
}

/// Init performs emalloc_init_reserve: carve out the first reserve of at
/// least initSize bytes. Must be called once before any Alloc/Free.
func (e *Emalloc) Init(initSize uint64) defs.Err_t {
	if err := e.addReserve(initSize); err != defs.Success {
		return defs.ENOMEM
	}
	e.reserveSizeIncrement = initialReserveSize
	return defs.Success
}

func blockSize(w []byte) uint64 {
	return binary.LittleEndian.Uint64(w[:8]) & sizeMask
}

func isAlloced(w []byte) bool {
	return binary.LittleEndian.Uint64(w[:8])&allocMask != 0
}

func setHeader(w []byte, v uint64) {
	binary.LittleEndian.PutUint64(w[:8], v)
}

func readLink(w []byte, off int) mem.Addr {
	return mem.Addr(binary.LittleEndian.Uint64(w[off : off+8]))
}

func writeLink(w []byte, off int, a mem.Addr) {
	binary.LittleEndian.PutUint64(w[off:off+8], uint64(a))
}

// window returns a byte slice aliasing the backing storage starting at
// addr, across either the static meta reserve or one of the dynamic
// reserves. Panics if addr isn't backed by anything this allocator owns
// — every live block header/pointer is expected to resolve, so a miss
// means internal corruption.
func (e *Emalloc) window(addr mem.Addr) []byte {
	if addr < mem.Addr(metaReserveSize) {
		return e.metaReserve[addr:]
	}
	for _, r := range e.reserves {
		if addr >= r.base && uint64(addr-r.base) < uint64(len(r.buf)) {
			return r.buf[addr-r.base:]
		}
	}
	panic("emalloc: address not backed by any reserve")
}

func getListIdx(size uint64) int {
	if size < minBlockSize {
		return 0
	}
	return int((size - minBlockSize) / exactMatchIncrement)
}

func (e *Emalloc) listHead(list int) mem.Addr {
	if list < 0 {
		return e.largeList
	}
	return e.exactList[list]
}

func (e *Emalloc) setListHead(list int, addr mem.Addr) {
	if list < 0 {
		e.largeList = addr
		return
	}
	e.exactList[list] = addr
}

// removeFromList unlinks the block at addr from the free list identified
// by list (-1 for the large list), mirroring remove_from_list's handling
// of the head-of-list special case and the "small blocks have no prev
// pointer" shortcut (min_block_size blocks only ever store next).
func (e *Emalloc) removeFromList(addr mem.Addr, list int) {
	w := e.window(addr)
	bsize := blockSize(w)
	next := readLink(w, 8)

	if addr == e.listHead(list) {
		e.setListHead(list, next)
		if next != 0 && bsize > minBlockSize {
			writeLink(e.window(next), 16, 0)
		}
		return
	}
	var prev mem.Addr
	if bsize > minBlockSize {
		prev = readLink(w, 16)
	}
	if prev != 0 {
		writeLink(e.window(prev), 8, next)
	}
	if next != 0 {
		writeLink(e.window(next), 16, prev)
	}
}

func (e *Emalloc) removeFromLists(addr mem.Addr) {
	bsize := blockSize(e.window(addr))
	if bsize > maxExactSize {
		e.removeFromList(addr, -1)
	} else {
		e.removeFromList(addr, getListIdx(bsize))
	}
}

func (e *Emalloc) prependToList(addr mem.Addr, list int) {
	head := e.listHead(list)
	w := e.window(addr)
	writeLink(w, 8, head)
	if head != 0 && blockSize(e.window(head)) > minBlockSize {
		writeLink(e.window(head), 16, addr)
	}
	e.setListHead(list, addr)
}

func (e *Emalloc) putExactBlock(addr mem.Addr) {
	e.prependToList(addr, getListIdx(blockSize(e.window(addr))))
}

func (e *Emalloc) putFreeBlock(addr mem.Addr) {
	if blockSize(e.window(addr)) <= maxExactSize {
		e.putExactBlock(addr)
		return
	}
	e.prependToList(addr, -1)
}

// findUsedInReserve returns the reserve whose in-use window [base,
// base+used) fully contains [addr, addr+size).
func (e *Emalloc) findUsedInReserve(addr mem.Addr, size uint64) *reserveRegion {
	if size == 0 {
		return nil
	}
	for _, r := range e.reserves {
		if addr >= r.base && uint64(addr-r.base)+size <= r.used {
			return r
		}
	}
	return nil
}

// neighborRight returns the address immediately following addr's block
// if that address is itself inside the same reserve's in-use window (so
// it is a real, currently-used block rather than past the high-water
// mark).
func (e *Emalloc) neighborRight(addr mem.Addr) (mem.Addr, bool) {
	end := addr + mem.Addr(blockSize(e.window(addr)))
	r1 := e.findUsedInReserve(addr, uint64(end-addr))
	if r1 == nil {
		return 0, false
	}
	if uint64(end-r1.base) == r1.used {
		return 0, false
	}
	r2 := e.findUsedInReserve(end, blockSize(e.window(end)))
	if r2 != r1 {
		return 0, false
	}
	return end, true
}

// possiblyMerge extends addr's block over any immediately following
// block that is free, taking it off its free list and absorbing its
// header into addr's. Right-only, per efree's merge step; never merges
// left.
func (e *Emalloc) possiblyMerge(addr mem.Addr) mem.Addr {
	for {
		next, ok := e.neighborRight(addr)
		if !ok || isAlloced(e.window(next)) {
			break
		}
		e.removeFromLists(next)
		w := e.window(addr)
		setHeader(w, blockSize(w)+blockSize(e.window(next)))
	}
	return addr
}

func (e *Emalloc) splitFreeBlock(addr mem.Addr, s uint64) mem.Addr {
	w := e.window(addr)
	remain := blockSize(w) - s
	setHeader(w, s)
	newAddr := addr + mem.Addr(s)
	setHeader(e.window(newAddr), remain)
	return newAddr
}

func (e *Emalloc) getExactMatch(bsize uint64) (mem.Addr, bool) {
	list := getListIdx(bsize)
	head := e.exactList[list]
	if head == 0 {
		return 0, false
	}
	next := readLink(e.window(head), 8)
	e.exactList[list] = next
	if list > 0 && next != 0 {
		writeLink(e.window(next), 16, 0)
	}
	return head, true
}

func (e *Emalloc) getFreeBlock(bsize uint64) (mem.Addr, bool) {
	if bsize <= maxExactSize {
		return e.getExactMatch(bsize)
	}
	if e.largeList == 0 {
		return 0, false
	}
	var best mem.Addr
	tmp := e.largeList
	for tmp != 0 {
		sz := blockSize(e.window(tmp))
		if sz >= bsize {
			if best == 0 || blockSize(e.window(best)) > sz {
				best = tmp
			}
		}
		tmp = readLink(e.window(tmp), 8)
	}
	if best == 0 {
		return 0, false
	}
	e.removeFromList(best, -1)
	if blockSize(e.window(best)) >= bsize+minBlockSize {
		tail := e.splitFreeBlock(best, bsize)
		e.putFreeBlock(tail)
	}
	return best, true
}

func (e *Emalloc) getLargeBlockEndAt(addr mem.Addr) (mem.Addr, bool) {
	tmp := e.largeList
	for tmp != 0 {
		if tmp+mem.Addr(blockSize(e.window(tmp))) == addr {
			e.removeFromList(tmp, -1)
			return tmp, true
		}
		tmp = readLink(e.window(tmp), 8)
	}
	return 0, false
}

func (e *Emalloc) mergeLargeBlocksToReserve(r *reserveRegion) {
	usedEnd := r.base + mem.Addr(r.used)
	for {
		merge, ok := e.getLargeBlockEndAt(usedEnd)
		if !ok {
			break
		}
		usedEnd -= mem.Addr(blockSize(e.window(merge)))
	}
	r.used = uint64(usedEnd - r.base)
}

func (e *Emalloc) newReserve(base mem.Addr, buf []byte, rsize uint64) {
	e.reserves = append(e.reserves, &reserveRegion{base: base, buf: buf, size: rsize})
}

func (e *Emalloc) allocFromReserve(bsize uint64) (mem.Addr, bool) {
	for _, r := range e.reserves {
		if r.size-r.used >= bsize {
			addr := r.base + mem.Addr(r.used)
			r.used += bsize
			return addr, true
		}
	}
	return 0, false
}

// addReserve grows the heap by a new reserve of at least rsize committed
// bytes, guarded by addingReserve against the recursive call this
// triggers (Grower.GrowReserve allocates bookkeeping for the new region,
// which calls back into Alloc/Free). Doubles the growth increment each
// time, capped at maxEmallocSize.
func (e *Emalloc) addReserve(rsize uint64) defs.Err_t {
	if e.addingReserve {
		return defs.Success
	}
	if e.reserveSizeIncrement < rsize {
		e.reserveSizeIncrement = rsize
	}
	e.addingReserve = true
	base, buf, err := e.grower.GrowReserve(e.reserveSizeIncrement, rsize)
	e.addingReserve = false
	if err != defs.Success {
		return err
	}
	e.newReserve(base, buf, e.reserveSizeIncrement)
	e.reserveSizeIncrement *= 2
	if e.reserveSizeIncrement > maxEmallocSize {
		e.reserveSizeIncrement = maxEmallocSize
	}
	return defs.Success
}

func (e *Emalloc) allocFromMeta(bsize uint64) (mem.Addr, bool) {
	if e.metaUsed+bsize > metaReserveSize {
		return 0, false
	}
	addr := mem.Addr(e.metaUsed)
	e.metaUsed += bsize
	setHeader(e.window(addr), bsize|allocMask)
	return addr, true
}

func roundTo(v, b uint64) uint64 {
	return util.Roundup(v, b)
}

// Alloc returns the address of a newly allocated block of at least size
// usable bytes; a request of 0 bytes still gets a minimum-size block.
// Single-threaded: the caller holds
// the manager's lock for the whole EMM.
func (e *Emalloc) Alloc(size uint64) (mem.Addr, defs.Err_t) {
	bsize := roundTo(size+headerSize, exactMatchIncrement)
	if bsize < minBlockSize {
		bsize = minBlockSize
	}

	if e.addingReserve {
		addr, ok := e.allocFromMeta(bsize)
		if !ok {
			return 0, defs.ENOMEM
		}
		return addr + headerSize, defs.Success
	}

	if addr, ok := e.getFreeBlock(bsize); ok {
		setHeader(e.window(addr), bsize|allocMask)
		return addr + headerSize, defs.Success
	}

	addr, ok := e.allocFromReserve(bsize)
	if !ok {
		newSize := roundTo(bsize+reserveHeaderSize, initialReserveSize)
		if err := e.addReserve(newSize); err != defs.Success {
			return 0, defs.ENOMEM
		}
		addr, ok = e.allocFromReserve(bsize)
		if !ok {
			return 0, defs.ENOMEM
		}
	}
	setHeader(e.window(addr), bsize|allocMask)
	return addr + headerSize, defs.Success
}

// reserveHeaderSize has no Go-side storage cost (reserveRegion lives
// off-heap in e.reserves), but the growth-sizing math still reserves
// room for a region header ahead of the first block, so a reserve's
// usable capacity matches what a header-carrying allocator would see.
const reserveHeaderSize = 32

func (e *Emalloc) reconfigureBlock(addr mem.Addr) mem.Addr {
	w := e.window(addr)
	setHeader(w, blockSize(w))
	writeLink(w, 8, 0)
	if blockSize(w) > minBlockSize {
		writeLink(w, 16, 0)
	}
	return e.possiblyMerge(addr)
}

/// CanRealloc reports whether the block at payload addr may be grown or
/// shrunk in place. Blocks carved out of the static meta reserve are
/// permanently pinned once growth finishes and can only be reallocated
/// while addingReserve is still in effect; all other blocks are always
/// reallocatable.
func (e *Emalloc) CanRealloc(addr mem.Addr) bool {
	b := addr - headerSize
	if e.addingReserve {
		return true
	}
	return uint64(b) >= metaReserveSize
}

/// Free releases the block at payload addr. Any inconsistency here
/// (freeing an address this allocator never handed out, or an address
/// that resolves to neither the meta reserve nor a known reserve) is
/// unrecoverable corruption and panics rather than returning an error.
func (e *Emalloc) Free(addr mem.Addr) {
	b := addr - headerSize
	w := e.window(b)

	if uint64(b) < metaReserveSize {
		if e.addingReserve {
			return
		}
		panic("emalloc: free of meta-reserve block outside addReserve")
	}

	r := e.findUsedInReserve(b, blockSize(w))
	if r == nil {
		panic("emalloc: free of address not accounted to any reserve")
	}
	b = e.reconfigureBlock(b)
	w = e.window(b)
	end := b + mem.Addr(blockSize(w))
	if uint64(end-r.base) == r.used {
		r.used -= blockSize(w)
		e.mergeLargeBlocksToReserve(r)
		return
	}
	e.putFreeBlock(b)
}
