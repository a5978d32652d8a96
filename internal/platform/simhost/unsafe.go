package simhost

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"emm/internal/mem"
)

// These helpers convert between mem.Addr (a plain uint64 used throughout
// the EMM core so it never depends on unsafe itself) and the raw byte
// slices the unix mmap/mprotect bindings expect. Confined to this one
// file so the unsafe surface of the whole module stays in the test-only
// simulation host, never in the core allocator/region-database logic.

func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func sliceOf(addr mem.Addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

func mprotectPage(addr mem.Addr, p mem.Prot) error {
	return unix.Mprotect(sliceOf(mem.Addr(uint64(addr)&^uint64(mem.PGOFFSET)), uint64(mem.PGSIZE)), protBits(p))
}

func copyPage(dst, src mem.Addr) {
	copy(sliceOf(dst, uint64(mem.PGSIZE)), sliceOf(src, uint64(mem.PGSIZE)))
}
