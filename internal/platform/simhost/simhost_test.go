package simhost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"emm/internal/defs"
	"emm/internal/mem"
)

func TestNewReservesRealAddressSpace(t *testing.T) {
	h, err := New(0, 1<<20)
	require.NoError(t, err)
	defer h.Close()
	require.NotZero(t, h.Base())
}

func TestAllocOcallThenEacceptMakesPageWritable(t *testing.T) {
	h, err := New(0, 4<<20)
	require.NoError(t, err)
	defer h.Close()

	addr, e := h.AllocOcall(0, uint64(mem.PGSIZE), mem.CommitOnDemand)
	require.Equal(t, defs.Success, e)
	require.True(t, h.IsWithinEnclave(addr, uint64(mem.PGSIZE)))

	si := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg, State: mem.StatePending}
	require.Equal(t, defs.Success, h.DoEaccept(addr, si))

	buf := sliceOf(addr, uint64(mem.PGSIZE))
	buf[0] = 0x42
	require.Equal(t, byte(0x42), buf[0])
}

func TestEacceptcopyDuplicatesSourcePage(t *testing.T) {
	h, err := New(0, 4<<20)
	require.NoError(t, err)
	defer h.Close()

	size := 2 * uint64(mem.PGSIZE)
	base, e := h.AllocOcall(0, size, mem.CommitOnDemand)
	require.Equal(t, defs.Success, e)

	src := base
	dst := base + mem.Addr(mem.PGSIZE)

	require.Equal(t, defs.Success, h.DoEaccept(src, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}))
	sliceOf(src, uint64(mem.PGSIZE))[0] = 0xAB

	require.Equal(t, defs.Success, h.DoEacceptcopy(dst, src, mem.SecInfo{Prot: mem.ProtR, Page: mem.PageReg}))
	require.Equal(t, byte(0xAB), sliceOf(dst, uint64(mem.PGSIZE))[0])
}

func TestOperationsOutsideEnclaveRejected(t *testing.T) {
	h, err := New(0, 1<<20)
	require.NoError(t, err)
	defer h.Close()

	far := h.Base() + mem.Addr(16<<20)
	require.Equal(t, defs.EACCES, h.DoEaccept(far, mem.SecInfo{}))
	require.False(t, h.IsWithinEnclave(far, uint64(mem.PGSIZE)))
}

func TestModifyOcallTrimsToNoAccess(t *testing.T) {
	h, err := New(0, 4<<20)
	require.NoError(t, err)
	defer h.Close()

	size := uint64(mem.PGSIZE)
	addr, e := h.AllocOcall(0, size, mem.CommitOnDemand)
	require.Equal(t, defs.Success, e)
	require.Equal(t, defs.Success, h.DoEaccept(addr, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}))

	fromSI := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}
	toSI := mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageTrim}
	require.Equal(t, defs.Success, h.ModifyOcall(addr, size, fromSI, toSI))
}
