package emamap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"emm/internal/defs"
	"emm/internal/mem"
	"emm/internal/platform/simhost"
)

const testPageSize = uint64(1) << mem.PGSHIFT

func newTestManager(t *testing.T) (*Manager, *simhost.Host) {
	t.Helper()
	host, err := simhost.New(0, 64<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	userBase := host.Base() + mem.Addr(8<<20)
	userEnd := userBase + mem.Addr(32<<20)
	mgr, e := NewManager(userBase, userEnd, host)
	require.Equal(t, defs.Success, e)
	return mgr, host
}

// Scenario 1: empty user map, alloc 8 pages, commit, dealloc.
func TestAllocCommitDeallocCycle(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 8*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)
	require.False(t, mgr.user.empty())

	first, limit, ok := mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))
	require.True(t, ema.accept.TestRangeAll(0, 8))

	require.Equal(t, defs.Success, mgr.DoDealloc(true, ema.Start(), ema.End()))
	require.True(t, mgr.user.empty())
}

// Commit idempotence: a second commit over the same range succeeds and
// leaves every bit set.
func TestCommitIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 4*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	first, limit, ok := mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))
	require.True(t, ema.accept.TestRangeAll(0, 4))
}

// Uncommit idempotence: uncommit then commit restores the all-set pattern,
// and a second uncommit over an already-uncommitted range is a no-op.
func TestUncommitThenCommitRestoresBits(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 4*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	first, limit, ok := mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))

	first, limit, ok = mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoUncommit(first, limit, ema.Start(), ema.End()))
	require.False(t, ema.accept.TestRangeAny(0, 4))

	require.Equal(t, defs.Success, mgr.DoUncommit(first, limit, ema.Start(), ema.End()))
	require.False(t, ema.accept.TestRangeAny(0, 4))

	first, limit, ok = mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))
	require.True(t, ema.accept.TestRangeAll(0, 4))
}

// Scenario 2: split at interior.
func TestSplitAtInteriorPage(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 16*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	base := ema.Start()
	splitAt := base + mem.Addr(5*testPageSize)

	high, err := mgr.Split(mgr.user, ema, splitAt, false)
	require.Equal(t, defs.Success, err)

	require.Equal(t, base, ema.Start())
	require.Equal(t, 5*testPageSize, ema.Size())
	require.Equal(t, splitAt, high.Start())
	require.Equal(t, 11*testPageSize, high.Size())

	require.Equal(t, uint64(5), ema.accept.Len())
	require.Equal(t, uint64(11), high.accept.Len())
}

// Scenario 3: commit over a read-only region rejects with EACCES and
// touches no bit.
func TestCommitRejectsUnwritableRegion(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 2*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtR, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	first, limit, ok := mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.EACCES, mgr.DoCommit(first, limit, ema.Start(), ema.End()))
	require.False(t, ema.accept.TestRangeAny(0, 2))
}

// Scenario 6: realloc from reserve range over the middle of three
// contiguous RESERVE EMAs leaves two residual RESERVE EMAs flanking one
// freshly described region.
func TestReallocFromReserveRangeSplitsFlankingReserves(t *testing.T) {
	mgr, _ := newTestManager(t)

	base, before, err := mgr.FindFreeRegion(true, 64*testPageSize, testPageSize)
	require.Equal(t, defs.Success, err)

	r := mgr.rootStruct(true)
	seg1, err := mgr.newEma(r, before, base, 16*testPageSize, mem.Reserve, mem.SecInfo{}, nil, nil)
	require.Equal(t, defs.Success, err)
	seg2, err := mgr.newEma(r, before, seg1.End(), 16*testPageSize, mem.Reserve, mem.SecInfo{}, nil, nil)
	require.Equal(t, defs.Success, err)
	_, err = mgr.newEma(r, before, seg2.End(), 32*testPageSize, mem.Reserve, mem.SecInfo{}, nil, nil)
	require.Equal(t, defs.Success, err)

	start := base + mem.Addr(2*testPageSize)
	end := base + mem.Addr(34*testPageSize)

	node, err := mgr.ReallocFromReserveRange(true, start, end,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)
	require.Equal(t, start, node.Start())
	require.Equal(t, end, node.End())
	require.False(t, node.AllocFlags().IsReserve())

	require.Equal(t, base, node.prev.start)
	require.Equal(t, start, node.prev.End())
	require.True(t, node.prev.allocFlags.IsReserve())

	require.Equal(t, end, node.next.start)
	require.True(t, node.next.allocFlags.IsReserve())
}

// Placement determinism: on an empty user root, FindFreeRegion returns
// round_up(mm_user_base, align).
func TestFindFreeRegionOnEmptyRootIsDeterministic(t *testing.T) {
	mgr, _ := newTestManager(t)

	addr, before, err := mgr.FindFreeRegion(true, 4*testPageSize, testPageSize)
	require.Equal(t, defs.Success, err)
	require.Equal(t, mgr.userBase, addr)
	require.Equal(t, mgr.user.sentinel, before)
}

// ModifyPermissions over a fully committed range narrows the affected
// range to an isolated EMA and updates its protection.
func TestModifyPermissionsIsolatesExactRange(t *testing.T) {
	mgr, _ := newTestManager(t)

	ema, err := mgr.DoAlloc(true, 0, 8*testPageSize, testPageSize,
		mem.CommitOnDemand, mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	first, limit, ok := mgr.SearchRange(true, ema.Start(), ema.End())
	require.True(t, ok)
	require.Equal(t, defs.Success, mgr.DoCommit(first, limit, ema.Start(), ema.End()))

	mid := ema.Start() + mem.Addr(2*testPageSize)
	midEnd := ema.Start() + mem.Addr(6*testPageSize)
	require.Equal(t, defs.Success, mgr.ModifyPermissions(true, mid, midEnd, mem.ProtR))

	n := mgr.Search(mid)
	require.Equal(t, mid, n.Start())
	require.Equal(t, midEnd, n.End())
	require.Equal(t, mem.ProtR, n.SecInfo().Prot)
}

func TestDebugStringListsBothRoots(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.DoAlloc(true, 0, testPageSize, testPageSize, mem.CommitOnDemand,
		mem.SecInfo{Prot: mem.ProtRW, Page: mem.PageReg}, nil, nil)
	require.Equal(t, defs.Success, err)

	out := mgr.DebugString()
	require.Contains(t, out, "rts:")
	require.Contains(t, out, "user:")
}
