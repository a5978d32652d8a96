package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZero(t *testing.T) {
	_, ok := New(0)
	require.False(t, ok)
}

func TestSetTestRoundTrip(t *testing.T) {
	b, ok := New(37)
	require.True(t, ok)
	for _, pos := range []uint64{0, 1, 7, 8, 9, 31, 36} {
		require.False(t, b.Test(pos))
		b.Set(pos)
		require.True(t, b.Test(pos))
	}
}

func TestSetAllClearAll(t *testing.T) {
	b, _ := New(100)
	b.SetAll()
	require.True(t, b.TestRangeAll(0, 100))
	b.ClearAll()
	require.False(t, b.TestRangeAny(0, 100))
}

func TestRangeCrossesByteBoundary(t *testing.T) {
	b, _ := New(64)
	b.SetRange(3, 20)
	require.True(t, b.TestRangeAll(3, 20))
	require.False(t, b.TestRangeAny(0, 3))
	require.False(t, b.TestRangeAny(23, 64-23))
}

func TestClearRangeWithinSetAll(t *testing.T) {
	b, _ := New(64)
	b.SetAll()
	b.ClearRange(10, 6)
	require.False(t, b.TestRangeAny(10, 6))
	require.True(t, b.TestRangeAll(0, 10))
	require.True(t, b.TestRangeAll(16, 48))
}

func TestSplitAtByteBoundary(t *testing.T) {
	b, _ := New(32)
	b.SetRange(0, 8)
	low, high := b.Split(8)
	require.Equal(t, uint64(8), low.Len())
	require.Equal(t, uint64(24), high.Len())
	require.True(t, low.TestRangeAll(0, 8))
	require.False(t, high.TestRangeAny(0, 24))
}

// TestSplitNonByteAligned checks that splitting at a bit position that
// isn't a multiple of 8 still preserves every bit's value across the
// boundary.
func TestSplitNonByteAligned(t *testing.T) {
	b, _ := New(32)
	pattern := uint32(0xAABBCCDD)
	for i := uint64(0); i < 32; i++ {
		if pattern&(1<<i) != 0 {
			b.Set(i)
		}
	}

	for pos := uint64(1); pos < 32; pos++ {
		low, high := b.Split(pos)
		for i := uint64(0); i < pos; i++ {
			want := pattern&(1<<i) != 0
			require.Equalf(t, want, low.Test(i), "low bit %d after split at %d", i, pos)
		}
		for i := pos; i < 32; i++ {
			want := pattern&(1<<i) != 0
			require.Equalf(t, want, high.Test(i-pos), "high bit %d after split at %d", i, pos)
		}
	}
}

func TestSplitDegenerateBoundaries(t *testing.T) {
	b, _ := New(16)
	b.SetRange(0, 16)

	low, high := b.Split(0)
	require.Nil(t, low)
	require.Equal(t, uint64(16), high.Len())

	low, high = b.Split(16)
	require.Nil(t, high)
	require.Equal(t, uint64(16), low.Len())
}

func TestOutOfRangePanics(t *testing.T) {
	b, _ := New(8)
	require.Panics(t, func() { b.Test(8) })
	require.Panics(t, func() { b.SetRange(5, 10) })
}
