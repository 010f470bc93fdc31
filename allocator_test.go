package salloc

import (
	"unsafe"

	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator(
		WithInitialHeapReserve(4<<20),
		WithMmapThreshold(4096),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func readBack(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestAllocateBasic(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(100)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%8, "payload must be 8-byte aligned")

	require.EqualValues(t, 1, a.NumAllocatedBlocks())
	require.EqualValues(t, 104, a.NumAllocatedBytes()) // rounded up to a multiple of 8
	require.EqualValues(t, 0, a.NumFreeBlocks())
	require.EqualValues(t, headerSize, a.NumMetaDataBytes())
	require.NoError(t, a.CheckInvariants())
}

func TestAllocateRejectsInvalidSizes(t *testing.T) {
	a := newTestAllocator(t)

	require.Nil(t, a.Allocate(0))
	require.Nil(t, a.Allocate(-1))
	require.Nil(t, a.Allocate(maxRequest+1))
}

func TestZallocZeroesHeapPayload(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(64)
	buf := readBack(p, 64)
	for i := range buf {
		buf[i] = 0xAA
	}
	a.Free(p)

	z := a.Zalloc(8, 8)
	require.NotNil(t, z)
	out := readBack(z, 64)
	for i, bb := range out {
		require.Zerof(t, bb, "byte %d not zeroed", i)
	}
	require.NoError(t, a.CheckInvariants())
}

func TestZallocOverflowReturnsNil(t *testing.T) {
	a := newTestAllocator(t)
	require.Nil(t, a.Zalloc(1<<40, 1<<40))
	require.Nil(t, a.Zalloc(0, 8))
	require.Nil(t, a.Zalloc(8, 0))
}

func TestFreeThenAllocateReusesBlock(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Allocate(200)
	require.NotNil(t, p1)
	firstAddr := uintptr(p1)

	a.Free(p1)
	require.EqualValues(t, 1, a.NumFreeBlocks())
	require.NoError(t, a.CheckInvariants())

	p2 := a.Allocate(200)
	require.NotNil(t, p2)
	require.Equal(t, firstAddr, uintptr(p2), "freed block of the exact size should be reused")
	require.EqualValues(t, 0, a.NumFreeBlocks())
	require.NoError(t, a.CheckInvariants())
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Allocate(64)
	p2 := a.Allocate(64)
	p3 := a.Allocate(64)
	require.NotNil(t, p1)
	require.NotNil(t, p2)
	require.NotNil(t, p3)

	a.Free(p1)
	a.Free(p3)
	require.EqualValues(t, 2, a.NumFreeBlocks())

	a.Free(p2)
	require.EqualValues(t, 1, a.NumFreeBlocks(), "freeing the middle block should merge all three into one")
	require.NoError(t, a.CheckInvariants())
}

func TestFreeNilAndDoubleFreeAreNoops(t *testing.T) {
	a := newTestAllocator(t)
	a.Free(nil)

	p := a.Allocate(32)
	a.Free(p)
	before := a.NumFreeBlocks()
	a.Free(p)
	require.Equal(t, before, a.NumFreeBlocks(), "double free must not double-count")
	require.NoError(t, a.CheckInvariants())
}

func TestAllocateRoutesLargeRequestsToMmap(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(5000) // above the 4096 test threshold
	require.NotNil(t, p)
	b := headerOf(p)
	require.True(t, a.isMmapBlock(b))
	require.EqualValues(t, 1, a.NumAllocatedBlocks())

	a.Free(p)
	require.EqualValues(t, 0, a.NumAllocatedBlocks())
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateShrinkSplitsOffRemainder(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(1000)
	np := a.Reallocate(p, 8)
	require.Equal(t, p, np, "shrinking in place must not move the payload")
	require.EqualValues(t, 1, a.NumFreeBlocks())
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateGrowIntoFollowingFreeNeighbor(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Allocate(64)
	p2 := a.Allocate(256)
	a.Free(p2)

	grown := a.Reallocate(p1, 200)
	require.Equal(t, p1, grown, "growing into a following free neighbor keeps the payload address")
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateGrowMergesPrecedingFreeNeighbor(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Allocate(256)
	p2 := a.Allocate(64)
	a.Free(p1)

	data := readBack(p2, 64)
	for i := range data {
		data[i] = byte(i)
	}

	grown := a.Reallocate(p2, 200)
	require.NotNil(t, grown)
	out := readBack(grown, 64)
	for i := range out {
		require.Equal(t, byte(i), out[i], "payload must survive a move into the absorbed neighbor")
	}
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateNilBehavesAsAllocate(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Reallocate(nil, 40)
	require.NotNil(t, p)
	require.EqualValues(t, 1, a.NumAllocatedBlocks())
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateZeroReturnsNilAndKeepsOld(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Allocate(40)
	require.Nil(t, a.Reallocate(p, 0))
	require.EqualValues(t, 1, a.NumAllocatedBlocks(), "a rejected reallocate must not free the original block")
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateWildernessExtendsInPlace(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(64) // sole block: also the wilderness
	grown := a.Reallocate(p, 2000)
	require.Equal(t, p, grown, "extending the wilderness in place must not move the payload")
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateMmapBlock(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(5000)
	data := readBack(p, 5000)
	for i := range data {
		data[i] = byte(i)
	}

	grown := a.Reallocate(p, 9000)
	require.NotNil(t, grown)
	out := readBack(grown, 5000)
	for i := range out {
		require.Equal(t, byte(i), out[i])
	}
	require.NoError(t, a.CheckInvariants())
}

func TestFreeMmapBlockIsIdempotent(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Allocate(5000) // above the 4096 test threshold
	require.NotNil(t, p)
	require.EqualValues(t, 1, a.NumAllocatedBlocks())

	a.Free(p)
	require.EqualValues(t, 0, a.NumAllocatedBlocks())
	require.NoError(t, a.CheckInvariants())

	// A repeat Free on the same stale pointer must not dereference the
	// now-unmapped header page; it should stay a silent no-op.
	a.Free(p)
	require.EqualValues(t, 0, a.NumAllocatedBlocks())
	require.NoError(t, a.CheckInvariants())
}

func TestReallocateStrategyFClaimsOversizedFreeWilderness(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Allocate(64)
	pMid := a.Allocate(64) // keeps p1 and the wilderness non-adjacent
	p2 := a.Allocate(2000)
	require.NotNil(t, p1)
	require.NotNil(t, pMid)
	require.NotNil(t, p2)

	a.Free(p2) // wilderness is now free and far larger than the next request
	require.NoError(t, a.CheckInvariants())

	data := readBack(p1, 64)
	for i := range data {
		data[i] = byte(i)
	}

	grown := a.Reallocate(p1, 100)
	require.NotNil(t, grown)
	require.NotEqual(t, p1, grown, "p1 is not the wilderness, so growing it must move the payload")

	out := readBack(grown, 64)
	for i := range out {
		require.Equal(t, byte(i), out[i])
	}

	// The wilderness must have been claimed and split, not just shrunk in
	// place without accounting for the unclaimed remainder.
	require.EqualValues(t, 2, a.NumFreeBlocks(), "claiming the oversized wilderness must split off the remainder as a new free block")
	require.NoError(t, a.CheckInvariants())
}

func TestStatsAfterMixedWorkload(t *testing.T) {
	a := newTestAllocator(t)

	ptrs := make([]unsafe.Pointer, 0, 20)
	for i := 1; i <= 20; i++ {
		ptrs = append(ptrs, a.Allocate(i*8))
	}
	for i, p := range ptrs {
		if i%3 == 0 {
			a.Free(p)
		}
	}
	require.NoError(t, a.CheckInvariants())
	require.Equal(t, a.NumAllocatedBlocks()*headerSize, a.NumMetaDataBytes())
}
