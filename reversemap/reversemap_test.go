package reversemap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/reversemap"
)

func TestAddQueryRemove(t *testing.T) {
	ix := reversemap.New(16, nil)
	const owner1 reversemap.Owner = 1
	const owner2 reversemap.Owner = 2

	ix.Add(0x1000, owner1, 0x4000, defs.PageSize, defs.PermR)
	ix.Add(0x1000, owner2, 0x8000, defs.PageSize, defs.PermR|defs.PermW)
	require.Equal(t, 2, ix.Count(0x1000))

	refs := ix.LookupAll(0x1000)
	require.Len(t, refs, 2)

	mi, ok := ix.Info(owner2, 0x8000)
	require.True(t, ok)
	require.Equal(t, defs.PAddr(0x1000), mi.Paddr)

	ix.Remove(0x1000, owner1, 0x4000)
	require.Equal(t, 1, ix.Count(0x1000))

	ix.Remove(0x1000, owner2, 0x8000)
	require.Equal(t, 0, ix.Count(0x1000))
	require.Empty(t, ix.LookupAll(0x1000))
}

func TestQueryUnknownFrameIsEmpty(t *testing.T) {
	ix := reversemap.New(4, nil)
	require.Empty(t, ix.LookupAll(defs.PAddr(0xdead000)))
	require.Equal(t, 0, ix.Count(defs.PAddr(0xdead000)))
}

func TestCacheInvalidatedOnMutation(t *testing.T) {
	ix := reversemap.New(4, nil)
	const owner reversemap.Owner = 7
	ix.Add(0x2000, owner, 0x100, defs.PageSize, defs.PermR)
	require.Len(t, ix.LookupAll(0x2000), 1)
	ix.Add(0x2000, owner, 0x200, defs.PageSize, defs.PermR)
	require.Len(t, ix.LookupAll(0x2000), 2)
}

func TestByKindAndPhysicalRange(t *testing.T) {
	classify := func(v defs.VAddr) reversemap.Kind {
		if v < 0x1000 {
			return reversemap.KindUserHeap
		}
		return reversemap.KindUserStack
	}
	ix := reversemap.New(4, classify)
	const owner reversemap.Owner = 1
	ix.Add(0x5000, owner, 0x100, defs.PageSize, defs.PermR)
	ix.Add(0x6000, owner, 0x2000, defs.PageSize, defs.PermR)

	heap := ix.ByKind(reversemap.KindUserHeap)
	require.Len(t, heap, 1)
	require.Equal(t, defs.PAddr(0x5000), heap[0].Paddr)

	inRange := ix.ByPhysicalRange(0x5000, 0x5fff)
	require.Len(t, inRange, 1)
}

type fakeWalker struct{ leaves []reversemap.Leaf }

func (w fakeWalker) WalkLeaves(root defs.PAddr, fn func(reversemap.Leaf)) {
	for _, l := range w.leaves {
		fn(l)
	}
}

func TestRescanRepopulatesOwnerOnly(t *testing.T) {
	ix := reversemap.New(4, nil)
	const owner1 reversemap.Owner = 1
	const owner2 reversemap.Owner = 2
	ix.Add(0x1000, owner1, 0x100, defs.PageSize, defs.PermR)
	ix.Add(0x1000, owner2, 0x200, defs.PageSize, defs.PermR)

	w := fakeWalker{leaves: []reversemap.Leaf{{Vaddr: 0x300, Paddr: 0x2000, Size: defs.PageSize, Perms: defs.PermR}}}
	ix.Rescan(owner1, w)

	require.Equal(t, 1, ix.Count(0x1000), "owner2's mapping of 0x1000 must survive a rescan of owner1")
	require.Equal(t, 1, ix.Count(0x2000))
	_, ok := ix.Info(owner1, 0x100)
	require.False(t, ok)
	_, ok = ix.Info(owner1, 0x300)
	require.True(t, ok)
}
