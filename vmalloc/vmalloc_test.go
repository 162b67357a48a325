package vmalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/paging"
	"vmkernel/vmalloc"
)

func newAllocator(t *testing.T) (*vmalloc.Allocator, *frame.Backend, *paging.Port, paging.Root) {
	t.Helper()
	backend, err := frame.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	port := paging.New(backend, nil)
	root, err := port.NewRoot()
	require.NoError(t, err)
	a := vmalloc.New(port, backend, root, 0xffff_8000_0000, 0xffff_9000_0000)
	return a, backend, port, root
}

func TestAllocInstallsRWMapping(t *testing.T) {
	a, _, port, root := newAllocator(t)
	v, err := a.Alloc(3*defs.PageSize, defs.PageSize)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		info, ok := port.Info(root, v+defs.VAddr(i)*defs.PageSize)
		require.True(t, ok)
		require.True(t, info.Perms.Superset(defs.PermR|defs.PermW))
	}
}

func TestZallocZeroesFrames(t *testing.T) {
	a, backend, port, root := newAllocator(t)
	v, err := a.Zalloc(defs.PageSize, defs.PageSize)
	require.NoError(t, err)

	paddr, ok := port.Translate(root, v)
	require.True(t, ok)
	for _, b := range backend.Bytes(paddr) {
		require.Zero(t, b)
	}
}

func TestFreeUnmapsAndReleasesFrames(t *testing.T) {
	a, _, port, root := newAllocator(t)
	v, err := a.Alloc(2*defs.PageSize, defs.PageSize)
	require.NoError(t, err)

	require.NoError(t, a.Free(v))

	_, ok := port.Translate(root, v)
	require.False(t, ok)
	_, ok = a.Size(v)
	require.False(t, ok)
}

func TestFreeUnknownAddressFails(t *testing.T) {
	a, _, _, _ := newAllocator(t)
	err := a.Free(0xdead0000)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.NotFound))
}

func TestFirstFitReusesFreedGap(t *testing.T) {
	a, _, _, _ := newAllocator(t)
	v1, err := a.Alloc(defs.PageSize, defs.PageSize)
	require.NoError(t, err)
	v2, err := a.Alloc(defs.PageSize, defs.PageSize)
	require.NoError(t, err)
	require.NoError(t, a.Free(v1))

	v3, err := a.Alloc(defs.PageSize, defs.PageSize)
	require.NoError(t, err)
	require.Equal(t, v1, v3)
	_ = v2
}
