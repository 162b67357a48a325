package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/frame"
)

func newBackend(t *testing.T) *frame.Backend {
	t.Helper()
	b, err := frame.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAllocZeroedIsZero(t *testing.T) {
	b := newBackend(t)
	p, err := b.AllocZeroed()
	require.NoError(t, err)
	for _, by := range b.Bytes(p) {
		require.Zero(t, by)
	}
}

func TestRefcountLifecycle(t *testing.T) {
	b := newBackend(t)
	p, err := b.AllocRaw()
	require.NoError(t, err)
	require.Equal(t, 1, b.Refcnt(p))

	b.Refup(p)
	require.Equal(t, 2, b.Refcnt(p))

	require.False(t, b.Refdown(p))
	require.True(t, b.Refdown(p))
}

func TestAllocContiguousAligned(t *testing.T) {
	b := newBackend(t)
	p, err := b.AllocContiguous(4, 4*defs.PageSize)
	require.NoError(t, err)
	require.Zero(t, uintptr(p)%uintptr(4*defs.PageSize))
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, b.Refcnt(p+defs.PAddr(i)*defs.PAddr(defs.PageSize)))
	}
}

func TestOutOfMemory(t *testing.T) {
	b, err := frame.New(2)
	require.NoError(t, err)
	defer b.Close()
	// one page is already consumed by the zero page.
	_, err = b.AllocRaw()
	require.NoError(t, err)
	_, err = b.AllocRaw()
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.OutOfMemory))
}
