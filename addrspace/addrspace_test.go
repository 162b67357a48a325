package addrspace_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/addrspace"
	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/paging"
	"vmkernel/vma"
)

func newAS(t *testing.T) (*addrspace.AddressSpace, *frame.Backend) {
	t.Helper()
	backend, err := frame.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	port := paging.New(backend, nil)
	as, err := addrspace.New(addrspace.Config{Port: port, Frames: backend, Floor: 0x1000_0000, Ceiling: 0x2000_0000})
	require.NoError(t, err)
	return as, backend
}

func TestAnonymousPopulate(t *testing.T) {
	as, backend := newAS(t)
	v, err := as.Map(0, 3*defs.PageSize, defs.PermR|defs.PermW, addrspace.MapFlags{Populate: true}, addrspace.Backing{Kind: vma.Anonymous})
	require.NoError(t, err)

	for i := defs.VAddr(0); i < 3; i++ {
		paddr, ok := as.Port().Translate(as.Root(), v+i*defs.PageSize)
		require.True(t, ok)
		for _, b := range backend.Bytes(paddr) {
			require.EqualValues(t, 0, b)
		}
	}
}

type fakeFile struct{ data []byte }

func (f *fakeFile) Size() int64 { return int64(len(f.data)) }
func (f *fakeFile) ReadAt(off int64, buf []byte) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(buf, f.data[off:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func TestFileBackedDemandPaging(t *testing.T) {
	as, _ := newAS(t)
	data := make([]byte, int(defs.PageSize)+100)
	data[0] = 0x11
	data[defs.PageSize] = 0x22
	ff := &fakeFile{data: data}

	v, err := as.Map(0, 2*defs.PageSize, defs.PermR, addrspace.MapFlags{}, addrspace.Backing{
		Kind: vma.FileBacked,
		File: &vma.FileBacking{File: ff, Offset: 0},
	})
	require.NoError(t, err)

	out := make([]byte, 2*int(defs.PageSize))
	n, err := as.CopyIn(out, v)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.Equal(t, byte(0x11), out[0])
	require.Equal(t, byte(0x22), out[defs.PageSize])
	require.EqualValues(t, 0, out[defs.PageSize+100])
	require.EqualValues(t, 0, out[2*int(defs.PageSize)-1])
}

func TestCOWAfterClone(t *testing.T) {
	as1, backend := newAS(t)
	v, err := as1.Map(0, defs.PageSize, defs.PermR|defs.PermW, addrspace.MapFlags{Populate: true}, addrspace.Backing{Kind: vma.Anonymous})
	require.NoError(t, err)

	_, err = as1.CopyOut(v, []byte{0xAB})
	require.NoError(t, err)

	as2, err := as1.Clone(true)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = as2.CopyIn(buf, v)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), buf[0])

	_, err = as2.CopyOut(v, []byte{0xCD})
	require.NoError(t, err)

	_, err = as1.CopyIn(buf, v)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), buf[0], "AS1 must still observe the original byte")

	_, err = as2.CopyIn(buf, v)
	require.NoError(t, err)
	require.Equal(t, byte(0xCD), buf[0])

	paddr1, ok := as1.Port().Translate(as1.Root(), v)
	require.True(t, ok)
	require.Equal(t, 1, backend.Refcnt(paddr1), "original frame refcount must return to 1 after AS2's private copy")
}

func TestProtectSplit(t *testing.T) {
	as, _ := newAS(t)
	v, err := as.Map(0, 4*defs.PageSize, defs.PermR|defs.PermW, addrspace.MapFlags{Populate: true}, addrspace.Backing{Kind: vma.Anonymous})
	require.NoError(t, err)

	require.NoError(t, as.Protect(v+defs.PageSize, 2*defs.PageSize, defs.PermR))

	all := as.IterateVMAs()
	require.Len(t, all, 3)
	require.Equal(t, v, all[0].Start)
	require.Equal(t, defs.PermR|defs.PermW, all[0].Perms)
	require.Equal(t, v+defs.PageSize, all[1].Start)
	require.Equal(t, defs.PermR, all[1].Perms)
	require.Equal(t, v+3*defs.PageSize, all[2].Start)
	require.Equal(t, defs.PermR|defs.PermW, all[2].Perms)

	err = as.HandleFault(v+defs.PageSize, true, false)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.PermissionDenied))
}

func TestMapUnmapRoundTrip(t *testing.T) {
	as, _ := newAS(t)
	v, err := as.Map(0, 4*defs.PageSize, defs.PermR|defs.PermW, addrspace.MapFlags{}, addrspace.Backing{Kind: vma.Anonymous})
	require.NoError(t, err)
	require.Equal(t, 1, len(as.IterateVMAs()))

	require.NoError(t, as.Unmap(v, 4*defs.PageSize))
	require.Empty(t, as.IterateVMAs())
}

func TestFaultWithNoCoveringVMAIsSegfault(t *testing.T) {
	as, _ := newAS(t)
	err := as.HandleFault(0xdead0000, false, false)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.SegmentationFault))
}

func TestMmapZeroSizeRejected(t *testing.T) {
	as, _ := newAS(t)
	_, err := as.Map(0, 0, defs.PermR, addrspace.MapFlags{}, addrspace.Backing{Kind: vma.Anonymous})
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.InvalidArgument))
}
