package zerocopy_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/paging"
	"vmkernel/vma"
	"vmkernel/zerocopy"
)

type fakeAS struct {
	sync.Mutex
	root paging.Root
	reg  *vma.Registry
}

func (f *fakeAS) Root() paging.Root       { return f.root }
func (f *fakeAS) Registry() *vma.Registry { return f.reg }

func newManager(t *testing.T) (*zerocopy.Manager, *frame.Backend, *paging.Port, paging.Root) {
	t.Helper()
	backend, err := frame.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	port := paging.New(backend, nil)
	kernelRoot, err := port.NewRoot()
	require.NoError(t, err)
	m := zerocopy.New(backend, port, kernelRoot, 0xffff_0000_0000, 0xffff_1000_0000, nil)
	return m, backend, port, kernelRoot
}

func newFakeAS(t *testing.T, port *paging.Port) *fakeAS {
	t.Helper()
	root, err := port.NewRoot()
	require.NoError(t, err)
	return &fakeAS{root: root, reg: vma.NewRegistry(0x1000_0000, 0x2000_0000)}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	m, _, _, _ := newManager(t)
	bid, err := m.Create(2*defs.PageSize, "buf", zerocopy.Bidirectional, defs.CacheWriteBack)
	require.NoError(t, err)

	payload := make([]byte, int(defs.PageSize)+16)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := m.WriteToBuffer(bid, 10, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = m.ReadFromBuffer(bid, 10, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestClearBufferZeroesContents(t *testing.T) {
	m, _, _, _ := newManager(t)
	bid, err := m.Create(defs.PageSize, "buf", zerocopy.Bidirectional, defs.CacheWriteBack)
	require.NoError(t, err)

	_, err = m.WriteToBuffer(bid, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, m.ClearBuffer(bid))

	out := make([]byte, 4)
	_, err = m.ReadFromBuffer(bid, 0, out)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestMapToUserDirectionConstrainsPerms(t *testing.T) {
	m, _, port, _ := newManager(t)
	bid, err := m.Create(defs.PageSize, "buf", zerocopy.KernelToUser, defs.CacheWriteBack)
	require.NoError(t, err)

	as := newFakeAS(t, port)
	v, err := m.MapToUser(bid, 1, as, 0)
	require.NoError(t, err)

	info, ok := port.Info(as.Root(), v)
	require.True(t, ok)
	require.True(t, info.Perms.Superset(defs.PermR))
	require.False(t, info.Perms.Superset(defs.PermW))
}

func TestMapToUserRefusesSecondProcess(t *testing.T) {
	m, _, port, _ := newManager(t)
	bid, err := m.Create(defs.PageSize, "buf", zerocopy.Bidirectional, defs.CacheWriteBack)
	require.NoError(t, err)

	as1 := newFakeAS(t, port)
	_, err = m.MapToUser(bid, 1, as1, 0)
	require.NoError(t, err)

	as2 := newFakeAS(t, port)
	_, err = m.MapToUser(bid, 2, as2, 0)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.AlreadyMapped))

	require.NoError(t, m.UnmapFromUser(bid))
	_, err = m.MapToUser(bid, 2, as2, 0)
	require.NoError(t, err)
}

func TestMapToKernelAlwaysGrantsRW(t *testing.T) {
	m, _, port, kernelRoot := newManager(t)
	bid, err := m.Create(defs.PageSize, "buf", zerocopy.UserToKernel, defs.CacheWriteBack)
	require.NoError(t, err)

	v, err := m.MapToKernel(bid)
	require.NoError(t, err)

	info, ok := port.Info(kernelRoot, v)
	require.True(t, ok)
	require.True(t, info.Perms.Superset(defs.PermR | defs.PermW))
}

func TestDestroyRefusesWithLiveMapping(t *testing.T) {
	m, _, port, _ := newManager(t)
	bid, err := m.Create(defs.PageSize, "buf", zerocopy.Bidirectional, defs.CacheWriteBack)
	require.NoError(t, err)

	as := newFakeAS(t, port)
	_, err = m.MapToUser(bid, 1, as, 0)
	require.NoError(t, err)

	err = m.Destroy(bid)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.ResourceBusy))

	require.NoError(t, m.UnmapFromUser(bid))
	require.NoError(t, m.Destroy(bid))
}
