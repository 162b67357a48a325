package telepage_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/paging"
	"vmkernel/telepage"
	"vmkernel/vma"
)

type fakeAS struct {
	sync.Mutex
	root paging.Root
	reg  *vma.Registry
}

func (f *fakeAS) Root() paging.Root       { return f.root }
func (f *fakeAS) Registry() *vma.Registry { return f.reg }

// fakeTransport is an in-memory stand-in for a remote node: a flat byte
// array indexed by remote physical address, with write-back recorded
// for assertions.
type fakeTransport struct {
	mu         sync.Mutex
	remote     map[uint64][]byte
	writeBacks int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{remote: make(map[uint64][]byte)}
}

func (t *fakeTransport) FetchRemotePage(node uint64, remotePAddr uint64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, ok := t.remote[remotePAddr]
	if !ok {
		buf = make([]byte, defs.PageSize)
		t.remote[remotePAddr] = buf
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (t *fakeTransport) WriteBackRemotePage(node uint64, remotePAddr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	t.remote[remotePAddr] = buf
	t.writeBacks++
	return nil
}

func newManager(t *testing.T) (*telepage.Manager, *frame.Backend, *paging.Port, *fakeTransport) {
	t.Helper()
	backend, err := frame.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	port := paging.New(backend, nil)
	transport := newFakeTransport()
	return telepage.New(backend, port, transport, nil), backend, port, transport
}

func newFakeAS(t *testing.T, port *paging.Port) *fakeAS {
	t.Helper()
	root, err := port.NewRoot()
	require.NoError(t, err)
	return &fakeAS{root: root, reg: vma.NewRegistry(0x1000_0000, 0x2000_0000)}
}

func TestMapRemoteFetchesThenUnmapWritesBackOnlyWhenDirty(t *testing.T) {
	m, backend, port, transport := newManager(t)
	as := newFakeAS(t, port)

	transport.remote[0x1000] = []byte{1, 2, 3, 4}
	for i := 4; i < int(defs.PageSize); i++ {
		transport.remote[0x1000] = append(transport.remote[0x1000], 0)
	}

	v, err := m.MapRemote(7, 0x1000, defs.PageSize, defs.PermR|defs.PermW, as, defs.CacheWriteBack)
	require.NoError(t, err)

	paddr, ok := port.Translate(as.Root(), v)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4}, backend.Bytes(paddr)[:4])

	out := make([]byte, 1)
	_, err = m.ReadFromMapping(v, 0, out)
	require.NoError(t, err)
	require.Equal(t, byte(1), out[0])

	_, err = m.WriteToMapping(v, 0, []byte{99})
	require.NoError(t, err)

	require.NoError(t, m.Unmap(v, as))
	require.Equal(t, byte(99), transport.remote[0x1000][0])
	require.Equal(t, 1, transport.writeBacks)

	_, ok = port.Translate(as.Root(), v)
	require.False(t, ok)
	require.Empty(t, as.reg.Iterate())
}

func TestUnmapSkipsWriteBackWhenNeverDirtied(t *testing.T) {
	m, _, port, transport := newManager(t)
	as := newFakeAS(t, port)

	v, err := m.MapRemote(3, 0x6000, defs.PageSize, defs.PermR, as, defs.CacheWriteBack)
	require.NoError(t, err)

	out := make([]byte, 8)
	_, err = m.ReadFromMapping(v, 0, out)
	require.NoError(t, err)

	require.NoError(t, m.Unmap(v, as))
	require.Zero(t, transport.writeBacks)
}

func TestUnmapUnknownVAddrFails(t *testing.T) {
	m, _, port, _ := newManager(t)
	as := newFakeAS(t, port)
	err := m.Unmap(0x4000, as)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.NotFound))
}

func TestTickAdvancesAndRecordAccessStampsMapping(t *testing.T) {
	m, _, port, _ := newManager(t)
	as := newFakeAS(t, port)

	v, err := m.MapRemote(1, 0x2000, defs.PageSize, defs.PermR, as, defs.CacheWriteBack)
	require.NoError(t, err)

	tick0, ok := m.LastTick(v)
	require.True(t, ok)
	require.Zero(t, tick0)

	m.Tick()
	m.Tick()
	m.RecordAccess(v)

	tick1, ok := m.LastTick(v)
	require.True(t, ok)
	require.Equal(t, uint64(2), tick1)
}

func TestFetchRejectsOutOfRangePageIndex(t *testing.T) {
	m, _, port, _ := newManager(t)
	as := newFakeAS(t, port)

	v, err := m.MapRemote(1, 0x3000, defs.PageSize, defs.PermR, as, defs.CacheWriteBack)
	require.NoError(t, err)

	var regionID uint64
	for _, rv := range as.reg.Iterate() {
		if rv.Start == v {
			regionID = rv.RegionID
		}
	}
	require.NotZero(t, regionID)

	_, err = m.Fetch(regionID, 5)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.InvalidArgument))

	paddr, err := m.Fetch(regionID, 0)
	require.NoError(t, err)
	require.NotZero(t, paddr)
}
