package vmkernel_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/defs"
	"vmkernel/kconfig"
	"vmkernel/mmapapi"
	"vmkernel/reversemap"
	"vmkernel/safety"
	"vmkernel/vmkernel"
	"vmkernel/zerocopy"
)

func testConfig() kconfig.Config {
	return kconfig.Config{
		UserMin:       0x1000_0000,
		UserMax:       0x2000_0000,
		VmallocBase:   0x3000_0000,
		VmallocLen:    0x10_0000,
		HugeKernelVA:  0x5000_0000,
		TelepageBase:  0x9000_0000,
		TelepageLen:   0x10_0000,
		ArenaPages:    4096,
		SafetyLevel:   kconfig.SafetyStandard,
		ReverseLRUCap: 64,
	}
}

func newTestKernel(t *testing.T) *vmkernel.Kernel {
	t.Helper()
	k, err := vmkernel.New(vmkernel.Config{Config: testConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestMmapPopulateThenFaultRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)

	v, err := k.Mmap(1, mmapapi.Request{
		Size: 3 * defs.PageSize, Perms: defs.PermR | defs.PermW,
		Anonymous: true, Populate: true,
	})
	require.NoError(t, err)

	as, ok := k.AddressSpace(1)
	require.True(t, ok)
	for i := defs.VAddr(0); i < 3; i++ {
		_, ok := as.Port().Translate(as.Root(), v+i*defs.PageSize)
		require.True(t, ok)
	}

	require.NoError(t, k.Munmap(1, v, 3*defs.PageSize))
	require.Empty(t, as.IterateVMAs())
}

func TestHandleFaultUnknownPidIsNotFound(t *testing.T) {
	k := newTestKernel(t)
	err := k.HandleFault(42, 0x1000_1000, false, false)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.NotFound))
}

func TestTeleportSharingThenProcessExitDropsMapping(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)
	_, err = k.CreateAddressSpace(2)
	require.NoError(t, err)
	as1, _ := k.AddressSpace(1)
	as2, _ := k.AddressSpace(2)

	tid, err := k.Teleport().Create("shm1", 8*defs.PageSize, defs.PermR|defs.PermW, defs.CacheWriteBack)
	require.NoError(t, err)

	v1, err := k.Teleport().Map(tid, 1, as1, 0, defs.PermR|defs.PermW)
	require.NoError(t, err)
	v2, err := k.Teleport().Map(tid, 2, as2, 0, defs.PermR|defs.PermW)
	require.NoError(t, err)

	_, err = as1.CopyOut(v1, []byte{0x42})
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = as2.CopyIn(buf, v2)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), buf[0])

	err = k.Teleport().Destroy(tid)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.ResourceBusy))

	// Destroying AS1 exercises teleport.ProcessExit through vmkernel's
	// own cleanup hook, dropping its share of the region's refcount
	// without an explicit prior Unmap call.
	require.NoError(t, k.DestroyAddressSpace(1))
	err = k.Teleport().Destroy(tid)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.ResourceBusy))

	require.NoError(t, k.DestroyAddressSpace(2))
	require.NoError(t, k.Teleport().Destroy(tid))
}

func TestZeroCopyDirectionEnforcement(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)
	as1, _ := k.AddressSpace(1)

	bid, err := k.ZeroCopy().Create(defs.PageSize, "buf1", zerocopy.KernelToUser, defs.CacheWriteBack)
	require.NoError(t, err)

	uv, err := k.ZeroCopy().MapToUser(bid, 1, as1, 0)
	require.NoError(t, err)

	err = k.HandleFault(1, uv, true, false)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.PermissionDenied))

	_, err = k.CreateAddressSpace(2)
	require.NoError(t, err)
	as2, _ := k.AddressSpace(2)
	_, err = k.ZeroCopy().MapToUser(bid, 2, as2, 0)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.AlreadyMapped))
}

func TestZeroCopyProcessExitClearsBindingWithoutExplicitUnmap(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)
	as1, _ := k.AddressSpace(1)

	bid, err := k.ZeroCopy().Create(defs.PageSize, "buf1", zerocopy.Bidirectional, defs.CacheWriteBack)
	require.NoError(t, err)
	_, err = k.ZeroCopy().MapToUser(bid, 1, as1, 0)
	require.NoError(t, err)

	// Destroying AS1 without ever calling UnmapFromUser exercises
	// zerocopy.ProcessExit through vmkernel's own cleanup hook, dropping
	// the buffer's user binding so a fresh Destroy (after also clearing
	// any kernel mapping) succeeds.
	require.NoError(t, k.DestroyAddressSpace(1))

	_, err = k.CreateAddressSpace(2)
	require.NoError(t, err)
	as2, _ := k.AddressSpace(2)
	_, err = k.ZeroCopy().MapToUser(bid, 2, as2, 0)
	require.NoError(t, err)

	require.NoError(t, k.ZeroCopy().UnmapFromUser(bid))
	require.NoError(t, k.ZeroCopy().Destroy(bid))
}

func TestGuardPageClassifiesSegfaultAsBufferOverflow(t *testing.T) {
	cfg := testConfig()
	var rec fakeRecorder
	k, err := vmkernel.New(vmkernel.Config{Config: cfg, Metrics: &rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	_, err = k.CreateAddressSpace(1)
	require.NoError(t, err)
	as, _ := k.AddressSpace(1)

	v, err := k.Mmap(1, mmapapi.Request{Size: defs.PageSize, Perms: defs.PermR | defs.PermW, Anonymous: true, Populate: true})
	require.NoError(t, err)

	guard := v + defs.PageSize
	k.Safety().GuardPage(as.Root(), guard, safety.BufferOverflow)

	err = k.HandleFault(1, guard, true, false)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.SegmentationFault))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, 1, rec.violations["buffer_overflow"])
}

func TestReverseMapObservesInstallAndRemove(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)
	as, _ := k.AddressSpace(1)

	v, err := k.Mmap(1, mmapapi.Request{Size: defs.PageSize, Perms: defs.PermR | defs.PermW, Anonymous: true, Populate: true})
	require.NoError(t, err)

	paddr, ok := as.Port().Translate(as.Root(), v)
	require.True(t, ok)

	refs := k.ReverseMap().LookupAll(paddr)
	require.Contains(t, refs, reversemap.Ref{Owner: reversemap.Owner(as.Root()), Vaddr: v})

	require.NoError(t, k.Munmap(1, v, defs.PageSize))
	require.Empty(t, k.ReverseMap().LookupAll(paddr))
}

func TestDestroyAddressSpaceUnknownPidFails(t *testing.T) {
	k := newTestKernel(t)
	err := k.DestroyAddressSpace(99)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.NotFound))
}

func TestTelePageDisabledWithoutTransport(t *testing.T) {
	k := newTestKernel(t)
	require.Nil(t, k.TelePage())
}

func TestCreateAddressSpaceRejectsDuplicatePid(t *testing.T) {
	k := newTestKernel(t)
	_, err := k.CreateAddressSpace(1)
	require.NoError(t, err)
	_, err = k.CreateAddressSpace(1)
	require.Error(t, err)
	require.True(t, defs.Is(err, defs.AlreadyMapped))
}

type fakeRecorder struct {
	mu         sync.Mutex
	faults     map[string]int
	violations map[string]int
	liveVMAs   int
}

func (r *fakeRecorder) FaultHandled(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.faults == nil {
		r.faults = make(map[string]int)
	}
	r.faults[kind]++
}

func (r *fakeRecorder) TLBShootdown(int) {}

func (r *fakeRecorder) SafetyViolation(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.violations == nil {
		r.violations = make(map[string]int)
	}
	r.violations[class]++
}

func (r *fakeRecorder) LiveVMAs(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveVMAs = n
}
