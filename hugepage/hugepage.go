// Package hugepage is the named large-page region manager from
// spec.md §4.7. It is grounded on the teacher's mem/dmap.go huge/giant
// page construction (the gbpages branch building 1 GiB and 2 MiB
// entries with PTE_PS) for the leaf shape, and on mem/mem.go's
// refcounted free-list for how a contiguous physical block's lifetime
// is managed outside the normal per-mapping refcount path.
package hugepage

import (
	"sync"
	"sync/atomic"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
	"vmkernel/paging"
	"vmkernel/util"
	"vmkernel/vma"
)

// AddressSpaceHandle is the capability map_to_user/unmap_from_user need
// from a consumer address space: its root for installing raw page-table
// entries, and its registry lock/accessor for recording the bookkeeping
// VMA, mirroring addrspace.AddressSpace's exported Lock/Unlock/Root/
// Registry surface (spec.md §5 lock-hierarchy level 3).
type AddressSpaceHandle interface {
	Root() paging.Root
	Lock()
	Unlock()
	Registry() *vma.Registry
}

type userBinding struct {
	as    AddressSpaceHandle
	vaddr defs.VAddr
}

type region struct {
	id       uint64
	name     string
	class    paging.Class
	size     defs.VAddr // total size, huge-aligned
	npages   int        // number of 4 KiB frames in the contiguous block
	base     defs.PAddr
	cache    defs.CachePolicy
	kernel   defs.VAddr // 0 when not mapped to kernel
	userMaps map[int]userBinding
}

func (r *region) hugeUnits() int { return int(r.size / r.class.Size()) }

// Manager owns every allocated huge-page region.
type Manager struct {
	port   *paging.Port
	frames *frame.Backend
	log    klog.Sink

	kernelRoot             paging.Root
	kernelFloor, kernelTop defs.VAddr

	mu      sync.Mutex
	nextID  uint64
	regions map[uint64]*region
	used    []vma.VMA // kernel-band bookkeeping, reusing vma's range shape
}

// New builds a Manager that installs kernel-side mappings into
// kernelRoot, choosing kernel virtual addresses from the dedicated band
// [floor, ceiling).
func New(port *paging.Port, frames *frame.Backend, kernelRoot paging.Root, floor, ceiling defs.VAddr, log klog.Sink) *Manager {
	if log == nil {
		log = klog.Discard()
	}
	return &Manager{
		port: port, frames: frames, log: log,
		kernelRoot:  kernelRoot,
		kernelFloor: floor, kernelTop: ceiling,
		regions: make(map[uint64]*region),
	}
}

func classFor(hugeSize defs.VAddr) (paging.Class, error) {
	switch hugeSize {
	case defs.HugeSize2:
		return paging.Huge2, nil
	case defs.HugeSize1:
		return paging.Huge1, nil
	default:
		return 0, defs.E(defs.InvalidArgument, "hugepage.classFor", nil)
	}
}

// AllocateRegion rounds size up to hugeSize, requests a contiguous
// physical block from the frame backend, zeroes it, and records a new
// region under a monotonic id, per spec.md §4.7.
func (m *Manager) AllocateRegion(size, hugeSize defs.VAddr, name string) (uint64, error) {
	class, err := classFor(hugeSize)
	if err != nil {
		return 0, err
	}
	total := util.Roundup(size, hugeSize)
	npages := int(total / defs.PageSize)

	base, err := m.frames.AllocContiguous(npages, hugeSize)
	if err != nil {
		return 0, defs.Wrap(defs.OutOfMemory, "hugepage.AllocateRegion", err)
	}
	for i := 0; i < npages; i++ {
		p := base + defs.PAddr(i)*defs.PAddr(defs.PageSize)
		buf := m.frames.Bytes(p)
		for j := range buf {
			buf[j] = 0
		}
	}
	// Pin the base frame so Port.Unmap's automatic Refdown, driven by
	// each individual map/unmap below, never drops it to zero and
	// silently recycles it behind the region's own lifecycle: only
	// FreeRegion releases the block, via FreeContiguous, once this
	// manager's own install count (not the frame backend's refcount)
	// confirms nothing still maps it.
	m.frames.Refup(base)

	m.mu.Lock()
	defer m.mu.Unlock()
	id := atomic.AddUint64(&m.nextID, 1)
	m.regions[id] = &region{
		id: id, name: name, class: class, size: total, npages: npages,
		base: base, userMaps: make(map[int]userBinding),
	}
	return id, nil
}

func (m *Manager) findFreeKernelRange(size defs.VAddr, align defs.VAddr) (defs.VAddr, error) {
	start := util.Roundup(m.kernelFloor, align)
	for {
		end := start + size
		if end > m.kernelTop {
			return 0, defs.E(defs.OutOfMemory, "hugepage.findFreeKernelRange", nil)
		}
		overlap := false
		for _, u := range m.used {
			if util.Overlaps(start, end, u.Start, u.End) {
				start = util.Roundup(u.End, align)
				overlap = true
				break
			}
		}
		if !overlap {
			return start, nil
		}
	}
}

// MapToKernel installs region id's huge entries into the kernel root at
// a freshly chosen kernel virtual range, per spec.md §4.7.
func (m *Manager) MapToKernel(id uint64, cache defs.CachePolicy) (defs.VAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return 0, defs.E(defs.NotFound, "hugepage.MapToKernel", nil)
	}
	if r.kernel != 0 {
		return 0, defs.E(defs.AlreadyMapped, "hugepage.MapToKernel", nil)
	}
	vaddr, err := m.findFreeKernelRange(r.size, r.class.Size())
	if err != nil {
		return 0, err
	}
	if len(r.userMaps) > 0 {
		m.frames.Refup(r.base)
	}
	perms := defs.PermR | defs.PermW
	if err := m.port.MapRange(m.kernelRoot, vaddr, r.base, r.hugeUnits(), r.class, perms, cache); err != nil {
		if len(r.userMaps) > 0 {
			m.frames.Refdown(r.base)
		}
		return 0, defs.Wrap(defs.MemoryMapFailed, "hugepage.MapToKernel", err)
	}
	r.kernel = vaddr
	r.cache = cache
	m.used = append(m.used, vma.VMA{Start: vaddr, End: vaddr + r.size})
	return vaddr, nil
}

// MapToUser installs region id's huge entries into as's page table. It
// fails with AlreadyMapped if as's pid already has a mapping of this
// region, and with InvalidArgument if vaddr is not huge-size-aligned.
func (m *Manager) MapToUser(id uint64, pid int, as AddressSpaceHandle, vaddr defs.VAddr, perms defs.Perm, cache defs.CachePolicy) (defs.VAddr, error) {
	m.mu.Lock()
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		return 0, defs.E(defs.NotFound, "hugepage.MapToUser", nil)
	}
	if _, bound := r.userMaps[pid]; bound {
		m.mu.Unlock()
		return 0, defs.E(defs.AlreadyMapped, "hugepage.MapToUser", nil)
	}
	if vaddr != 0 && vaddr%r.class.Size() != 0 {
		m.mu.Unlock()
		return 0, defs.E(defs.InvalidArgument, "hugepage.MapToUser", nil)
	}
	liveInstalls := len(r.userMaps)
	if r.kernel != 0 {
		liveInstalls++
	}
	m.mu.Unlock()

	as.Lock()
	defer as.Unlock()

	if vaddr == 0 {
		free, ok := as.Registry().FindFree(r.size, r.class.Size())
		if !ok {
			return 0, defs.E(defs.OutOfMemory, "hugepage.MapToUser", nil)
		}
		vaddr = free
	}

	if liveInstalls > 0 {
		m.frames.Refup(r.base)
	}
	if err := m.port.MapRange(as.Root(), vaddr, r.base, r.hugeUnits(), r.class, perms, cache); err != nil {
		if liveInstalls > 0 {
			m.frames.Refdown(r.base)
		}
		return 0, defs.Wrap(defs.MemoryMapFailed, "hugepage.MapToUser", err)
	}
	v := &vma.VMA{Start: vaddr, End: vaddr + r.size, Kind: vma.HugePage, Perms: perms, Cache: cache, RegionID: id}
	if err := as.Registry().Insert(v); err != nil {
		_ = m.port.Unmap(as.Root(), vaddr, r.hugeUnits(), r.class)
		return 0, err
	}

	m.mu.Lock()
	r.userMaps[pid] = userBinding{as: as, vaddr: vaddr}
	m.mu.Unlock()
	return vaddr, nil
}

// UnmapFromUser removes region id's entries from pid's page table and
// drops its per-pid record.
func (m *Manager) UnmapFromUser(id uint64, pid int) error {
	m.mu.Lock()
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "hugepage.UnmapFromUser", nil)
	}
	bind, ok := r.userMaps[pid]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "hugepage.UnmapFromUser", nil)
	}
	delete(r.userMaps, pid)
	m.mu.Unlock()

	bind.as.Lock()
	if err := m.port.Unmap(bind.as.Root(), bind.vaddr, r.hugeUnits(), r.class); err != nil {
		m.log.Warnf("hugepage: unmap region %d from pid %d: %v", id, pid, err)
	}
	bind.as.Registry().Remove(bind.vaddr)
	bind.as.Unlock()
	return nil
}

// UnmapFromKernel removes region id's entries from the kernel root.
func (m *Manager) UnmapFromKernel(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[id]
	if !ok {
		return defs.E(defs.NotFound, "hugepage.UnmapFromKernel", nil)
	}
	if r.kernel == 0 {
		return defs.E(defs.NotFound, "hugepage.UnmapFromKernel", nil)
	}
	_ = m.port.Unmap(m.kernelRoot, r.kernel, r.hugeUnits(), r.class)
	for i, u := range m.used {
		if u.Start == r.kernel {
			m.used = append(m.used[:i], m.used[i+1:]...)
			break
		}
	}
	r.kernel = 0
	return nil
}

// FreeRegion releases region id's contiguous physical block. It refuses
// while any user mapping remains, and unmaps from the kernel first if
// still mapped there.
func (m *Manager) FreeRegion(id uint64) error {
	m.mu.Lock()
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "hugepage.FreeRegion", nil)
	}
	if len(r.userMaps) > 0 {
		m.mu.Unlock()
		return defs.E(defs.ResourceBusy, "hugepage.FreeRegion", nil)
	}
	needKernelUnmap := r.kernel != 0
	m.mu.Unlock()

	if needKernelUnmap {
		if err := m.UnmapFromKernel(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, id)
	m.frames.FreeContiguous(r.base, r.npages)
	return nil
}

// ProcessExit drops every per-pid mapping record for pid across every
// region, without touching the page table: the caller has already torn
// that down, per spec.md §4.7.
func (m *Manager) ProcessExit(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		delete(r.userMaps, pid)
	}
}
