// Package teleport implements named shared anonymous memory with
// reference counting, per spec.md §4.8. It is grounded on the
// teacher's Vm_t.Vmadd_shareanon (VSANON mapping type) for the shared-
// anonymous idea and on mem/mem.go's Refup/Refdown idiom, reused here
// at the region level rather than the single-frame level.
package teleport

import (
	"sync"
	"sync/atomic"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
	"vmkernel/paging"
	"vmkernel/vma"
)

// AddressSpaceHandle is the capability map/unmap need from a consumer
// address space, identical in shape to hugepage.AddressSpaceHandle.
type AddressSpaceHandle interface {
	Root() paging.Root
	Lock()
	Unlock()
	Registry() *vma.Registry
}

type binding struct {
	as    AddressSpaceHandle
	vaddr defs.VAddr
}

type region struct {
	id       uint64
	name     string
	size     defs.VAddr
	ceiling  defs.Perm
	cache    defs.CachePolicy
	frames   []defs.PAddr
	refcount int
	byPid    map[int]binding
}

// Manager owns every named teleport region and implements
// addrspace.SharedResolver so a Shared-kind VMA can be demand-paged
// through the normal fault path as well as eagerly populated by Map.
type Manager struct {
	frames *frame.Backend
	port   *paging.Port
	log    klog.Sink

	mu      sync.Mutex
	nextID  uint64
	regions map[uint64]*region
}

// New builds an empty Manager.
func New(frames *frame.Backend, port *paging.Port, log klog.Sink) *Manager {
	if log == nil {
		log = klog.Discard()
	}
	return &Manager{frames: frames, port: port, log: log, regions: make(map[uint64]*region)}
}

// Create allocates ceil(size/P) individual frames, zeros them, and
// assigns the region a monotonic id, per spec.md §4.8.
//
// Each frame keeps the allocator's implicit refcount of 1 as a
// permanent pin, never consumed directly by an install: every Map call
// below, including the region's first, explicitly Refups before
// installing. This is what lets the region's own refcount field (not
// the frame backend's) cycle back to zero between tenants without the
// frame backend silently recycling a still-named region's pages —
// only Destroy, once the region's refcount has drained, releases the
// pin with the matching Refdown.
func (m *Manager) Create(name string, size defs.VAddr, ceiling defs.Perm, cache defs.CachePolicy) (uint64, error) {
	n := int(defs.AlignUp(size, defs.PageSize) / defs.PageSize)
	if n <= 0 {
		return 0, defs.E(defs.InvalidArgument, "teleport.Create", nil)
	}
	frames := make([]defs.PAddr, n)
	for i := 0; i < n; i++ {
		p, err := m.frames.AllocZeroed()
		if err != nil {
			for _, prev := range frames[:i] {
				m.frames.Refdown(prev)
			}
			return 0, defs.Wrap(defs.OutOfMemory, "teleport.Create", err)
		}
		frames[i] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := atomic.AddUint64(&m.nextID, 1)
	m.regions[id] = &region{
		id: id, name: name, size: defs.AlignUp(size, defs.PageSize), ceiling: ceiling, cache: cache,
		frames: frames, byPid: make(map[int]binding),
	}
	return id, nil
}

// Map installs tid's frames page-by-page into as's page table at vaddr
// (or a freshly chosen address) and increments the region's refcount.
// perms that exceed the region's ceiling are rejected with
// InvalidArgument, not clamped.
func (m *Manager) Map(tid uint64, pid int, as AddressSpaceHandle, vaddr defs.VAddr, perms defs.Perm) (defs.VAddr, error) {
	m.mu.Lock()
	r, ok := m.regions[tid]
	if !ok {
		m.mu.Unlock()
		return 0, defs.E(defs.NotFound, "teleport.Map", nil)
	}
	if perms&^r.ceiling != 0 {
		m.mu.Unlock()
		return 0, defs.E(defs.InvalidArgument, "teleport.Map", nil)
	}
	if _, bound := r.byPid[pid]; bound {
		m.mu.Unlock()
		return 0, defs.E(defs.AlreadyMapped, "teleport.Map", nil)
	}
	m.mu.Unlock()

	as.Lock()
	defer as.Unlock()

	if vaddr == 0 {
		free, ok := as.Registry().FindFree(r.size, defs.PageSize)
		if !ok {
			return 0, defs.E(defs.OutOfMemory, "teleport.Map", nil)
		}
		vaddr = free
	}

	installed := 0
	for i, p := range r.frames {
		m.frames.Refup(p)
		v := vaddr + defs.VAddr(i)*defs.PageSize
		if err := m.port.Map(as.Root(), v, p, paging.Small, perms, r.cache, false); err != nil {
			m.frames.Refdown(p)
			for j := 0; j < installed; j++ {
				_ = m.port.Unmap(as.Root(), vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
			}
			return 0, defs.Wrap(defs.MemoryMapFailed, "teleport.Map", err)
		}
		installed++
	}

	v := &vma.VMA{Start: vaddr, End: vaddr + r.size, Kind: vma.Shared, Perms: perms, Cache: r.cache, RegionID: tid}
	if err := as.Registry().Insert(v); err != nil {
		for j := 0; j < installed; j++ {
			_ = m.port.Unmap(as.Root(), vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
		}
		return 0, err
	}

	m.mu.Lock()
	r.refcount++
	r.byPid[pid] = binding{as: as, vaddr: vaddr}
	m.mu.Unlock()
	return vaddr, nil
}

// Unmap removes pid's mapping of tid and decrements the region's
// refcount.
func (m *Manager) Unmap(tid uint64, pid int) error {
	m.mu.Lock()
	r, ok := m.regions[tid]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "teleport.Unmap", nil)
	}
	bind, ok := r.byPid[pid]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "teleport.Unmap", nil)
	}
	delete(r.byPid, pid)
	r.refcount--
	m.mu.Unlock()

	bind.as.Lock()
	n := int(r.size / defs.PageSize)
	if err := m.port.Unmap(bind.as.Root(), bind.vaddr, n, paging.Small); err != nil {
		m.log.Warnf("teleport: unmap region %d from pid %d: %v", tid, pid, err)
	}
	bind.as.Registry().Remove(bind.vaddr)
	bind.as.Unlock()
	return nil
}

// Destroy releases tid's frames. It refuses while the refcount is
// still positive.
func (m *Manager) Destroy(tid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[tid]
	if !ok {
		return defs.E(defs.NotFound, "teleport.Destroy", nil)
	}
	if r.refcount > 0 {
		return defs.E(defs.ResourceBusy, "teleport.Destroy", nil)
	}
	for _, p := range r.frames {
		m.frames.Refdown(p)
	}
	delete(m.regions, tid)
	return nil
}

// ProcessExit decrements the refcount for every region pid had mapped.
// The caller is responsible for page-table teardown.
func (m *Manager) ProcessExit(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if _, bound := r.byPid[pid]; bound {
			delete(r.byPid, pid)
			r.refcount--
		}
	}
}

// Resolve implements addrspace.SharedResolver: it returns the frame
// backing pageIndex within region regionID, permission-clamped to the
// region's ceiling, Refup'd for this new install per the paging.Port.Map
// contract (the frame is already mapped into at least one other
// address space by the time a demand fault reaches here, since Create
// never installs anything itself).
func (m *Manager) Resolve(regionID uint64, pageIndex int) (defs.PAddr, defs.Perm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[regionID]
	if !ok {
		return 0, 0, defs.E(defs.NotFound, "teleport.Resolve", nil)
	}
	if pageIndex < 0 || pageIndex >= len(r.frames) {
		return 0, 0, defs.E(defs.InvalidArgument, "teleport.Resolve", nil)
	}
	p := r.frames[pageIndex]
	m.frames.Refup(p)
	return p, r.ceiling, nil
}
