// Package zerocopy implements kernel-created buffers intended to cross
// the kernel/user boundary without a CPU copy, per spec.md §4.9. It has
// no direct teacher equivalent (biscuit carries no direction-
// constrained buffer type); it is built in the same manager/refcount
// shape as teleport and hugepage for consistency, with permission
// derivation from direction as the one new piece of policy.
package zerocopy

import (
	"sync"
	"sync/atomic"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
	"vmkernel/paging"
	"vmkernel/vma"
)

// Direction constrains which side of a buffer may write to it.
type Direction int

const (
	// KernelToUser grants the user side read-only access.
	KernelToUser Direction = iota
	// UserToKernel grants the user side write-only access.
	UserToKernel
	// Bidirectional grants the user side read-write access.
	Bidirectional
)

func (d Direction) userPerms() defs.Perm {
	switch d {
	case KernelToUser:
		return defs.PermR
	case UserToKernel:
		return defs.PermW
	default:
		return defs.PermR | defs.PermW
	}
}

// AddressSpaceHandle is the capability map_to_user/unmap_from_user need
// from a consumer address space, identical in shape to
// hugepage/teleport's AddressSpaceHandle.
type AddressSpaceHandle interface {
	Root() paging.Root
	Lock()
	Unlock()
	Registry() *vma.Registry
}

type userBinding struct {
	as    AddressSpaceHandle
	pid   int
	vaddr defs.VAddr
}

type buffer struct {
	id        uint64
	name      string
	size      defs.VAddr
	direction Direction
	cache     defs.CachePolicy
	frames    []defs.PAddr
	kernel    defs.VAddr
	user      *userBinding
}

// Manager owns every zero-copy buffer and the kernel address space it
// installs kernel-side mappings into.
type Manager struct {
	frames *frame.Backend
	port   *paging.Port
	log    klog.Sink

	kernelRoot             paging.Root
	kernelFloor, kernelTop defs.VAddr

	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64]*buffer
	used    []vma.VMA
}

// New builds a Manager that installs kernel-side mappings into
// kernelRoot, choosing kernel virtual addresses from [floor, ceiling).
func New(frames *frame.Backend, port *paging.Port, kernelRoot paging.Root, floor, ceiling defs.VAddr, log klog.Sink) *Manager {
	if log == nil {
		log = klog.Discard()
	}
	return &Manager{
		frames: frames, port: port, log: log,
		kernelRoot: kernelRoot, kernelFloor: floor, kernelTop: ceiling,
		buffers: make(map[uint64]*buffer),
	}
}

// Create allocates ceil(size/P) zeroed frames for a new buffer.
func (m *Manager) Create(size defs.VAddr, name string, direction Direction, cache defs.CachePolicy) (uint64, error) {
	n := int(defs.AlignUp(size, defs.PageSize) / defs.PageSize)
	if n <= 0 {
		return 0, defs.E(defs.InvalidArgument, "zerocopy.Create", nil)
	}
	frames := make([]defs.PAddr, n)
	for i := 0; i < n; i++ {
		p, err := m.frames.AllocZeroed()
		if err != nil {
			for _, prev := range frames[:i] {
				m.frames.Refdown(prev)
			}
			return 0, defs.Wrap(defs.OutOfMemory, "zerocopy.Create", err)
		}
		frames[i] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := atomic.AddUint64(&m.nextID, 1)
	m.buffers[id] = &buffer{
		id: id, name: name, size: defs.AlignUp(size, defs.PageSize),
		direction: direction, cache: cache, frames: frames,
	}
	return id, nil
}

func (m *Manager) findFreeKernelRange(size defs.VAddr) (defs.VAddr, error) {
	start := m.kernelFloor
	for {
		end := start + size
		if end > m.kernelTop {
			return 0, defs.E(defs.OutOfMemory, "zerocopy.findFreeKernelRange", nil)
		}
		overlap := false
		for _, u := range m.used {
			if start < u.End && u.Start < end {
				start = u.End
				overlap = true
				break
			}
		}
		if !overlap {
			return start, nil
		}
	}
}

func (m *Manager) installRange(root paging.Root, vaddr defs.VAddr, b *buffer, perms defs.Perm, extraRefup bool) error {
	installed := 0
	for i, p := range b.frames {
		if extraRefup {
			m.frames.Refup(p)
		}
		v := vaddr + defs.VAddr(i)*defs.PageSize
		if err := m.port.Map(root, v, p, paging.Small, perms, b.cache, false); err != nil {
			if extraRefup {
				m.frames.Refdown(p)
			}
			for j := 0; j < installed; j++ {
				_ = m.port.Unmap(root, vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
			}
			return defs.Wrap(defs.MemoryMapFailed, "zerocopy.installRange", err)
		}
		installed++
	}
	return nil
}

// MapToKernel installs bid's frames into the kernel root with RW
// permissions regardless of direction, per spec.md §4.9.
func (m *Manager) MapToKernel(bid uint64) (defs.VAddr, error) {
	m.mu.Lock()
	b, ok := m.buffers[bid]
	if !ok {
		m.mu.Unlock()
		return 0, defs.E(defs.NotFound, "zerocopy.MapToKernel", nil)
	}
	if b.kernel != 0 {
		m.mu.Unlock()
		return 0, defs.E(defs.AlreadyMapped, "zerocopy.MapToKernel", nil)
	}
	vaddr, err := m.findFreeKernelRange(b.size)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	needRefup := b.user != nil
	m.mu.Unlock()

	if err := m.installRange(m.kernelRoot, vaddr, b, defs.PermR|defs.PermW, needRefup); err != nil {
		return 0, err
	}

	m.mu.Lock()
	b.kernel = vaddr
	m.used = append(m.used, vma.VMA{Start: vaddr, End: vaddr + b.size})
	m.mu.Unlock()
	return vaddr, nil
}

// MapToUser binds bid to process's address space, granting permissions
// derived from the buffer's direction. It fails if bid is already bound
// to a different process: at most one process may hold a user mapping
// of a given buffer at a time, per spec.md §4.9's invariant.
func (m *Manager) MapToUser(bid uint64, pid int, as AddressSpaceHandle, vaddr defs.VAddr) (defs.VAddr, error) {
	m.mu.Lock()
	b, ok := m.buffers[bid]
	if !ok {
		m.mu.Unlock()
		return 0, defs.E(defs.NotFound, "zerocopy.MapToUser", nil)
	}
	if b.user != nil {
		m.mu.Unlock()
		return 0, defs.E(defs.AlreadyMapped, "zerocopy.MapToUser", nil)
	}
	needRefup := b.kernel != 0
	m.mu.Unlock()

	as.Lock()
	defer as.Unlock()

	if vaddr == 0 {
		free, ok := as.Registry().FindFree(b.size, defs.PageSize)
		if !ok {
			return 0, defs.E(defs.OutOfMemory, "zerocopy.MapToUser", nil)
		}
		vaddr = free
	}

	perms := b.direction.userPerms() | defs.PermU
	if err := m.installRange(as.Root(), vaddr, b, perms, needRefup); err != nil {
		return 0, err
	}
	v := &vma.VMA{Start: vaddr, End: vaddr + b.size, Kind: vma.ZeroCopy, Perms: perms, Cache: b.cache, RegionID: bid}
	if err := as.Registry().Insert(v); err != nil {
		n := int(b.size / defs.PageSize)
		_ = m.port.Unmap(as.Root(), vaddr, n, paging.Small)
		return 0, err
	}

	m.mu.Lock()
	b.user = &userBinding{as: as, pid: pid, vaddr: vaddr}
	m.mu.Unlock()
	return vaddr, nil
}

// UnmapFromUser removes the current user mapping of bid, if any.
func (m *Manager) UnmapFromUser(bid uint64) error {
	m.mu.Lock()
	b, ok := m.buffers[bid]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "zerocopy.UnmapFromUser", nil)
	}
	bind := b.user
	if bind == nil {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "zerocopy.UnmapFromUser", nil)
	}
	b.user = nil
	n := int(b.size / defs.PageSize)
	m.mu.Unlock()

	bind.as.Lock()
	if err := m.port.Unmap(bind.as.Root(), bind.vaddr, n, paging.Small); err != nil {
		m.log.Warnf("zerocopy: unmap buffer %d from pid %d: %v", bid, bind.pid, err)
	}
	bind.as.Registry().Remove(bind.vaddr)
	bind.as.Unlock()
	return nil
}

// UnmapFromKernel removes bid's kernel mapping.
func (m *Manager) UnmapFromKernel(bid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[bid]
	if !ok {
		return defs.E(defs.NotFound, "zerocopy.UnmapFromKernel", nil)
	}
	if b.kernel == 0 {
		return defs.E(defs.NotFound, "zerocopy.UnmapFromKernel", nil)
	}
	n := int(b.size / defs.PageSize)
	_ = m.port.Unmap(m.kernelRoot, b.kernel, n, paging.Small)
	for i, u := range m.used {
		if u.Start == b.kernel {
			m.used = append(m.used[:i], m.used[i+1:]...)
			break
		}
	}
	b.kernel = 0
	return nil
}

// Destroy releases bid's frames. It mirrors teleport/hugepage semantics:
// refuses while any mapping (kernel or user) remains.
func (m *Manager) Destroy(bid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[bid]
	if !ok {
		return defs.E(defs.NotFound, "zerocopy.Destroy", nil)
	}
	if b.kernel != 0 || b.user != nil {
		return defs.E(defs.ResourceBusy, "zerocopy.Destroy", nil)
	}
	for _, p := range b.frames {
		m.frames.Refdown(p)
	}
	delete(m.buffers, bid)
	return nil
}

// ProcessExit clears the user binding of every buffer pid holds, without
// touching the page table: the exiting process's address space is torn
// down as a whole by its own caller, so there is nothing here to unmap.
func (m *Manager) ProcessExit(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buffers {
		if b.user != nil && b.user.pid == pid {
			b.user = nil
		}
	}
}

// bufferFrames returns bid's backing frame list, used by the
// write/read/clear helpers below to reach buffer contents directly
// without requiring a kernel mapping to exist first.
func (m *Manager) bufferFrames(bid uint64) ([]defs.PAddr, defs.VAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[bid]
	if !ok {
		return nil, 0, defs.E(defs.NotFound, "zerocopy.bufferFrames", nil)
	}
	return b.frames, b.size, nil
}

// WriteToBuffer copies src into bid starting at byte offset off, via the
// backing frames directly (no page-table walk needed since the frame
// list is already known), and returns the number of bytes written.
func (m *Manager) WriteToBuffer(bid uint64, off int, src []byte) (int, error) {
	frames, size, err := m.bufferFrames(bid)
	if err != nil {
		return 0, err
	}
	return m.copyBuffer(frames, size, off, src, true)
}

// ReadFromBuffer copies bid's contents starting at byte offset off into
// dst, and returns the number of bytes read.
func (m *Manager) ReadFromBuffer(bid uint64, off int, dst []byte) (int, error) {
	frames, size, err := m.bufferFrames(bid)
	if err != nil {
		return 0, err
	}
	return m.copyBuffer(frames, size, off, dst, false)
}

// ClearBuffer zero-fills bid's entire contents.
func (m *Manager) ClearBuffer(bid uint64) error {
	frames, _, err := m.bufferFrames(bid)
	if err != nil {
		return err
	}
	for _, p := range frames {
		buf := m.frames.Bytes(p)
		for i := range buf {
			buf[i] = 0
		}
	}
	return nil
}

// copyBuffer walks frames page by page, copying between data and each
// page's byte slice at the appropriate intra-page offset. toBuffer
// selects the direction: true copies data into the buffer, false copies
// the buffer into data. off and len(data) are clamped to size.
func (m *Manager) copyBuffer(frames []defs.PAddr, size defs.VAddr, off int, data []byte, toBuffer bool) (int, error) {
	if off < 0 || defs.VAddr(off) >= size {
		return 0, nil
	}
	pageSize := int(defs.PageSize)
	remaining := int(size) - off
	if len(data) < remaining {
		remaining = len(data)
	}
	total := 0
	for total < remaining {
		absOff := off + total
		idx := absOff / pageSize
		pageOff := absOff % pageSize
		page := m.frames.Bytes(frames[idx])
		n := pageSize - pageOff
		if left := remaining - total; n > left {
			n = left
		}
		if toBuffer {
			copy(page[pageOff:pageOff+n], data[total:total+n])
		} else {
			copy(data[total:total+n], page[pageOff:pageOff+n])
		}
		total += n
	}
	return total, nil
}
