// Package telepage implements the remote-memory proxy from spec.md
// §4.10: a VMA whose pages are fetched eagerly from a remote node at
// map time and, if the mapping was written, written back at unmap time.
// It has no direct teacher
// equivalent (biscuit is single-node); it is grounded on mem/mem.go's
// Dmap (physical-to-local-vaddr mapping) for the single-owner frame
// lifecycle and on teleport's manager shape for the region bookkeeping,
// but needs none of teleport's shared-frame refcount pinning since a
// tele-page mapping is never installed into more than one address
// space at once.
package telepage

import (
	"sync"
	"sync/atomic"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
	"vmkernel/paging"
	"vmkernel/vma"
)

// Transport is the external collaborator that actually moves bytes to
// and from the remote node, per spec.md §6.
type Transport interface {
	FetchRemotePage(node uint64, remotePAddr uint64) ([]byte, error)
	WriteBackRemotePage(node uint64, remotePAddr uint64, data []byte) error
}

// AddressSpaceHandle is the capability map_remote/unmap need from a
// consumer address space, identical in shape to hugepage/teleport's.
type AddressSpaceHandle interface {
	Root() paging.Root
	Lock()
	Unlock()
	Registry() *vma.Registry
}

type mapping struct {
	id         uint64
	node       uint64
	remoteBase uint64
	size       defs.VAddr
	perms      defs.Perm
	cache      defs.CachePolicy
	frames     []defs.PAddr
	vaddr      defs.VAddr
	as         AddressSpaceHandle
	lastTick   uint64
	dirty      bool
}

func (mp *mapping) pages() int { return int(mp.size / defs.PageSize) }

// Manager owns every live remote mapping and implements
// addrspace.TelePageFetcher so a TelePage VMA can also be demand-paged
// (e.g. after a partial unmap/re-fault) through the generic fault path.
type Manager struct {
	frames    *frame.Backend
	port      *paging.Port
	transport Transport
	log       klog.Sink

	mu      sync.Mutex
	nextID  uint64
	clock   uint64
	byID    map[uint64]*mapping
	byVAddr map[defs.VAddr]*mapping
}

// New builds an empty Manager backed by transport.
func New(frames *frame.Backend, port *paging.Port, transport Transport, log klog.Sink) *Manager {
	if log == nil {
		log = klog.Discard()
	}
	return &Manager{
		frames: frames, port: port, transport: transport, log: log,
		byID: make(map[uint64]*mapping), byVAddr: make(map[defs.VAddr]*mapping),
	}
}

// MapRemote picks a local vaddr from as's registry, fetches every page
// of [remotePAddr, remotePAddr+size) from node into freshly allocated
// local frames, and installs the mapping, per spec.md §4.10.
func (m *Manager) MapRemote(node uint64, remotePAddr uint64, size defs.VAddr, perms defs.Perm, as AddressSpaceHandle, cache defs.CachePolicy) (defs.VAddr, error) {
	n := int(defs.AlignUp(size, defs.PageSize) / defs.PageSize)
	if n <= 0 {
		return 0, defs.E(defs.InvalidArgument, "telepage.MapRemote", nil)
	}
	total := defs.AlignUp(size, defs.PageSize)

	frames := make([]defs.PAddr, n)
	for i := 0; i < n; i++ {
		p, err := m.frames.AllocRaw()
		if err != nil {
			for _, prev := range frames[:i] {
				m.frames.Refdown(prev)
			}
			return 0, defs.Wrap(defs.OutOfMemory, "telepage.MapRemote", err)
		}
		data, ferr := m.transport.FetchRemotePage(node, remotePAddr+uint64(i)*uint64(defs.PageSize))
		if ferr != nil {
			for _, prev := range frames[:i] {
				m.frames.Refdown(prev)
			}
			m.frames.Refdown(p)
			return 0, defs.Wrap(defs.Io, "telepage.MapRemote", ferr)
		}
		copy(m.frames.Bytes(p), data)
		frames[i] = p
	}

	as.Lock()
	defer as.Unlock()

	vaddr, ok := as.Registry().FindFree(total, defs.PageSize)
	if !ok {
		for _, p := range frames {
			m.frames.Refdown(p)
		}
		return 0, defs.E(defs.OutOfMemory, "telepage.MapRemote", nil)
	}

	installed := 0
	for i, p := range frames {
		v := vaddr + defs.VAddr(i)*defs.PageSize
		if err := m.port.Map(as.Root(), v, p, paging.Small, perms, cache, false); err != nil {
			for j := 0; j < installed; j++ {
				_ = m.port.Unmap(as.Root(), vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
			}
			for _, q := range frames[installed:] {
				m.frames.Refdown(q)
			}
			return 0, defs.Wrap(defs.MemoryMapFailed, "telepage.MapRemote", err)
		}
		installed++
	}

	m.mu.Lock()
	id := atomic.AddUint64(&m.nextID, 1)
	mp := &mapping{
		id: id, node: node, remoteBase: remotePAddr, size: total, perms: perms,
		cache: cache, frames: frames, vaddr: vaddr, as: as, lastTick: m.clock,
	}
	m.byID[id] = mp
	m.byVAddr[vaddr] = mp
	m.mu.Unlock()

	v := &vma.VMA{Start: vaddr, End: vaddr + total, Kind: vma.TelePage, Perms: perms, Cache: cache, RegionID: id}
	if err := as.Registry().Insert(v); err != nil {
		for j := 0; j < installed; j++ {
			_ = m.port.Unmap(as.Root(), vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
		}
		m.mu.Lock()
		delete(m.byID, id)
		delete(m.byVAddr, vaddr)
		m.mu.Unlock()
		return 0, err
	}
	return vaddr, nil
}

// Unmap writes every local frame back to its remote counterpart if the
// mapping's dirty bit is set, removes the page-table mapping and
// registry entry, and releases the local frames, per spec.md §4.10. The
// dirty bit, not an unconditional writeback, is what gates the remote
// write: a mapping only ever touched by reads costs nothing to retire.
func (m *Manager) Unmap(localVAddr defs.VAddr, as AddressSpaceHandle) error {
	m.mu.Lock()
	mp, ok := m.byVAddr[localVAddr]
	if !ok {
		m.mu.Unlock()
		return defs.E(defs.NotFound, "telepage.Unmap", nil)
	}
	delete(m.byID, mp.id)
	delete(m.byVAddr, localVAddr)
	dirty := mp.dirty
	m.mu.Unlock()

	if dirty {
		for i, p := range mp.frames {
			data := m.frames.Bytes(p)
			if err := m.transport.WriteBackRemotePage(mp.node, mp.remoteBase+uint64(i)*uint64(defs.PageSize), data); err != nil {
				m.log.Warnf("telepage: write back page %d of mapping %d: %v", i, mp.id, err)
			}
		}
	}

	as.Lock()
	if err := m.port.Unmap(as.Root(), mp.vaddr, mp.pages(), paging.Small); err != nil {
		m.log.Warnf("telepage: unmap mapping %d: %v", mp.id, err)
	}
	as.Registry().Remove(mp.vaddr)
	as.Unlock()
	return nil
}

// Tick advances the coarse clock used for LRU bookkeeping.
func (m *Manager) Tick() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock++
	return m.clock
}

// RecordAccess stamps the mapping covering localVAddr with the current
// clock value, used by read/write helpers on the fault path to keep LRU
// bookkeeping current.
func (m *Manager) RecordAccess(localVAddr defs.VAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.byVAddr[localVAddr]; ok {
		mp.lastTick = m.clock
	}
}

// LastTick reports the clock value at the mapping's most recent access,
// or (0, false) if localVAddr names no live mapping.
func (m *Manager) LastTick(localVAddr defs.VAddr) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byVAddr[localVAddr]
	if !ok {
		return 0, false
	}
	return mp.lastTick, true
}

func (m *Manager) lookup(localVAddr defs.VAddr) *mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byVAddr[localVAddr]
}

// ReadFromMapping copies localVAddr's mapping contents starting at byte
// offset off into dst, recording the access against the descriptor's
// LRU tick.
func (m *Manager) ReadFromMapping(localVAddr defs.VAddr, off int, dst []byte) (int, error) {
	mp := m.lookup(localVAddr)
	if mp == nil {
		return 0, defs.E(defs.NotFound, "telepage.ReadFromMapping", nil)
	}
	n := m.copyPages(mp.frames, mp.size, off, dst, false)
	m.RecordAccess(localVAddr)
	return n, nil
}

// WriteToMapping copies src into localVAddr's mapping starting at byte
// offset off, setting the descriptor's dirty bit so Unmap writes the
// mapping back to its remote node.
func (m *Manager) WriteToMapping(localVAddr defs.VAddr, off int, src []byte) (int, error) {
	mp := m.lookup(localVAddr)
	if mp == nil {
		return 0, defs.E(defs.NotFound, "telepage.WriteToMapping", nil)
	}
	n := m.copyPages(mp.frames, mp.size, off, src, true)
	m.mu.Lock()
	mp.dirty = true
	mp.lastTick = m.clock
	m.mu.Unlock()
	return n, nil
}

// copyPages walks frames page by page, copying between data and each
// page's byte slice at the appropriate intra-page offset. toBuffer
// selects the direction: true copies data into the mapping, false
// copies the mapping into data.
func (m *Manager) copyPages(frames []defs.PAddr, size defs.VAddr, off int, data []byte, toBuffer bool) int {
	if off < 0 || defs.VAddr(off) >= size {
		return 0
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
	return total
}

// Fetch implements addrspace.TelePageFetcher: it re-fetches pageIndex
// of the mapping named by regionID from its remote node into a fresh
// local frame, for the demand-paging path triggered by a fault on an
// already-registered TelePage VMA whose page was evicted or never
// installed.
func (m *Manager) Fetch(regionID uint64, pageIndex int) (defs.PAddr, error) {
	m.mu.Lock()
	mp, ok := m.byID[regionID]
	if !ok {
		m.mu.Unlock()
		return 0, defs.E(defs.NotFound, "telepage.Fetch", nil)
	}
	if pageIndex < 0 || pageIndex >= mp.pages() {
		m.mu.Unlock()
		return 0, defs.E(defs.InvalidArgument, "telepage.Fetch", nil)
	}
	node, remote := mp.node, mp.remoteBase+uint64(pageIndex)*uint64(defs.PageSize)
	m.mu.Unlock()

	p, err := m.frames.AllocRaw()
	if err != nil {
		return 0, defs.Wrap(defs.OutOfMemory, "telepage.Fetch", err)
	}
	data, err := m.transport.FetchRemotePage(node, remote)
	if err != nil {
		m.frames.Refdown(p)
		return 0, defs.Wrap(defs.Io, "telepage.Fetch", err)
	}
	copy(m.frames.Bytes(p), data)
	return p, nil
}
