// Package addrspace implements the address space described in
// spec.md §4.3: the composition of a page-table root and a VMA
// registry, plus the fault handler (§4.4) and materializers (§4.5)
// that resolve faults against it. It is grounded on the teacher's
// vm/as.go Vm_t (one embedded mutex guarding both the region registry
// and the page table) and Sys_pgfault.
package addrspace

import (
	"sync"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
	"vmkernel/kmetrics"
	"vmkernel/paging"
	"vmkernel/util"
	"vmkernel/vma"

	"golang.org/x/sync/singleflight"
)

// SharedResolver is the capability a Shared (teleport) VMA's fault path
// needs: given a region id and page index, return the backing frame
// and the region's permission ceiling, per spec.md §4.5 ("retrieve the
// region by id; ... install with perms = min(requested, region.ceiling)").
// The returned frame's reference count must already account for this
// new (root, vaddr) install — paging.Port.Map installs the leaf without
// touching refcount, so Resolve itself must Refup before returning
// when the frame is already mapped elsewhere.
type SharedResolver interface {
	Resolve(regionID uint64, pageIndex int) (defs.PAddr, defs.Perm, error)
}

// TelePageFetcher is the capability a TelePage VMA's fault path needs:
// fetch the remote page's contents into a freshly allocated local
// frame, per spec.md §4.5. The returned frame is fresh (refcount 1,
// consumed by the fault path's own install), matching Anonymous and
// FileBacked materialization.
type TelePageFetcher interface {
	Fetch(regionID uint64, pageIndex int) (defs.PAddr, error)
}

// Config wires an AddressSpace's external collaborators. Port and
// Frames are required; the rest are optional.
type Config struct {
	Port    *paging.Port
	Frames  *frame.Backend
	Floor   defs.VAddr
	Ceiling defs.VAddr
	Log     klog.Sink
	Metrics kmetrics.Recorder
	Shared  SharedResolver
	Tele    TelePageFetcher
}

// AddressSpace is the page-table-root-plus-VMA-registry composition
// from spec.md §4.3. All mutation goes through its single lock,
// mirroring Vm_t's Lock_pmap guarding both Vmregion and Pmap together.
type AddressSpace struct {
	port    *paging.Port
	frames  *frame.Backend
	log     klog.Sink
	metrics kmetrics.Recorder
	shared  SharedResolver
	tele    TelePageFetcher

	mu     sync.RWMutex
	root   paging.Root
	reg    *vma.Registry
	closed bool

	sg singleflight.Group
}

// MapFlags are the per-call attributes from spec.md §4.3/§4.6. Shared
// is recorded on the new VMA as vma.FlagShared and nothing more: it
// does not change how pages are materialized, so a file-backed page is
// still a private copy of the file's bytes and writes through it are
// not seen by other mappers of the same file.
type MapFlags struct {
	Fixed    bool
	Populate bool
	Locked   bool
	Shared   bool
}

// Backing describes what a newly inserted VMA is backed by.
type Backing struct {
	Kind     vma.Kind
	File     *vma.FileBacking
	PhysBase defs.PAddr
	RegionID uint64
	Cache    defs.CachePolicy
	Name     string
}

// New builds an address space with a fresh, empty page-table root and
// an empty VMA registry bounded by [cfg.Floor, cfg.Ceiling).
func New(cfg Config) (*AddressSpace, error) {
	if cfg.Log == nil {
		cfg.Log = klog.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = kmetrics.Discard()
	}
	root, err := cfg.Port.NewRoot()
	if err != nil {
		return nil, defs.Wrap(defs.OutOfMemory, "addrspace.New", err)
	}
	return &AddressSpace{
		port:    cfg.Port,
		frames:  cfg.Frames,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		shared:  cfg.Shared,
		tele:    cfg.Tele,
		root:    root,
		reg:     vma.NewRegistry(cfg.Floor, cfg.Ceiling),
	}, nil
}

// Root returns the page-table root identifying this address space. It
// doubles as the reverse map's owner id and as the teleport/huge-page
// manager's address-space handle (spec.md §4.7/§4.8 take root
// directly).
func (as *AddressSpace) Root() paging.Root { return as.root }

// Port returns the shared paging port this address space installs
// mappings through.
func (as *AddressSpace) Port() *paging.Port { return as.port }

// Lock and Unlock expose the address-space-wide registry lock
// (lock-hierarchy level 3 in spec.md §5) directly to the region
// managers in §4.7–§4.10, which take a root and must install their own
// multi-page mappings and registry entries atomically with respect to
// concurrent map/unmap/protect calls — mirroring the teacher's exported
// Lock_pmap/Unlock_pmap.
func (as *AddressSpace) Lock()    { as.mu.Lock() }
func (as *AddressSpace) Unlock()  { as.mu.Unlock() }
func (as *AddressSpace) RLock()   { as.mu.RLock() }
func (as *AddressSpace) RUnlock() { as.mu.RUnlock() }

// Registry returns the VMA registry. Callers must hold Lock/RLock.
func (as *AddressSpace) Registry() *vma.Registry { return as.reg }

// Map resolves the target range and records a new VMA, per spec.md
// §4.3. If flags.Fixed is set, hint is required and any overlap is
// unmapped first; otherwise the registry's find_free is consulted. If
// flags.Populate is set, every page in range is materialized
// immediately.
func (as *AddressSpace) Map(hint, size defs.VAddr, perms defs.Perm, flags MapFlags, backing Backing) (defs.VAddr, error) {
	if size == 0 {
		return 0, defs.E(defs.InvalidArgument, "addrspace.Map", nil)
	}
	size = defs.AlignUp(size, defs.PageSize)

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return 0, defs.E(defs.InvalidArgument, "addrspace.Map", nil)
	}

	var start defs.VAddr
	if flags.Fixed {
		if !defs.PageAligned(hint) {
			return 0, defs.E(defs.InvalidArgument, "addrspace.Map", nil)
		}
		start = hint
		if err := as.unmapLocked(start, size); err != nil {
			return 0, err
		}
	} else {
		v, ok := as.reg.FindFree(size, defs.PageSize)
		if !ok {
			return 0, defs.E(defs.OutOfMemory, "addrspace.Map", nil)
		}
		start = v
	}

	v := &vma.VMA{
		Start: start, End: start + size,
		Kind: backing.Kind, Perms: perms, Cache: backing.Cache, Name: backing.Name,
		File: backing.File, PhysBase: backing.PhysBase, RegionID: backing.RegionID,
	}
	if flags.Locked {
		v.Flags |= vma.FlagLocked
	}
	if flags.Shared {
		v.Flags |= vma.FlagShared
	}
	if err := as.reg.Insert(v); err != nil {
		return 0, err
	}

	if flags.Populate {
		installed := defs.VAddr(0)
		for p := start; p < start+size; p += defs.PageSize {
			if err := as.materializeAndInstall(v, p, perms&defs.PermW != 0); err != nil {
				as.reg.Remove(start)
				if installed > 0 {
					_ = as.port.Unmap(as.root, start, int(installed/defs.PageSize), paging.Small)
				}
				return 0, err
			}
			installed += defs.PageSize
		}
	}
	return start, nil
}

// Unmap removes every VMA (or VMA fragment) overlapping [vaddr,
// vaddr+size), splitting at the edges as needed, per spec.md §4.3.
func (as *AddressSpace) Unmap(vaddr, size defs.VAddr) error {
	if size == 0 || !defs.PageAligned(vaddr) {
		return defs.E(defs.InvalidArgument, "addrspace.Unmap", nil)
	}
	size = defs.AlignUp(size, defs.PageSize)
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.unmapLocked(vaddr, size)
}

func (as *AddressSpace) unmapLocked(start, size defs.VAddr) error {
	end := start + size
	for {
		overlaps := as.reg.FindOverlapping(start, end)
		if len(overlaps) == 0 {
			return nil
		}
		v := overlaps[0]
		if v.Kind == vma.HugePage {
			return defs.E(defs.InvalidArgument, "addrspace.Unmap", nil)
		}
		effStart := util.Max(v.Start, start)
		effEnd := util.Min(v.End, end)

		switch {
		case effStart == v.Start && effEnd == v.End:
			as.reg.Remove(v.Start)
		case effStart == v.Start:
			as.reg.Split(effEnd)
			as.reg.Remove(v.Start)
		case effEnd == v.End:
			as.reg.Split(effStart)
			as.reg.Remove(effStart)
		default:
			as.reg.Split(effStart)
			as.reg.Split(effEnd)
			as.reg.Remove(effStart)
		}

		as.releaseBeforeUnmap(v, effStart, effEnd)
		n := int((effEnd - effStart) / defs.PageSize)
		if err := as.port.Unmap(as.root, effStart, n, paging.Small); err != nil {
			as.log.Warnf("addrspace: unmap %d pages at %#x: %v", n, effStart, err)
		}
	}
}

func (as *AddressSpace) releaseBeforeUnmap(v *vma.VMA, start, end defs.VAddr) {
	if v.Kind != vma.FileBacked || v.File == nil || v.File.Unpin == nil {
		return
	}
	for p := start; p < end; p += defs.PageSize {
		if paddr, ok := as.port.Translate(as.root, p); ok {
			v.File.Unpin.Unpin(paddr)
		}
	}
}

// Protect updates the permissions of every VMA (or fragment) in
// [vaddr, vaddr+size), splitting at the edges as needed, and updates
// every installed leaf entry in range. A full-coverage TLB flush is
// issued if any permission bit was dropped.
func (as *AddressSpace) Protect(vaddr, size defs.VAddr, newPerms defs.Perm) error {
	if size == 0 || !defs.PageAligned(vaddr) {
		return defs.E(defs.InvalidArgument, "addrspace.Protect", nil)
	}
	size = defs.AlignUp(size, defs.PageSize)
	as.mu.Lock()
	defer as.mu.Unlock()

	end := vaddr + size
	downgrade := false
	cur := vaddr
	for cur < end {
		overlaps := as.reg.FindOverlapping(cur, end)
		if len(overlaps) == 0 {
			break
		}
		v := overlaps[0]
		effStart := util.Max(v.Start, cur)
		effEnd := util.Min(v.End, end)
		if effStart > v.Start {
			as.reg.Split(effStart)
		}
		if effEnd < v.End {
			as.reg.Split(effEnd)
		}
		cur = effEnd
		nv, ok := as.reg.Find(effStart)
		if !ok {
			continue
		}
		if nv.Perms&^newPerms != 0 {
			downgrade = true
		}
		nv.Perms = newPerms

		for p := effStart; p < effEnd; p += defs.PageSize {
			if err := as.port.ChangePermissions(as.root, p, 1, paging.Small, newPerms); err != nil && !defs.Is(err, defs.NotFound) {
				return err
			}
		}
	}
	if downgrade {
		as.port.FlushTLBAllCPUs(as.root)
	}
	return nil
}

// IterateVMAs returns every VMA currently registered, in address
// order.
func (as *AddressSpace) IterateVMAs() []*vma.VMA {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.reg.Iterate()
}

// Dump logs a one-line summary of every VMA, a diagnostic aid per
// spec.md §4.3.
func (as *AddressSpace) Dump() {
	as.mu.RLock()
	defer as.mu.RUnlock()
	for _, v := range as.reg.Iterate() {
		as.log.Infof("vma [%#x,%#x) kind=%s perms=%s name=%q", v.Start, v.End, v.Kind, v.Perms, v.Name)
	}
}

// Clone duplicates this address space's page-table structure and VMA
// registry into a new AddressSpace, per spec.md §4.1's
// clone(cow,user_only) extended to carry the registry along, per the
// end-to-end "CoW after clone" scenario in spec.md §8.
func (as *AddressSpace) Clone(cow bool) (*AddressSpace, error) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	newRoot, err := as.port.Clone(as.root, cow, false)
	if err != nil {
		return nil, defs.Wrap(defs.OutOfMemory, "addrspace.Clone", err)
	}
	child := &AddressSpace{
		port: as.port, frames: as.frames, log: as.log, metrics: as.metrics,
		shared: as.shared, tele: as.tele,
		root: newRoot,
		reg:  vma.NewRegistry(as.reg.Floor(), as.reg.Ceiling()),
	}
	for _, v := range as.reg.Iterate() {
		cp := *v
		if v.File != nil {
			fb := *v.File
			cp.File = &fb
		}
		if cow {
			cp.Flags |= vma.FlagCOW
		}
		if err := child.reg.Insert(&cp); err != nil {
			as.port.DestroyRoot(newRoot)
			return nil, err
		}
	}
	return child, nil
}

// Close tears down the address space: every installed leaf mapping
// outside HugePage and ZeroCopy VMAs is released (refcounts dropped)
// and the page-table structure freed.
// Per spec.md §7 ("errors during address-space teardown are logged and
// ignored; the address space is destroyed unconditionally"), Close
// never fails.
func (as *AddressSpace) Close() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return
	}
	for _, v := range as.reg.Iterate() {
		n := int((v.End - v.Start) / defs.PageSize)
		if v.Kind == vma.HugePage || v.Kind == vma.ZeroCopy {
			// Both managers only Refup a frame on a second-or-later
			// install (see hugepage/zerocopy's DESIGN.md notes); an
			// unconditional Unmap/Refdown here would drop a first
			// install's implicit allocation reference out from under a
			// buffer/region that a ProcessExit hook already marked as
			// no longer bound to this pid but that other code may still
			// rebind. Their own managers own this teardown instead.
			continue
		}
		if err := as.port.Unmap(as.root, v.Start, n, paging.Small); err != nil {
			as.log.Warnf("addrspace: close unmap %#x: %v", v.Start, err)
		}
	}
	as.port.DestroyRoot(as.root)
	as.reg.Clear()
	as.closed = true
}
