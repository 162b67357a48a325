// Package paging is the narrow, architecture-neutral contract over the
// MMU described in spec.md §4.1: map/unmap/translate/permission-change/
// TLB-flush addressed by an explicit page-table root, never an
// implicit current-task. It is grounded on the bit-slicing in the
// teacher's mem/dmap.go (pgbits/mkpg/caddr) and the install/remove
// logic in vm/as.go (_page_insert/Page_remove/pmap_walk), generalized
// to run as ordinary Go over a frame.Backend arena instead of biscuit's
// patched-runtime recursive mapping trick.
package paging

import (
	"sync"
	"unsafe"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/klog"
)

// Root identifies a page-table root (the architecture-defined "cr3"
// analogue). It is simply the physical address of the top-level table.
type Root = defs.PAddr

// Observer receives notifications of leaf installs/removals, grounded
// on spec.md §4.11 ("kept in sync by a hook on paging-port mutations").
// The reverse map is the consumer in this module (wired by vmkernel);
// the safety layer does not register one.
type Observer interface {
	OnInstall(root Root, vaddr defs.VAddr, paddr defs.PAddr)
	OnRemove(root Root, vaddr defs.VAddr, paddr defs.PAddr)
}

// Port is the paging port: every subsystem that needs to manipulate a
// page table goes through one of these, constructed explicitly and
// passed to consumers rather than reached through package state.
type Port struct {
	backend   *frame.Backend
	log       klog.Sink
	cpus      *cpuSet
	mu        sync.RWMutex
	observers []Observer
}

// New builds a Port over the given frame backend.
func New(backend *frame.Backend, log klog.Sink) *Port {
	if log == nil {
		log = klog.Discard()
	}
	return &Port{backend: backend, log: log, cpus: newCPUSet()}
}

// AddObserver registers o to be notified of every future leaf
// install/remove across every root. Per spec.md §9 ("ambient logging
// and debug dumps ... optional observer callbacks"), this is additive
// and never required for correctness of the paging port itself.
func (p *Port) AddObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

func (p *Port) notifyInstall(root Root, vaddr defs.VAddr, paddr defs.PAddr) {
	p.mu.RLock()
	obs := p.observers
	p.mu.RUnlock()
	for _, o := range obs {
		o.OnInstall(root, vaddr, paddr)
	}
}

func (p *Port) notifyRemove(root Root, vaddr defs.VAddr, paddr defs.PAddr) {
	p.mu.RLock()
	obs := p.observers
	p.mu.RUnlock()
	for _, o := range obs {
		o.OnRemove(root, vaddr, paddr)
	}
}

func (p *Port) table(paddr defs.PAddr) *[512]pte {
	b := p.backend.Bytes(paddr)
	return (*[512]pte)(unsafe.Pointer(&b[0]))
}

// NewRoot allocates a fresh, empty page-table root.
func (p *Port) NewRoot() (Root, error) {
	pg, err := p.backend.AllocZeroed()
	if err != nil {
		return 0, defs.Wrap(defs.OutOfMemory, "paging.NewRoot", err)
	}
	return Root(pg), nil
}

// RegisterCPU brings up simulated CPU id for TLB-shootdown broadcast.
func (p *Port) RegisterCPU(id int) { p.cpus.Register(id) }

// UnregisterCPU tears down simulated CPU id.
func (p *Port) UnregisterCPU(id int) { p.cpus.Unregister(id) }

// Activate records that root is now loaded ("active") on CPU id.
func (p *Port) Activate(id int, root Root) { p.cpus.Activate(id, root) }

type chainLink struct {
	table defs.PAddr
	entry *pte
}

// walkChain returns the chain of (table, entry) pairs from the PML4
// down to the leaf level for vaddr, allocating intermediate tables on
// demand when alloc is true. ok is false when the path does not exist
// and alloc is false.
func (p *Port) walkChain(root Root, vaddr defs.VAddr, leafLevel int, alloc bool) (chain []chainLink, ok bool, err error) {
	chain = make([]chainLink, 0, 4-leafLevel)
	cur := defs.PAddr(root)
	for lvl := 3; ; lvl-- {
		tbl := p.table(cur)
		i := pageIndex(vaddr, uint(lvl))
		e := &tbl[i]
		chain = append(chain, chainLink{table: cur, entry: e})
		if lvl == leafLevel {
			return chain, true, nil
		}
		if !e.present() {
			if !alloc {
				return chain, false, nil
			}
			child, aerr := p.backend.AllocZeroed()
			if aerr != nil {
				return chain, false, defs.Wrap(defs.OutOfMemory, "paging.walk", aerr)
			}
			*e = pte(child) | pteP | pteW | pteU
		} else if e.huge() {
			return chain, false, defs.E(defs.InvalidArgument, "paging.walk", nil)
		}
		cur = addrOf(*e)
	}
}

func (p *Port) tableEmpty(paddr defs.PAddr) bool {
	tbl := p.table(paddr)
	for _, e := range tbl {
		if e.present() {
			return false
		}
	}
	return true
}

// Translate resolves vaddr against root without installing or
// allocating anything.
func (p *Port) Translate(root Root, vaddr defs.VAddr) (defs.PAddr, bool) {
	for _, class := range []Class{Small, Huge2, Huge1} {
		chain, ok, err := p.walkChain(root, vaddr, class.leafLevel(), false)
		if err != nil || !ok {
			continue
		}
		leaf := chain[len(chain)-1].entry
		if leaf.present() && leaf.huge() == (class != Small) {
			off := defs.VAddr(vaddr) & (class.Size() - 1)
			return addrOf(*leaf) + defs.PAddr(off), true
		}
	}
	return 0, false
}

// Map installs a single leaf mapping of the given class at vaddr,
// pointing at paddr, with perms/cache. If a mapping is already present
// it fails with MemoryMapFailed unless replace is set.
//
// Map does not itself adjust paddr's refcount: a fresh frame from
// frame.Backend.AllocZeroed/AllocRaw already carries the one reference
// its sole installer consumes here. A caller installing an
// already-referenced frame into an additional (root, vaddr) — cloning,
// or mapping a shared region into a second address space — must call
// the frame backend's Refup itself before this call, exactly
// mirroring the unconditional Refdown every Unmap performs.
func (p *Port) Map(root Root, vaddr defs.VAddr, paddr defs.PAddr, class Class, perms defs.Perm, cache defs.CachePolicy, replace bool) error {
	if !defs.PageAligned(vaddr) || !defs.PageAligned(defs.VAddr(paddr)) {
		return defs.E(defs.InvalidArgument, "paging.Map", nil)
	}
	chain, _, err := p.walkChain(root, vaddr, class.leafLevel(), true)
	if err != nil {
		return err
	}
	leaf := chain[len(chain)-1].entry
	if leaf.present() {
		if !replace {
			return defs.E(defs.MemoryMapFailed, "paging.Map", nil)
		}
		old := addrOf(*leaf)
		p.backend.Refdown(old)
	}
	bits := pteP | permBits(perms) | cacheBits(cache) | pteA
	if class != Small {
		bits |= ptePS
	}
	*leaf = pte(paddr) | bits
	p.notifyInstall(root, vaddr, paddr)
	return nil
}

// MapRange installs n consecutive mappings of the given class starting
// at vaddr, backed by physically-contiguous frames starting at paddr.
// On failure, every mapping this call installed is rolled back.
func (p *Port) MapRange(root Root, vaddr defs.VAddr, paddr defs.PAddr, n int, class Class, perms defs.Perm, cache defs.CachePolicy) error {
	step := class.Size()
	installed := 0
	for i := 0; i < n; i++ {
		v := vaddr + defs.VAddr(i)*step
		pa := paddr + defs.PAddr(i)*defs.PAddr(step)
		if err := p.Map(root, v, pa, class, perms, cache, false); err != nil {
			for j := 0; j < installed; j++ {
				_ = p.Unmap(root, vaddr+defs.VAddr(j)*step, 1, class)
			}
			return defs.E(defs.MemoryMapFailed, "paging.MapRange", err)
		}
		installed++
	}
	return nil
}

// Unmap removes n consecutive mappings of the given class starting at
// vaddr. Missing mappings are skipped (unmap is idempotent); page
// tables that become empty as a result are freed and unlinked from
// their parent.
func (p *Port) Unmap(root Root, vaddr defs.VAddr, n int, class Class) error {
	step := class.Size()
	for i := 0; i < n; i++ {
		v := vaddr + defs.VAddr(i)*step
		chain, ok, err := p.walkChain(root, v, class.leafLevel(), false)
		if err != nil || !ok {
			continue
		}
		leaf := chain[len(chain)-1].entry
		if !leaf.present() {
			continue
		}
		old := addrOf(*leaf)
		*leaf = 0
		p.backend.Refdown(old)
		p.notifyRemove(root, v, old)

		for lvl := len(chain) - 1; lvl >= 1; lvl-- {
			if !p.tableEmpty(chain[lvl].table) {
				break
			}
			parent := chain[lvl-1].entry
			*parent = 0
			p.backend.Refdown(chain[lvl].table)
		}
	}
	return nil
}

// ChangePermissions updates the permission bits of n consecutive
// mappings of the given class, leaving presence, address and cache bits
// untouched. It fails with NotFound if any targeted page is unmapped.
func (p *Port) ChangePermissions(root Root, vaddr defs.VAddr, n int, class Class, perms defs.Perm) error {
	step := class.Size()
	for i := 0; i < n; i++ {
		v := vaddr + defs.VAddr(i)*step
		chain, ok, err := p.walkChain(root, v, class.leafLevel(), false)
		if err != nil || !ok {
			return defs.E(defs.NotFound, "paging.ChangePermissions", nil)
		}
		leaf := chain[len(chain)-1].entry
		if !leaf.present() {
			return defs.E(defs.NotFound, "paging.ChangePermissions", nil)
		}
		keep := *leaf & (pteP | ptePS | pteAddrMask | pteCOW | pteWASCOW | pteA | pteD | ptePWT | ptePCD)
		*leaf = keep | permBits(perms)
	}
	return nil
}

// ChangeCache updates the cache-policy bits of n consecutive mappings.
func (p *Port) ChangeCache(root Root, vaddr defs.VAddr, n int, class Class, cache defs.CachePolicy) error {
	step := class.Size()
	for i := 0; i < n; i++ {
		v := vaddr + defs.VAddr(i)*step
		chain, ok, err := p.walkChain(root, v, class.leafLevel(), false)
		if err != nil || !ok {
			return defs.E(defs.NotFound, "paging.ChangeCache", nil)
		}
		leaf := chain[len(chain)-1].entry
		if !leaf.present() {
			return defs.E(defs.NotFound, "paging.ChangeCache", nil)
		}
		keep := *leaf &^ (ptePWT | ptePCD)
		*leaf = keep | cacheBits(cache)
	}
	return nil
}

// PTEInfo is a read-only snapshot of an installed leaf entry, used by
// the reverse map and diagnostics.
type PTEInfo struct {
	Paddr defs.PAddr
	Perms defs.Perm
	Cache defs.CachePolicy
	Class Class
	COW   bool
}

// Info returns the installed leaf entry covering vaddr, if any.
func (p *Port) Info(root Root, vaddr defs.VAddr) (PTEInfo, bool) {
	for _, class := range []Class{Small, Huge2, Huge1} {
		chain, ok, err := p.walkChain(root, vaddr, class.leafLevel(), false)
		if err != nil || !ok {
			continue
		}
		leaf := chain[len(chain)-1].entry
		if leaf.present() && leaf.huge() == (class != Small) {
			return PTEInfo{
				Paddr: addrOf(*leaf),
				Perms: permsOf(*leaf),
				Cache: cacheOf(*leaf),
				Class: class,
				COW:   leaf.cow(),
			}, true
		}
	}
	return PTEInfo{}, false
}

// markCOW clears the writable bit and sets the CoW software bit on the
// leaf covering vaddr. Clone does not call it (cloneLevel applies the
// same bit change inline); ClaimWritable is the inverse the fault
// handler uses.
func (p *Port) markCOW(root Root, vaddr defs.VAddr) bool {
	chain, ok, err := p.walkChain(root, vaddr, Small.leafLevel(), false)
	if err != nil || !ok {
		return false
	}
	leaf := chain[len(chain)-1].entry
	if !leaf.present() {
		return false
	}
	*leaf = (*leaf &^ pteW) | pteCOW
	return true
}

// ClaimWritable clears the CoW bit and sets writable+wasCOW in place,
// used when a CoW page's refcount is 1 and no copy is needed.
func (p *Port) ClaimWritable(root Root, vaddr defs.VAddr) bool {
	chain, ok, err := p.walkChain(root, vaddr, Small.leafLevel(), false)
	if err != nil || !ok {
		return false
	}
	leaf := chain[len(chain)-1].entry
	if !leaf.present() {
		return false
	}
	*leaf = (*leaf &^ pteCOW) | pteW | pteWASCOW
	return true
}

// Clone duplicates the page-table structure of src into a new root. If
// cow is true, every writable leaf becomes read-only and CoW-marked in
// both src and the new root, and the shared leaf frame's reference
// count is incremented once per new reference. If userOnly is true,
// only entries carrying the user-accessible bit are copied; kernel
// entries are left for the caller to install separately (e.g. shared
// globally across every address space).
func (p *Port) Clone(src Root, cow bool, userOnly bool) (Root, error) {
	dst, err := p.NewRoot()
	if err != nil {
		return 0, err
	}
	if err := p.cloneLevel(defs.PAddr(src), defs.PAddr(dst), 3, cow, userOnly); err != nil {
		p.DestroyRoot(dst)
		return 0, err
	}
	return dst, nil
}

func (p *Port) cloneLevel(srcTable, dstTable defs.PAddr, lvl int, cow, userOnly bool) error {
	st := p.table(srcTable)
	dt := p.table(dstTable)
	for i, e := range st {
		if !e.present() {
			continue
		}
		if userOnly && e&pteU == 0 {
			continue
		}
		if lvl == 0 || e.huge() {
			ne := e
			if cow && e.writable() {
				ne = (ne &^ pteW) | pteCOW
				st[i] = ne
				p.backend.Refup(addrOf(e))
			} else {
				p.backend.Refup(addrOf(e))
			}
			dt[i] = ne
			continue
		}
		child, err := p.backend.AllocZeroed()
		if err != nil {
			return defs.Wrap(defs.OutOfMemory, "paging.Clone", err)
		}
		dt[i] = pte(child) | (e & ^pteAddrMask)
		if err := p.cloneLevel(addrOf(e), child, lvl-1, cow, userOnly); err != nil {
			return err
		}
	}
	return nil
}

// DestroyRoot reclaims every intermediate page-table page reachable
// from root (not leaf data frames, which callers must already have
// unmapped) and then the root page itself.
func (p *Port) DestroyRoot(root Root) {
	p.destroyLevel(defs.PAddr(root), 3)
}

func (p *Port) destroyLevel(table defs.PAddr, lvl int) {
	if lvl > 0 {
		t := p.table(table)
		for _, e := range t {
			if e.present() && !e.huge() {
				p.destroyLevel(addrOf(e), lvl-1)
			}
		}
	}
	p.backend.Refdown(table)
}

// FlushTLBRange broadcasts a TLB invalidation for [start, start+n*size)
// to every simulated CPU currently running root, blocking until all of
// them acknowledge.
func (p *Port) FlushTLBRange(root Root, start defs.VAddr, n int, class Class) {
	_ = class
	p.cpus.Broadcast(defs.PAddr(root), start, n, false)
}

// FlushTLBAllCPUs invalidates every cached translation for root on
// every CPU currently running it.
func (p *Port) FlushTLBAllCPUs(root Root) {
	p.cpus.Broadcast(defs.PAddr(root), 0, 0, true)
}

// ActiveCPUCount reports how many simulated CPUs have root loaded.
func (p *Port) ActiveCPUCount(root Root) int { return p.cpus.ActiveCount(defs.PAddr(root)) }

// WalkLeaves visits every present leaf entry reachable from root, in
// address order, reporting its vaddr, paddr, mapping size and perms.
// Used to repopulate the reverse map from scratch (spec.md §4.11
// "a full walk of a page-table root can repopulate the index").
func (p *Port) WalkLeaves(root defs.PAddr, fn func(Leaf)) {
	p.walkLevel(defs.PAddr(root), 3, 0, fn)
}

// Leaf is one leaf entry observed by WalkLeaves.
type Leaf struct {
	Vaddr defs.VAddr
	Paddr defs.PAddr
	Size  defs.VAddr
	Perms defs.Perm
}

func (p *Port) walkLevel(table defs.PAddr, lvl int, base defs.VAddr, fn func(Leaf)) {
	tbl := p.table(table)
	shift := uint(12 + 9*lvl)
	for i, e := range tbl {
		if !e.present() {
			continue
		}
		entryBase := base | (defs.VAddr(i) << shift)
		if lvl == 0 || e.huge() {
			class := Small
			if lvl == 1 {
				class = Huge2
			} else if lvl == 2 {
				class = Huge1
			}
			fn(Leaf{Vaddr: entryBase, Paddr: addrOf(e), Size: class.Size(), Perms: permsOf(e)})
			continue
		}
		p.walkLevel(addrOf(e), lvl-1, entryBase, fn)
	}
}
