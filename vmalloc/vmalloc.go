// Package vmalloc implements the kernel virtual allocator from
// spec.md §4.13: a contiguous virtual range backed by individually
// allocated (not necessarily contiguous) physical frames. It is
// grounded on mem/dmap.go's dedicated kernel virtual-band constants for
// the idea of a reserved band, and on mem/mem.go's per-frame
// allocate/free for backing, assembled into the first-fit allocator the
// teacher itself does not implement as a standalone component.
package vmalloc

import (
	"sort"
	"sync"

	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/paging"
)

type record struct {
	vaddr  defs.VAddr
	size   defs.VAddr
	frames []defs.PAddr
}

// Allocator hands out virtual ranges from [floor, ceiling) backed by
// individually allocated frames, tracked in an ordered map of live
// allocations for first-fit search.
type Allocator struct {
	port   *paging.Port
	frames *frame.Backend
	root   paging.Root

	floor, ceiling defs.VAddr

	mu      sync.Mutex
	records []*record // sorted by vaddr
	byAddr  map[defs.VAddr]*record
}

// New builds an Allocator that installs mappings into root from the
// dedicated band [floor, ceiling).
func New(port *paging.Port, frames *frame.Backend, root paging.Root, floor, ceiling defs.VAddr) *Allocator {
	return &Allocator{
		port: port, frames: frames, root: root,
		floor: floor, ceiling: ceiling,
		byAddr: make(map[defs.VAddr]*record),
	}
}

func (a *Allocator) findFree(size, align defs.VAddr) (defs.VAddr, error) {
	cursor := defs.AlignUp(a.floor, align)
	for _, r := range a.records {
		if r.vaddr >= cursor && r.vaddr-cursor >= size {
			return cursor, nil
		}
		if end := r.vaddr + r.size; end > cursor {
			cursor = defs.AlignUp(end, align)
		}
	}
	if a.ceiling-cursor >= size {
		return cursor, nil
	}
	return 0, defs.E(defs.OutOfMemory, "vmalloc.findFree", nil)
}

func (a *Allocator) insertRecord(r *record) {
	i := sort.Search(len(a.records), func(i int) bool { return a.records[i].vaddr >= r.vaddr })
	a.records = append(a.records, nil)
	copy(a.records[i+1:], a.records[i:])
	a.records[i] = r
	a.byAddr[r.vaddr] = r
}

func (a *Allocator) removeRecord(r *record) {
	i := sort.Search(len(a.records), func(i int) bool { return a.records[i].vaddr >= r.vaddr })
	if i < len(a.records) && a.records[i] == r {
		a.records = append(a.records[:i], a.records[i+1:]...)
	}
	delete(a.byAddr, r.vaddr)
}

func (a *Allocator) allocInternal(size, align defs.VAddr, zeroed bool) (defs.VAddr, error) {
	size = defs.AlignUp(size, defs.PageSize)
	if align < defs.PageSize {
		align = defs.PageSize
	}
	n := int(size / defs.PageSize)

	frames := make([]defs.PAddr, n)
	for i := 0; i < n; i++ {
		var p defs.PAddr
		var err error
		if zeroed {
			p, err = a.frames.AllocZeroed()
		} else {
			p, err = a.frames.AllocRaw()
		}
		if err != nil {
			for _, prev := range frames[:i] {
				a.frames.Refdown(prev)
			}
			return 0, defs.Wrap(defs.OutOfMemory, "vmalloc.alloc", err)
		}
		frames[i] = p
	}

	a.mu.Lock()
	vaddr, err := a.findFree(size, align)
	if err != nil {
		a.mu.Unlock()
		for _, p := range frames {
			a.frames.Refdown(p)
		}
		return 0, err
	}

	installed := 0
	for i, p := range frames {
		v := vaddr + defs.VAddr(i)*defs.PageSize
		if err := a.port.Map(a.root, v, p, paging.Small, defs.PermR|defs.PermW, defs.CacheWriteBack, false); err != nil {
			for j := 0; j < installed; j++ {
				_ = a.port.Unmap(a.root, vaddr+defs.VAddr(j)*defs.PageSize, 1, paging.Small)
			}
			for _, q := range frames[installed:] {
				a.frames.Refdown(q)
			}
			a.mu.Unlock()
			return 0, defs.Wrap(defs.MemoryMapFailed, "vmalloc.alloc", err)
		}
		installed++
	}

	a.insertRecord(&record{vaddr: vaddr, size: size, frames: frames})
	a.mu.Unlock()
	return vaddr, nil
}

// Alloc reserves a virtual range of at least size bytes, aligned to
// align, backs it with raw (uninitialized) frames, and installs a RW
// mapping across the whole range.
func (a *Allocator) Alloc(size, align defs.VAddr) (defs.VAddr, error) {
	return a.allocInternal(size, align, false)
}

// Zalloc is Alloc with zeroed frames.
func (a *Allocator) Zalloc(size, align defs.VAddr) (defs.VAddr, error) {
	return a.allocInternal(size, align, true)
}

// Free unmaps and releases every frame backing the allocation that
// started at vaddr.
func (a *Allocator) Free(vaddr defs.VAddr) error {
	a.mu.Lock()
	r, ok := a.byAddr[vaddr]
	if !ok {
		a.mu.Unlock()
		return defs.E(defs.NotFound, "vmalloc.Free", nil)
	}
	a.removeRecord(r)
	a.mu.Unlock()

	n := int(r.size / defs.PageSize)
	_ = a.port.Unmap(a.root, r.vaddr, n, paging.Small)
	return nil
}

// Size reports the size of the allocation starting at vaddr, if live.
func (a *Allocator) Size(vaddr defs.VAddr) (defs.VAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.byAddr[vaddr]
	if !ok {
		return 0, false
	}
	return r.size, true
}
