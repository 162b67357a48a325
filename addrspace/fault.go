package addrspace

import (
	"errors"
	"fmt"
	"io"

	"vmkernel/defs"
	"vmkernel/paging"
	"vmkernel/vma"
)

// HandleFault resolves a page fault at vaddr, per spec.md §4.4. It
// locates the covering VMA, checks the access against its permissions
// (allowing a CoW write through), then materializes and installs the
// resolved frame, deduplicating concurrent faults on the same page
// with a singleflight group so two racing faulters do not both
// allocate a frame.
func (as *AddressSpace) HandleFault(vaddr defs.VAddr, isWrite, isFetch bool) error {
	page := defs.AlignDown(vaddr, defs.PageSize)

	as.mu.RLock()
	v, ok := as.reg.Find(vaddr)
	if !ok {
		as.mu.RUnlock()
		return defs.E(defs.SegmentationFault, "addrspace.HandleFault", nil)
	}
	snapshot := *v
	as.mu.RUnlock()

	want := defs.PermR
	switch {
	case isWrite:
		want = defs.PermW
	case isFetch:
		want = defs.PermX
	}

	info, present := as.port.Info(as.root, page)
	cow := present && info.COW && isWrite && snapshot.Perms&defs.PermW != 0

	if !cow && snapshot.Perms&want == 0 {
		return defs.E(defs.PermissionDenied, "addrspace.HandleFault", nil)
	}

	key := fmt.Sprintf("%d:%d", as.root, page)
	_, err, _ := as.sg.Do(key, func() (interface{}, error) {
		if cow {
			return nil, as.resolveCOW(page, info)
		}
		return nil, as.materializeAndInstall(&snapshot, page, isWrite)
	})
	if err != nil {
		return err
	}

	as.port.FlushTLBRange(as.root, page, 1, paging.Small)
	as.metrics.FaultHandled(snapshot.Kind.String())
	return nil
}

// resolveCOW implements the CoW materializer from spec.md §4.5: a
// refcount of 1 means no other address space shares the frame, so the
// mapping is upgraded writable in place; otherwise a private copy is
// made and installed in this root only.
func (as *AddressSpace) resolveCOW(page defs.VAddr, info paging.PTEInfo) error {
	if as.frames.Refcnt(info.Paddr) == 1 {
		as.port.ClaimWritable(as.root, page)
		return nil
	}
	fresh, err := as.frames.AllocRaw()
	if err != nil {
		return defs.Wrap(defs.OutOfMemory, "addrspace.resolveCOW", err)
	}
	copy(as.frames.Bytes(fresh), as.frames.Bytes(info.Paddr))
	if err := as.port.Map(as.root, page, fresh, paging.Small, info.Perms|defs.PermW, info.Cache, true); err != nil {
		as.frames.Refdown(fresh)
		return defs.Wrap(defs.MemoryMapFailed, "addrspace.resolveCOW", err)
	}
	return nil
}

// materializeAndInstall resolves v's materializer for page, then
// installs the result. If the install loses a race to a concurrent
// fault (leaf already present), the freshly materialized frame is
// discarded rather than treated as an error, per spec.md §4.4 step 5.
func (as *AddressSpace) materializeAndInstall(v *vma.VMA, page defs.VAddr, isWrite bool) error {
	paddr, perms, owned, err := as.materialize(v, page)
	if err != nil {
		return err
	}
	if err := as.port.Map(as.root, page, paddr, paging.Small, perms, v.Cache, false); err != nil {
		if owned {
			as.frames.Refdown(paddr)
		}
		if defs.Is(err, defs.MemoryMapFailed) {
			return nil
		}
		return err
	}
	return nil
}

// materialize dispatches on VMA kind per spec.md §4.5. owned reports
// whether paddr was freshly allocated from the frame backend (and so
// must be released on a lost race), as opposed to borrowed from a
// region manager's own pool.
func (as *AddressSpace) materialize(v *vma.VMA, page defs.VAddr) (paddr defs.PAddr, perms defs.Perm, owned bool, err error) {
	switch v.Kind {
	case vma.Anonymous:
		p, aerr := as.frames.AllocZeroed()
		if aerr != nil {
			return 0, 0, false, defs.Wrap(defs.OutOfMemory, "addrspace.materialize", aerr)
		}
		return p, v.Perms, true, nil

	case vma.FileBacked:
		if v.File == nil || v.File.File == nil {
			return 0, 0, false, defs.E(defs.InvalidArgument, "addrspace.materialize", nil)
		}
		p, aerr := as.frames.AllocZeroed()
		if aerr != nil {
			return 0, 0, false, defs.Wrap(defs.OutOfMemory, "addrspace.materialize", aerr)
		}
		off := v.File.Offset + int64(page-v.Start)
		buf := as.frames.Bytes(p)
		n, rerr := v.File.File.ReadAt(off, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			as.frames.Refdown(p)
			return 0, 0, false, defs.Wrap(defs.Io, "addrspace.materialize", rerr)
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return p, v.Perms, true, nil

	case vma.Shared:
		if as.shared == nil {
			return 0, 0, false, defs.E(defs.NotFound, "addrspace.materialize", nil)
		}
		idx := int((page - v.Start) / defs.PageSize)
		p, ceiling, serr := as.shared.Resolve(v.RegionID, idx)
		if serr != nil {
			return 0, 0, false, serr
		}
		return p, v.Perms & ceiling, false, nil

	case vma.TelePage:
		if as.tele == nil {
			return 0, 0, false, defs.E(defs.NotFound, "addrspace.materialize", nil)
		}
		idx := int((page - v.Start) / defs.PageSize)
		p, terr := as.tele.Fetch(v.RegionID, idx)
		if terr != nil {
			return 0, 0, false, terr
		}
		return p, v.Perms, true, nil

	case vma.HugePage, vma.Device, vma.ZeroCopy:
		// Eagerly mapped at creation; a fault here means the entry was
		// evicted, which this core does not support (spec.md §4.5).
		return 0, 0, false, defs.E(defs.SegmentationFault, "addrspace.materialize", nil)

	default:
		return 0, 0, false, defs.E(defs.InvalidArgument, "addrspace.materialize", nil)
	}
}
