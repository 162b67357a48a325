// Package vma implements the per-address-space registry of
// non-overlapping virtual memory areas described in spec.md §4.2. The
// registry itself carries no locking: per the lock hierarchy in §5, the
// address space that owns a Registry guards it with the same lock that
// guards its page-table root, exactly as the teacher's Vm_t embeds one
// mutex protecting both Vmregion and Pmap together.
package vma

import (
	"sort"

	"vmkernel/defs"
	"vmkernel/util"
)

// Kind is the VMA kind enum from spec.md §3.
type Kind int

const (
	Anonymous Kind = iota
	FileBacked
	Device
	Shared
	Stack
	KernelMapped
	TelePage
	ZeroCopy
	HugePage
)

func (k Kind) String() string {
	switch k {
	case Anonymous:
		return "Anonymous"
	case FileBacked:
		return "FileBacked"
	case Device:
		return "Device"
	case Shared:
		return "Shared"
	case Stack:
		return "Stack"
	case KernelMapped:
		return "KernelMapped"
	case TelePage:
		return "TelePage"
	case ZeroCopy:
		return "ZeroCopy"
	case HugePage:
		return "HugePage"
	default:
		return "?"
	}
}

// Flags are the per-VMA boolean attributes from spec.md §3.
type Flags uint8

const (
	FlagCOW Flags = 1 << iota
	FlagShared
	FlagLocked
	FlagPopulate
)

// FileBacking describes the (file, offset) backing of a file-mapped
// VMA, carried forward unchanged by Split so the offset always tracks
// the covered byte range.
type FileBacking struct {
	File    defs.FileReader
	Offset  int64 // byte offset of VMA.Start within File
	Unpin   defs.Unpin
	RegionID uint64
}

// VMA is a contiguous, page-aligned, half-open virtual range with
// uniform attributes, per spec.md §3.
type VMA struct {
	Start, End defs.VAddr
	Kind       Kind
	Perms      defs.Perm
	Cache      defs.CachePolicy
	Flags      Flags
	Name       string

	// File is non-nil for Kind == FileBacked (or a shared file mapping).
	File *FileBacking

	// PhysBase is the physical base for Device/Shared/HugePage backing.
	PhysBase defs.PAddr

	// RegionID names the owning manager's region for Shared, HugePage,
	// ZeroCopy and TelePage kinds.
	RegionID uint64
}

// Len returns the VMA's size in bytes.
func (v *VMA) Len() defs.VAddr { return v.End - v.Start }

// Contains reports whether vaddr falls within [Start, End).
func (v *VMA) Contains(vaddr defs.VAddr) bool { return vaddr >= v.Start && vaddr < v.End }

func (v *VMA) clone() *VMA {
	cp := *v
	if v.File != nil {
		fb := *v.File
		cp.File = &fb
	}
	return &cp
}

// sameAttrs reports whether two VMAs could be merged: same kind,
// perms, cache, name and kind-specific contiguity.
func sameAttrs(a, b *VMA) bool {
	if a.Kind != b.Kind || a.Perms != b.Perms || a.Cache != b.Cache ||
		a.Flags != b.Flags || a.Name != b.Name {
		return false
	}
	switch a.Kind {
	case FileBacked:
		if a.File == nil || b.File == nil || a.File.File != b.File.File {
			return false
		}
		return a.File.Offset+int64(a.Len()) == b.File.Offset
	case Device, Shared, HugePage:
		return a.PhysBase+defs.PAddr(a.Len()) == b.PhysBase
	default:
		return true
	}
}

// Registry is the ordered, non-overlapping set of VMAs belonging to one
// address space.
type Registry struct {
	entries []*VMA // sorted by Start
	floor   defs.VAddr
	ceiling defs.VAddr
}

// NewRegistry builds an empty registry bounded by [floor, ceiling) for
// FindFree.
func NewRegistry(floor, ceiling defs.VAddr) *Registry {
	return &Registry{floor: floor, ceiling: ceiling}
}

func (r *Registry) indexOf(start defs.VAddr) int {
	return sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Start >= start })
}

// validate checks the alignment/ordering invariants I2/I3 from
// spec.md §3.
func validate(v *VMA) error {
	if v.Start >= v.End {
		return defs.E(defs.InvalidArgument, "vma.Insert", nil)
	}
	if !defs.PageAligned(v.Start) || !defs.PageAligned(v.End) {
		return defs.E(defs.InvalidArgument, "vma.Insert", nil)
	}
	return nil
}

// Insert adds v to the registry. It fails with Overlap if any existing
// VMA intersects v's range, or InvalidArgument if v is misaligned or
// empty.
func (r *Registry) Insert(v *VMA) error {
	if err := validate(v); err != nil {
		return err
	}
	i := r.indexOf(v.Start)
	if i < len(r.entries) && util.Overlaps(v.Start, v.End, r.entries[i].Start, r.entries[i].End) {
		return defs.E(defs.Overlap, "vma.Insert", nil)
	}
	if i > 0 && util.Overlaps(v.Start, v.End, r.entries[i-1].Start, r.entries[i-1].End) {
		return defs.E(defs.Overlap, "vma.Insert", nil)
	}
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = v
	return nil
}

// Remove deletes the VMA starting exactly at start.
func (r *Registry) Remove(start defs.VAddr) (*VMA, error) {
	i := r.indexOf(start)
	if i >= len(r.entries) || r.entries[i].Start != start {
		return nil, defs.E(defs.NotFound, "vma.Remove", nil)
	}
	v := r.entries[i]
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	return v, nil
}

// Find returns the unique VMA containing vaddr, if any.
func (r *Registry) Find(vaddr defs.VAddr) (*VMA, bool) {
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].End > vaddr })
	if i < len(r.entries) && r.entries[i].Contains(vaddr) {
		return r.entries[i], true
	}
	return nil, false
}

// FindOverlapping returns every VMA whose range intersects [start,end),
// in address order.
func (r *Registry) FindOverlapping(start, end defs.VAddr) []*VMA {
	var out []*VMA
	for _, v := range r.entries {
		if v.Start >= end {
			break
		}
		if util.Overlaps(start, end, v.Start, v.End) {
			out = append(out, v)
		}
	}
	return out
}

// Split replaces the VMA containing vaddr with two adjacent VMAs
// [start,vaddr) and [vaddr,end), provided vaddr is strictly interior.
// File-backed VMAs carry their offset forward by (vaddr-start). It is a
// no-op (returns ok=false) if vaddr is not strictly interior to any
// VMA.
func (r *Registry) Split(vaddr defs.VAddr) (left, right *VMA, ok bool) {
	v, found := r.Find(vaddr)
	if !found || vaddr <= v.Start || vaddr >= v.End {
		return nil, nil, false
	}
	left = v.clone()
	left.End = vaddr
	right = v.clone()
	right.Start = vaddr
	if v.Kind == FileBacked && v.File != nil {
		right.File.Offset = v.File.Offset + int64(vaddr-v.Start)
	}
	if v.Kind == Device || v.Kind == Shared || v.Kind == HugePage {
		right.PhysBase = v.PhysBase + defs.PAddr(vaddr-v.Start)
	}
	i := r.indexOf(v.Start)
	r.entries[i] = left
	r.entries = append(r.entries, nil)
	copy(r.entries[i+2:], r.entries[i+1:])
	r.entries[i+1] = right
	return left, right, true
}

// MergeAdjacent coalesces pairs of VMAs where end_i == start_{i+1} and
// every attribute matches, per spec.md's merge contract. It returns the
// number of merges performed.
func (r *Registry) MergeAdjacent() int {
	merged := 0
	for i := 0; i < len(r.entries)-1; {
		a, b := r.entries[i], r.entries[i+1]
		if a.End == b.Start && sameAttrs(a, b) {
			a.End = b.End
			r.entries = append(r.entries[:i+1], r.entries[i+2:]...)
			merged++
			continue
		}
		i++
	}
	return merged
}

// FindFree returns the lowest-address gap of at least size bytes,
// aligned to alignment, between existing VMAs and within [floor,
// ceiling), using a first-fit linear scan over the ordered registry.
func (r *Registry) FindFree(size, alignment defs.VAddr) (defs.VAddr, bool) {
	cursor := defs.AlignUp(r.floor, alignment)
	for _, v := range r.entries {
		if v.Start >= cursor && v.Start-cursor >= size {
			return cursor, true
		}
		if v.End > cursor {
			cursor = defs.AlignUp(v.End, alignment)
		}
	}
	if r.ceiling-cursor >= size {
		return cursor, true
	}
	return 0, false
}

// Iterate returns every VMA in address order. Callers must not mutate
// the returned slice's VMAs concurrently with other registry
// operations.
func (r *Registry) Iterate() []*VMA {
	out := make([]*VMA, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of VMAs currently tracked.
func (r *Registry) Len() int { return len(r.entries) }

// Floor and Ceiling report the bounds FindFree searches within, used by
// AddressSpace.Clone to build an equivalently-bounded registry.
func (r *Registry) Floor() defs.VAddr   { return r.floor }
func (r *Registry) Ceiling() defs.VAddr { return r.ceiling }

// Clear removes every VMA from the registry.
func (r *Registry) Clear() { r.entries = nil }
