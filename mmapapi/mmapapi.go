// Package mmapapi is the user-facing mmap/munmap/mprotect composition
// from spec.md §4.6: pure policy glue resolving a request's backing
// kind and delegating to an addrspace.AddressSpace, grounded on the
// teacher's Vmadd_anon/Vmadd_file call shape (vm/as.go).
package mmapapi

import (
	"vmkernel/addrspace"
	"vmkernel/defs"
	"vmkernel/vma"
)

// Request describes an mmap call's inputs. Hint is only honored when
// Fixed is set. File is nil for an anonymous mapping.
// Shared is named after mmap(2)'s MAP_SHARED but is carried only as a
// VMA attribute (vma.FlagShared), for anonymous and file-backed
// mappings alike; it selects no distinct materialization path, so
// writes to a file-backed mapping are not seen by other mappers of the
// same file.
type Request struct {
	Hint      defs.VAddr
	Size      defs.VAddr
	Perms     defs.Perm
	Fixed     bool
	Populate  bool
	Locked    bool
	Shared    bool
	Anonymous bool
	File      *vma.FileBacking
	Cache     defs.CachePolicy
	Name      string
}

// Mmap resolves req's backing kind per spec.md §4.6 (Anonymous when
// req.Anonymous or no file is given, FileBacked otherwise) and installs
// the VMA in as.
func Mmap(as *addrspace.AddressSpace, req Request) (defs.VAddr, error) {
	kind := vma.Anonymous
	if !req.Anonymous && req.File != nil {
		kind = vma.FileBacked
	}
	return as.Map(req.Hint, req.Size, req.Perms, addrspace.MapFlags{
		Fixed:    req.Fixed,
		Populate: req.Populate,
		Locked:   req.Locked,
		Shared:   req.Shared,
	}, addrspace.Backing{
		Kind:  kind,
		File:  req.File,
		Cache: req.Cache,
		Name:  req.Name,
	})
}

// Munmap is the address-space unmap; partial unmaps split at the edges
// as described in spec.md §4.3.
func Munmap(as *addrspace.AddressSpace, vaddr, size defs.VAddr) error {
	return as.Unmap(vaddr, size)
}

// Mprotect is the address-space protect; a permission downgrade
// triggers a full-range TLB flush on every CPU running this address
// space, handled inside addrspace.Protect.
func Mprotect(as *addrspace.AddressSpace, vaddr, size defs.VAddr, perms defs.Perm) error {
	return as.Protect(vaddr, size, perms)
}
