package vmkernel

import (
	"vmkernel/defs"
	"vmkernel/paging"
	"vmkernel/reversemap"
)

// reverseObserver adapts reversemap.Index to paging.Observer, per
// spec.md §4.11 ("kept in sync by a hook on paging-port mutations"). It
// is the one piece of glue reversemap itself cannot provide: Observer
// callbacks only carry (root, vaddr, paddr), so the adapter consults
// the port for the leaf's size and permissions before recording it.
type reverseObserver struct {
	index *reversemap.Index
	port  *paging.Port
}

func (o *reverseObserver) OnInstall(root paging.Root, vaddr defs.VAddr, paddr defs.PAddr) {
	info, ok := o.port.Info(root, vaddr)
	if !ok {
		return
	}
	o.index.Add(paddr, reversemap.Owner(root), vaddr, info.Class.Size(), info.Perms)
}

func (o *reverseObserver) OnRemove(root paging.Root, vaddr defs.VAddr, paddr defs.PAddr) {
	o.index.Remove(paddr, reversemap.Owner(root), vaddr)
}
