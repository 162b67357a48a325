// Package reversemap implements the physical-to-virtual reverse index
// from spec.md §4.11: given a frame, which (owner, vaddr) pairs
// currently map it, plus the inverse per-vaddr mapping-info lookup. It
// is grounded on the teacher's mem/mem.go Refaddr paddr-to-index
// lookup, generalized from a single index to a multi-valued set and
// fronted with an LRU cache for the hot query path spec.md calls out
// ("a small LRU cache accelerates repeated lookups by paddr").
package reversemap

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"vmkernel/defs"
	"vmkernel/paging"
)

// Owner identifies the address space a mapping belongs to. A paging
// root (its physical address) already uniquely names an address space,
// so it doubles as the owner id — no separate identity scheme needed.
type Owner = defs.PAddr

// Kind classifies a vaddr into one of the coarse bands spec.md §4.11
// names (kernel code/data/heap/MMIO, user code/heap/stack), as a pure
// function of address range, configured at startup.
type Kind int

const (
	KindUnknown Kind = iota
	KindKernelCode
	KindKernelData
	KindKernelHeap
	KindMMIO
	KindUserCode
	KindUserHeap
	KindUserStack
)

// Classifier maps a vaddr to its Kind band. Supplied at construction;
// every Add call consults it, including those Index.Rescan makes.
type Classifier func(defs.VAddr) Kind

// MappingInfo is the information recorded against one (owner, vaddr)
// leaf mapping.
type MappingInfo struct {
	Paddr defs.PAddr
	Size  defs.VAddr
	Owner Owner
	Kind  Kind
	Perms defs.Perm
}

// Ref names one (owner, vaddr) mapping of a frame.
type Ref struct {
	Owner Owner
	Vaddr defs.VAddr
}

// Index is the paddr -> {Ref} and (owner,vaddr) -> MappingInfo reverse
// map. Zero value is not usable; construct with New.
type Index struct {
	mu       sync.RWMutex
	byFrame  map[defs.PAddr]map[Ref]struct{}
	byVaddr  map[Ref]MappingInfo
	cache    *lru.Cache // paddr -> []Ref snapshot
	classify Classifier
}

func noopClassifier(defs.VAddr) Kind { return KindUnknown }

// New builds an Index whose query cache holds up to capacity recent
// frames' ref-set snapshots. classify may be nil, in which case every
// mapping classifies as KindUnknown.
func New(capacity int, classify Classifier) *Index {
	if capacity <= 0 {
		capacity = 1
	}
	if classify == nil {
		classify = noopClassifier
	}
	c, _ := lru.New(capacity)
	return &Index{
		byFrame:  make(map[defs.PAddr]map[Ref]struct{}),
		byVaddr:  make(map[Ref]MappingInfo),
		cache:    c,
		classify: classify,
	}
}

// Add records that (owner, vaddr) maps paddr with the given size and
// perms (the page or huge-page size, not necessarily defs.PageSize).
func (ix *Index) Add(paddr defs.PAddr, owner Owner, vaddr defs.VAddr, size defs.VAddr, perms defs.Perm) {
	ref := Ref{Owner: owner, Vaddr: vaddr}
	ix.mu.Lock()
	if ix.byFrame[paddr] == nil {
		ix.byFrame[paddr] = make(map[Ref]struct{})
	}
	ix.byFrame[paddr][ref] = struct{}{}
	ix.byVaddr[ref] = MappingInfo{Paddr: paddr, Size: size, Owner: owner, Kind: ix.classify(vaddr), Perms: perms}
	ix.mu.Unlock()
	ix.cache.Remove(paddr)
}

// Remove deletes the (owner, vaddr) mapping of paddr.
func (ix *Index) Remove(paddr defs.PAddr, owner Owner, vaddr defs.VAddr) {
	ref := Ref{Owner: owner, Vaddr: vaddr}
	ix.mu.Lock()
	if set, ok := ix.byFrame[paddr]; ok {
		delete(set, ref)
		if len(set) == 0 {
			delete(ix.byFrame, paddr)
		}
	}
	delete(ix.byVaddr, ref)
	ix.mu.Unlock()
	ix.cache.Remove(paddr)
}

// LookupVirtual returns an arbitrary one of the vaddrs currently
// mapping paddr, if any.
func (ix *Index) LookupVirtual(paddr defs.PAddr) (Ref, bool) {
	refs := ix.LookupAll(paddr)
	if len(refs) == 0 {
		return Ref{}, false
	}
	return refs[0], true
}

// LookupAll returns every (owner, vaddr) pair currently mapping paddr,
// serving from the LRU cache when a snapshot is still fresh.
func (ix *Index) LookupAll(paddr defs.PAddr) []Ref {
	if v, ok := ix.cache.Get(paddr); ok {
		return v.([]Ref)
	}
	ix.mu.RLock()
	set := ix.byFrame[paddr]
	out := make([]Ref, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	ix.mu.RUnlock()
	ix.cache.Add(paddr, out)
	return out
}

// Count reports how many distinct (owner, vaddr) pairs map paddr,
// without populating the query cache.
func (ix *Index) Count(paddr defs.PAddr) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byFrame[paddr])
}

// Info returns the recorded mapping info for (owner, vaddr).
func (ix *Index) Info(owner Owner, vaddr defs.VAddr) (MappingInfo, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	mi, ok := ix.byVaddr[Ref{Owner: owner, Vaddr: vaddr}]
	return mi, ok
}

// ByKind returns every recorded mapping classified as kind.
func (ix *Index) ByKind(kind Kind) []MappingInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []MappingInfo
	for _, mi := range ix.byVaddr {
		if mi.Kind == kind {
			out = append(out, mi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Paddr < out[j].Paddr })
	return out
}

// ByPhysicalRange returns every recorded mapping whose frame falls in
// [lo, hi).
func (ix *Index) ByPhysicalRange(lo, hi defs.PAddr) []MappingInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []MappingInfo
	for paddr := range ix.byFrame {
		if paddr < lo || paddr >= hi {
			continue
		}
		for ref := range ix.byFrame[paddr] {
			out = append(out, ix.byVaddr[ref])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Paddr < out[j].Paddr })
	return out
}

// Clear drops every recorded mapping, used before a Rescan.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.byFrame = make(map[defs.PAddr]map[Ref]struct{})
	ix.byVaddr = make(map[Ref]MappingInfo)
	ix.mu.Unlock()
	ix.cache.Purge()
}

// Leaf is one leaf entry observed by a Rescan walk.
type Leaf = paging.Leaf

// Walker is the narrow paging-port capability Rescan needs: a full
// walk of every installed leaf entry under a root. *paging.Port
// satisfies this via its WalkLeaves method.
type Walker interface {
	WalkLeaves(root defs.PAddr, fn func(Leaf))
}

// Rescan repopulates every entry belonging to owner by walking its
// page table from scratch, used when the index is suspected stale
// (per spec.md §4.11, "on demand, a full walk of a page-table root can
// repopulate the index"). It does not touch other owners' entries.
func (ix *Index) Rescan(owner Owner, w Walker) {
	ix.mu.Lock()
	for ref, mi := range ix.byVaddr {
		if ref.Owner != owner {
			continue
		}
		if set := ix.byFrame[mi.Paddr]; set != nil {
			delete(set, ref)
			if len(set) == 0 {
				delete(ix.byFrame, mi.Paddr)
			}
		}
		delete(ix.byVaddr, ref)
		ix.cache.Remove(mi.Paddr)
	}
	ix.mu.Unlock()

	w.WalkLeaves(owner, func(l Leaf) {
		ix.Add(l.Paddr, owner, l.Vaddr, l.Size, l.Perms)
	})
}
