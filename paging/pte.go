package paging

import "vmkernel/defs"

// pte is a single page-table entry. Bit layout mirrors the teacher's
// mem/mem.go PTE_* constants (an x86-64-shaped 4-level layout); it is
// the one place in the module that knows about raw page-table bits,
// per the design note in spec.md §9 ("confine [page-table interior
// mutability] to the paging port").
type pte uint64

const (
	pteP      pte = 1 << 0 // present
	pteW      pte = 1 << 1 // writable
	pteU      pte = 1 << 2 // user-accessible
	ptePWT    pte = 1 << 3 // page write-through
	ptePCD    pte = 1 << 4 // page cache disable
	pteA      pte = 1 << 5 // accessed
	pteD      pte = 1 << 6 // dirty
	ptePS     pte = 1 << 7 // page size (huge leaf)
	pteG      pte = 1 << 8 // global
	pteCOW    pte = 1 << 9  // software: copy-on-write
	pteWASCOW pte = 1 << 10 // software: upgraded from a CoW mapping
	pteNX     pte = 1 << 63 // no-execute
)

const pteAddrMask pte = 0x000f_ffff_ffff_f000

func addrOf(e pte) defs.PAddr { return defs.PAddr(e & pteAddrMask) }

func (e pte) present() bool { return e&pteP != 0 }
func (e pte) huge() bool    { return e&ptePS != 0 }
func (e pte) cow() bool     { return e&pteCOW != 0 }
func (e pte) wasCOW() bool  { return e&pteWASCOW != 0 }
func (e pte) writable() bool { return e&pteW != 0 }

func permsOf(e pte) defs.Perm {
	var p defs.Perm
	p |= defs.PermR
	if e&pteW != 0 {
		p |= defs.PermW
	}
	if e&pteU != 0 {
		p |= defs.PermU
	}
	if e&pteNX == 0 {
		p |= defs.PermX
	}
	return p
}

func permBits(p defs.Perm) pte {
	var e pte
	if p&defs.PermW != 0 {
		e |= pteW
	}
	if p&defs.PermU != 0 {
		e |= pteU
	}
	if p&defs.PermX == 0 {
		e |= pteNX
	}
	return e
}

func cacheBits(c defs.CachePolicy) pte {
	switch c {
	case defs.CacheWriteThrough:
		return ptePWT
	case defs.CacheUncacheable:
		return ptePCD
	case defs.CacheDevice:
		return ptePCD | ptePWT
	default:
		return 0
	}
}

func cacheOf(e pte) defs.CachePolicy {
	switch {
	case e&ptePCD != 0 && e&ptePWT != 0:
		return defs.CacheDevice
	case e&ptePCD != 0:
		return defs.CacheUncacheable
	case e&ptePWT != 0:
		return defs.CacheWriteThrough
	default:
		return defs.CacheWriteBack
	}
}

// Class identifies the leaf granularity of a mapping: standard page,
// 2 MiB huge page, or 1 GiB huge page.
type Class int

const (
	Small Class = iota
	Huge2
	Huge1
)

// Size returns the byte size of the mapping class.
func (c Class) Size() defs.VAddr {
	switch c {
	case Huge2:
		return defs.HugeSize2
	case Huge1:
		return defs.HugeSize1
	default:
		return defs.PageSize
	}
}

// leafLevel returns the page-table level (0 = PT, 1 = PD, 2 = PDPT, 3 =
// PML4) at which a mapping of this class terminates.
func (c Class) leafLevel() int {
	switch c {
	case Huge2:
		return 1
	case Huge1:
		return 2
	default:
		return 0
	}
}

func pageIndex(v defs.VAddr, level uint) uint {
	shift := 12 + 9*level
	return uint(v>>shift) & 0x1ff
}
