package defs

// VAddr is an opaque, word-sized virtual address. All arithmetic on it
// is explicit: callers add, align down or align up, never treat it as
// a pointer.
type VAddr uintptr

// PAddr is an opaque, word-sized physical address.
type PAddr uintptr

// Page and huge-page sizes, named P/H2/H1 in spec.md.
const (
	PageShift uint  = 12
	PageSize  VAddr = 1 << PageShift // P: 4 KiB
	HugeSize2 VAddr = 2 << 20        // H2: 2 MiB
	HugeSize1 VAddr = 1 << 30        // H1: 1 GiB
)

// PageOffsetMask masks the in-page offset of an address.
const PageOffsetMask VAddr = PageSize - 1

// AlignDown rounds v down to the nearest multiple of align (which must
// be a power of two).
func AlignDown(v, align VAddr) VAddr { return v &^ (align - 1) }

// AlignUp rounds v up to the nearest multiple of align.
func AlignUp(v, align VAddr) VAddr { return AlignDown(v+align-1, align) }

// PageAligned reports whether v is aligned to the page size.
func PageAligned(v VAddr) bool { return v&PageOffsetMask == 0 }

// Add returns v+n as a VAddr, explicit per the "all arithmetic is
// explicit" rule in spec.md §3.
func (v VAddr) Add(n VAddr) VAddr { return v + n }

// Sub returns v-n as a VAddr.
func (v VAddr) Sub(n VAddr) VAddr { return v - n }

// PageIndex returns the page number of v.
func (v VAddr) PageIndex() uintptr { return uintptr(v) >> PageShift }

// Perm is a small permission bitset: {R, W, X, U}.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermU
)

// Superset reports whether p contains every bit set in other, used by
// the testable property "the covering VMA's permissions are a superset
// of the installed entry's permissions".
func (p Perm) Superset(other Perm) bool { return other&^p == 0 }

func (p Perm) String() string {
	s := [4]byte{'-', '-', '-', '-'}
	if p&PermR != 0 {
		s[0] = 'r'
	}
	if p&PermW != 0 {
		s[1] = 'w'
	}
	if p&PermX != 0 {
		s[2] = 'x'
	}
	if p&PermU != 0 {
		s[3] = 'u'
	}
	return string(s[:])
}

// CachePolicy is the cache-attribute enum attached to a VMA and to each
// installed page-table entry.
type CachePolicy uint8

const (
	CacheWriteBack CachePolicy = iota
	CacheWriteThrough
	CacheUncacheable
	CacheDevice
)

func (c CachePolicy) String() string {
	switch c {
	case CacheWriteBack:
		return "WB"
	case CacheWriteThrough:
		return "WT"
	case CacheUncacheable:
		return "UC"
	case CacheDevice:
		return "Device"
	default:
		return "?"
	}
}
