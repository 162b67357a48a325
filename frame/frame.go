// Package frame is the frame backend external collaborator from
// spec.md §6: it obtains and releases physical frames, tracks a
// per-frame reference count, and hands out a direct mapping from a
// physical address to its bytes.
//
// The teacher (biscuit's mem/mem.go Physmem_t) bootstraps its backing
// store from a patched Go runtime (runtime.Get_phys, runtime.Cpuid) and
// cannot run outside biscuit's own kernel. Here the "physical memory"
// is a real anonymous mapping obtained with golang.org/x/sys/unix, so a
// frame's address is an ordinary offset into that mapping and the
// "direct map" the teacher builds with recursive page-table tricks
// degrades to a slice index.
package frame

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"vmkernel/defs"
)

const noFrame = ^uint32(0)

type pageRecord struct {
	refcnt int32
	nexti  uint32
}

// Backend manages a fixed-size arena of physical frames with refcounted
// ownership, mirroring biscuit's Physmem_t free-list/refcount design.
type Backend struct {
	mu     sync.Mutex
	arena  []byte
	pages  []pageRecord
	freeHd uint32
	freeN  int32
	zero   defs.PAddr
	closed bool
}

// New allocates an anonymous arena of npages pages and initializes the
// free list over it.
func New(npages int) (*Backend, error) {
	if npages <= 0 {
		return nil, defs.E(defs.InvalidArgument, "frame.New", nil)
	}
	size := npages * int(defs.PageSize)
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, defs.Wrap(defs.OutOfMemory, "frame.New", err)
	}
	b := &Backend{
		arena: arena,
		pages: make([]pageRecord, npages),
	}
	for i := 0; i < npages-1; i++ {
		b.pages[i].nexti = uint32(i + 1)
	}
	b.pages[npages-1].nexti = noFrame
	b.freeHd = 0
	b.freeN = int32(npages)

	zpg, ok := b.allocLocked()
	if !ok {
		_ = unix.Munmap(arena)
		return nil, defs.E(defs.OutOfMemory, "frame.New", nil)
	}
	for i := range b.Bytes(zpg) {
		b.Bytes(zpg)[i] = 0
	}
	b.zero = zpg
	b.Refup(zpg)
	return b, nil
}

// Close releases the arena. It is the caller's responsibility to have
// unmapped every consumer first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Munmap(b.arena)
}

// ZeroPage is the refcounted, always-present zero-filled frame reserved
// by New. The anonymous materializer does not use it: it allocates a
// fresh zeroed frame for every fault, read or write.
func (b *Backend) ZeroPage() defs.PAddr { return b.zero }

func (b *Backend) idx(p defs.PAddr) int { return int(uintptr(p) >> defs.PageShift) }

func (b *Backend) allocLocked() (defs.PAddr, bool) {
	if b.freeHd == noFrame {
		return 0, false
	}
	idx := b.freeHd
	b.freeHd = b.pages[idx].nexti
	b.freeN--
	b.pages[idx].refcnt = 1
	return defs.PAddr(uintptr(idx) << defs.PageShift), true
}

// AllocZeroed allocates a single frame, zeroed, with refcount 1.
func (b *Backend) AllocZeroed() (defs.PAddr, error) {
	p, err := b.AllocRaw()
	if err != nil {
		return 0, err
	}
	buf := b.Bytes(p)
	for i := range buf {
		buf[i] = 0
	}
	return p, nil
}

// AllocRaw allocates a single frame with refcount 1 and unspecified
// contents, mirroring Refpg_new_nozero.
func (b *Backend) AllocRaw() (defs.PAddr, error) {
	b.mu.Lock()
	p, ok := b.allocLocked()
	b.mu.Unlock()
	if !ok {
		return 0, defs.E(defs.OutOfMemory, "frame.AllocRaw", nil)
	}
	return p, nil
}

// AllocContiguous allocates n physically-contiguous, huge-alignment
// frames (e.g. for the huge-page manager). It is O(n) over the arena
// and intended for rare, large allocations, not the hot fault path.
func (b *Backend) AllocContiguous(n int, align defs.VAddr) (defs.PAddr, error) {
	if n <= 0 {
		return 0, defs.E(defs.InvalidArgument, "frame.AllocContiguous", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	alignPages := int(align / defs.PageSize)
	if alignPages < 1 {
		alignPages = 1
	}
	total := len(b.pages)
	for start := 0; start+n <= total; start += alignPages {
		allFree := true
		for i := 0; i < n; i++ {
			if b.pages[start+i].refcnt != 0 {
				allFree = false
				break
			}
		}
		if !allFree {
			continue
		}
		// Remove each page from the singly-linked free list by rebuilding it.
		taken := make(map[uint32]bool, n)
		for i := 0; i < n; i++ {
			taken[uint32(start+i)] = true
			b.pages[start+i].refcnt = 1
		}
		var newHead uint32 = noFrame
		var tail *uint32 = &newHead
		for cur := b.freeHd; cur != noFrame; {
			next := b.pages[cur].nexti
			if !taken[cur] {
				*tail = cur
				tail = &b.pages[cur].nexti
			}
			cur = next
		}
		*tail = noFrame
		b.freeHd = newHead
		b.freeN -= int32(n)
		return defs.PAddr(uintptr(start) << defs.PageShift), nil
	}
	return 0, defs.E(defs.OutOfMemory, "frame.AllocContiguous", nil)
}

// FreeContiguous releases n frames starting at p back to the free list
// without consulting refcounts; the huge-page manager uses it to
// release a region once it holds no user or kernel mapping, while the
// region's base frame still carries the manager's pin.
func (b *Backend) FreeContiguous(p defs.PAddr, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.idx(p)
	for i := 0; i < n; i++ {
		idx := uint32(start + i)
		b.pages[idx].refcnt = 0
		b.pages[idx].nexti = b.freeHd
		b.freeHd = idx
	}
	b.freeN += int32(n)
}

// Refup increments a frame's reference count.
func (b *Backend) Refup(p defs.PAddr) {
	idx := b.idx(p)
	c := atomic.AddInt32(&b.pages[idx].refcnt, 1)
	if c <= 0 {
		panic("frame: refup on dead frame")
	}
}

// Refdown decrements a frame's reference count, returning the frame to
// the free list and returning true when it reaches zero.
func (b *Backend) Refdown(p defs.PAddr) bool {
	idx := b.idx(p)
	c := atomic.AddInt32(&b.pages[idx].refcnt, -1)
	if c < 0 {
		panic("frame: refdown below zero")
	}
	if c != 0 {
		return false
	}
	b.mu.Lock()
	b.pages[idx].nexti = b.freeHd
	b.freeHd = uint32(idx)
	b.freeN++
	b.mu.Unlock()
	return true
}

// Refcnt returns a frame's current reference count.
func (b *Backend) Refcnt(p defs.PAddr) int {
	idx := b.idx(p)
	return int(atomic.LoadInt32(&b.pages[idx].refcnt))
}

// Bytes returns the direct-mapped byte slice backing the frame at p,
// the host-process analogue of the teacher's Physmem.Dmap.
func (b *Backend) Bytes(p defs.PAddr) []byte {
	off := int(p)
	return b.arena[off : off+int(defs.PageSize) : off+int(defs.PageSize)]
}

// FreeCount reports the number of currently-unallocated frames.
func (b *Backend) FreeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.freeN)
}

// TotalPages reports the arena's total frame count.
func (b *Backend) TotalPages() int { return len(b.pages) }
