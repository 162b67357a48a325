package addrspace

import (
	"vmkernel/budget"
	"vmkernel/defs"
)

// maxCopyPages bounds a single CopyIn/CopyOut call, mirroring the
// teacher's bounds.Bounds guard around Userdmap8_inner's per-page loop
// in vm/as.go so a malicious length cannot spin the fault handler
// indefinitely.
const maxCopyPages = 1 << 20

// copyPage resolves uva's page, faulting it in for the requested
// access if necessary, and returns the page's backing bytes plus the
// in-page offset, a direct port of Userdmap8_inner.
func (as *AddressSpace) copyPage(uva defs.VAddr, write bool) ([]byte, int, error) {
	page := defs.AlignDown(uva, defs.PageSize)
	if _, ok := as.port.Translate(as.root, page); !ok {
		if err := as.HandleFault(page, write, false); err != nil {
			return nil, 0, err
		}
	} else if write {
		// Already present for read; re-fault to resolve CoW if needed.
		if info, ok := as.port.Info(as.root, page); ok && info.COW {
			if err := as.HandleFault(page, true, false); err != nil {
				return nil, 0, err
			}
		}
	}
	paddr, ok := as.port.Translate(as.root, page)
	if !ok {
		return nil, 0, defs.E(defs.SegmentationFault, "addrspace.copyPage", nil)
	}
	off := int(uva - page)
	return as.frames.Bytes(paddr), off, nil
}

// CopyIn reads len(dst) bytes starting at user address uva into dst,
// faulting pages in for read access as needed. A direct port of
// Userreadn.
func (as *AddressSpace) CopyIn(dst []byte, uva defs.VAddr) (int, error) {
	lim := budget.New("addrspace.CopyIn", maxCopyPages)
	n := 0
	for n < len(dst) {
		if err := lim.Step(); err != nil {
			return n, err
		}
		page, off, err := as.copyPage(uva+defs.VAddr(n), false)
		if err != nil {
			return n, err
		}
		c := copy(dst[n:], page[off:])
		n += c
	}
	return n, nil
}

// CopyOut writes src into user memory starting at uva, faulting pages
// in for write access (resolving CoW) as needed. A direct port of
// Userwriten.
func (as *AddressSpace) CopyOut(uva defs.VAddr, src []byte) (int, error) {
	lim := budget.New("addrspace.CopyOut", maxCopyPages)
	n := 0
	for n < len(src) {
		if err := lim.Step(); err != nil {
			return n, err
		}
		page, off, err := as.copyPage(uva+defs.VAddr(n), true)
		if err != nil {
			return n, err
		}
		c := copy(page[off:], src[n:])
		n += c
	}
	return n, nil
}

// UserBuffer is a bounds-checked window onto one contiguous user
// virtual range, a port of Userbuf_t.
type UserBuffer struct {
	as   *AddressSpace
	base defs.VAddr
	len  int
	off  int
}

// NewUserBuffer wraps [base, base+length) in as for Read/Write access.
func NewUserBuffer(as *AddressSpace, base defs.VAddr, length int) *UserBuffer {
	return &UserBuffer{as: as, base: base, len: length}
}

// Remaining reports how many bytes are left before the buffer is
// exhausted.
func (b *UserBuffer) Remaining() int { return b.len - b.off }

// Read copies from the user buffer into p, advancing the cursor.
func (b *UserBuffer) Read(p []byte) (int, error) {
	n := len(p)
	if n > b.Remaining() {
		n = b.Remaining()
	}
	if n == 0 {
		return 0, nil
	}
	got, err := b.as.CopyIn(p[:n], b.base+defs.VAddr(b.off))
	b.off += got
	return got, err
}

// Write copies p into the user buffer, advancing the cursor.
func (b *UserBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n > b.Remaining() {
		n = b.Remaining()
	}
	if n == 0 {
		return 0, nil
	}
	put, err := b.as.CopyOut(b.base+defs.VAddr(b.off), p[:n])
	b.off += put
	return put, err
}

// IOVec is a scatter/gather list of user buffers, a port of
// Useriovec_t.
type IOVec struct {
	bufs []*UserBuffer
	cur  int
}

// NewIOVec builds an IOVec covering each (base, length) pair in order.
func NewIOVec(as *AddressSpace, ranges [][2]defs.VAddr) *IOVec {
	bufs := make([]*UserBuffer, len(ranges))
	for i, r := range ranges {
		bufs[i] = NewUserBuffer(as, r[0], int(r[1]))
	}
	return &IOVec{bufs: bufs}
}

// Remaining reports the total bytes left across every not-yet-exhausted
// buffer in the vector.
func (v *IOVec) Remaining() int {
	total := 0
	for i := v.cur; i < len(v.bufs); i++ {
		total += v.bufs[i].Remaining()
	}
	return total
}

// Read fills p across the vector's buffers in order, advancing past
// exhausted buffers automatically.
func (v *IOVec) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && v.cur < len(v.bufs) {
		got, err := v.bufs[v.cur].Read(p[n:])
		n += got
		if err != nil {
			return n, err
		}
		if v.bufs[v.cur].Remaining() == 0 {
			v.cur++
		}
		if got == 0 && v.cur >= len(v.bufs) {
			break
		}
	}
	return n, nil
}

// Write drains p across the vector's buffers in order, advancing past
// exhausted buffers automatically.
func (v *IOVec) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) && v.cur < len(v.bufs) {
		put, err := v.bufs[v.cur].Write(p[n:])
		n += put
		if err != nil {
			return n, err
		}
		if v.bufs[v.cur].Remaining() == 0 {
			v.cur++
		}
		if put == 0 && v.cur >= len(v.bufs) {
			break
		}
	}
	return n, nil
}
