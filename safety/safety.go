// Package safety implements the pluggable verification layer from
// spec.md §4.12: guard pages, allocation/deallocation tracking with an
// initialization bitmap, a stack probe, and a periodic leak scan. It
// has no direct teacher equivalent (biscuit ships no guard-page/UAF
// layer). It does not register a paging.Observer: it calls
// paging.Port.Unmap directly to clear guard pages, and reports
// violations through klog.Sink and kmetrics.Recorder.
package safety

import (
	"sort"
	"sync"
	"time"

	"vmkernel/defs"
	"vmkernel/klog"
	"vmkernel/kmetrics"
	"vmkernel/paging"
)

// Level selects how much verification is active. Levels are additive:
// each higher level activates everything the levels below it do.
type Level int

const (
	Disabled Level = iota
	Minimal
	Standard
	Strict
	Debug
)

// Class classifies a detected violation, per spec.md §4.12.
type Class int

const (
	BufferOverflow Class = iota
	UseAfterFree
	UninitializedRead
	NullDeref
	WriteToReadOnly
	PrivilegeViolation
	StackOverflow
)

func (c Class) String() string {
	switch c {
	case BufferOverflow:
		return "buffer_overflow"
	case UseAfterFree:
		return "use_after_free"
	case UninitializedRead:
		return "uninitialized_read"
	case NullDeref:
		return "null_deref"
	case WriteToReadOnly:
		return "write_to_readonly"
	case PrivilegeViolation:
		return "privilege_violation"
	case StackOverflow:
		return "stack_overflow"
	default:
		return "unknown"
	}
}

// Violation describes one detected event, passed to every subscriber.
type Violation struct {
	Class    Class
	Root     paging.Root
	VAddr    defs.VAddr
	IsWrite  bool
	IsFetch  bool
}

// Handler receives violations of the classes it was registered for.
// Handlers registered for the same class are chained: every one runs,
// in registration order, regardless of what earlier handlers did.
type Handler func(Violation)

type guardKey struct {
	root  paging.Root
	vaddr defs.VAddr
}

type allocation struct {
	base defs.VAddr
	size defs.VAddr
	init []bool // per-byte initialization bitmap
	born time.Time
}

// LeakReport describes one allocation the leak scan judged stale.
type LeakReport struct {
	Base defs.VAddr
	Size defs.VAddr
	Age  time.Duration
}

// Layer is one configured instance of the verification stack. The zero
// value is not usable; construct with New.
type Layer struct {
	level   Level
	port    *paging.Port
	log     klog.Sink
	metrics kmetrics.Recorder

	mu          sync.Mutex
	guards      map[guardKey]Class
	allocations map[defs.VAddr]*allocation
	freed       map[defs.VAddr]struct{}
	handlers    map[Class][]Handler
}

// New builds a Layer at the given level. port is used to revoke page
// presence on free at Strict+ and may be nil at lower levels.
func New(level Level, port *paging.Port, log klog.Sink, metrics kmetrics.Recorder) *Layer {
	if log == nil {
		log = klog.Discard()
	}
	if metrics == nil {
		metrics = kmetrics.Discard()
	}
	return &Layer{
		level: level, port: port, log: log, metrics: metrics,
		guards:      make(map[guardKey]Class),
		allocations: make(map[defs.VAddr]*allocation),
		freed:       make(map[defs.VAddr]struct{}),
		handlers:    make(map[Class][]Handler),
	}
}

// Level reports the layer's active verification level.
func (l *Layer) Level() Level { return l.level }

// OnHandler registers fn to be invoked, in addition to the default
// log-and-count behavior, whenever a violation of class is raised.
func (l *Layer) OnHandler(class Class, fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[class] = append(l.handlers[class], fn)
}

// raise invokes every subscriber chained for v.Class, then the default
// handler (log + counter), per spec.md §4.12 ("the default logs and
// increments a counter without terminating").
func (l *Layer) raise(v Violation) {
	l.mu.Lock()
	chain := append([]Handler(nil), l.handlers[v.Class]...)
	l.mu.Unlock()
	for _, h := range chain {
		h(v)
	}
	l.log.Warnf("safety: %s at vaddr=%#x root=%#x write=%v fetch=%v", v.Class, v.VAddr, v.Root, v.IsWrite, v.IsFetch)
	l.metrics.SafetyViolation(v.Class.String())
}

// GuardPage designates vaddr within root as a guard page: any mapping
// there is removed, and a subsequent fault at vaddr classifies as
// reason via ClassifyFault. No-op below Minimal.
func (l *Layer) GuardPage(root paging.Root, vaddr defs.VAddr, reason Class) {
	if l.level < Minimal {
		return
	}
	if l.port != nil {
		_ = l.port.Unmap(root, vaddr, 1, paging.Small)
	}
	l.mu.Lock()
	l.guards[guardKey{root: root, vaddr: defs.AlignDown(vaddr, defs.PageSize)}] = reason
	l.mu.Unlock()
}

// RemoveGuard retracts a previously registered guard page.
func (l *Layer) RemoveGuard(root paging.Root, vaddr defs.VAddr) {
	l.mu.Lock()
	delete(l.guards, guardKey{root: root, vaddr: defs.AlignDown(vaddr, defs.PageSize)})
	l.mu.Unlock()
}

// ClassifyFault inspects a fault at vaddr and, if it matches a
// registered guard page or the null page, raises the corresponding
// violation and returns its class. ok is false when the fault is not
// one this layer recognizes, leaving the caller's ordinary fault
// handling (segmentation fault) in place.
func (l *Layer) ClassifyFault(root paging.Root, vaddr defs.VAddr, isWrite, isFetch bool) (class Class, ok bool) {
	if l.level < Minimal {
		return 0, false
	}
	page := defs.AlignDown(vaddr, defs.PageSize)
	if page == 0 {
		class, ok = NullDeref, true
	} else {
		l.mu.Lock()
		reason, found := l.guards[guardKey{root: root, vaddr: page}]
		l.mu.Unlock()
		if !found {
			return 0, false
		}
		class, ok = reason, true
	}
	l.raise(Violation{Class: class, Root: root, VAddr: vaddr, IsWrite: isWrite, IsFetch: isFetch})
	return class, ok
}

// TrackAlloc records a freshly allocated [base, base+size) range with a
// zeroed initialization bitmap. No-op below Standard.
func (l *Layer) TrackAlloc(base, size defs.VAddr) {
	if l.level < Standard {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allocations[base] = &allocation{base: base, size: size, init: make([]bool, size), born: time.Now()}
	delete(l.freed, base)
}

// TrackFree retires base's tracked allocation, recording it in the
// freed set for use-after-free detection. At Strict+ it also revokes
// page presence across the range within root so a subsequent access
// faults instead of silently succeeding, and registers a UseAfterFree
// guard for each page revoked.
func (l *Layer) TrackFree(root paging.Root, base defs.VAddr) {
	if l.level < Standard {
		return
	}
	l.mu.Lock()
	alloc, ok := l.allocations[base]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.allocations, base)
	l.freed[base] = struct{}{}
	l.mu.Unlock()

	if l.level < Strict {
		return
	}
	n := int(defs.AlignUp(alloc.size, defs.PageSize) / defs.PageSize)
	for i := 0; i < n; i++ {
		page := defs.AlignDown(base, defs.PageSize) + defs.VAddr(i)*defs.PageSize
		l.GuardPage(root, page, UseAfterFree)
	}
}

// IsFreed reports whether base names a retired allocation, for
// use-after-free checks outside the page-fault path (e.g. a pointer
// dereferenced through a still-valid adjacent mapping).
func (l *Layer) IsFreed(base defs.VAddr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.freed[base]
	return ok
}

func (l *Layer) bitmapFor(base defs.VAddr) *allocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allocations[base]
}

// MarkInitialized records [off, off+length) within base's tracked
// allocation as initialized, called on writes.
func (l *Layer) MarkInitialized(base defs.VAddr, off, length int) {
	if l.level < Standard {
		return
	}
	alloc := l.bitmapFor(base)
	if alloc == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	end := off + length
	if end > len(alloc.init) {
		end = len(alloc.init)
	}
	for i := off; i < end; i++ {
		alloc.init[i] = true
	}
}

// CheckInitialized reports whether every byte of [off, off+length)
// within base's tracked allocation has been marked initialized. At
// Debug, a negative result also raises UninitializedRead.
func (l *Layer) CheckInitialized(root paging.Root, base defs.VAddr, off, length int) bool {
	if l.level < Standard {
		return true
	}
	alloc := l.bitmapFor(base)
	if alloc == nil {
		return true
	}
	l.mu.Lock()
	end := off + length
	if end > len(alloc.init) {
		end = len(alloc.init)
	}
	full := true
	for i := off; i < end; i++ {
		if !alloc.init[i] {
			full = false
			break
		}
	}
	l.mu.Unlock()

	if !full && l.level >= Debug {
		l.raise(Violation{Class: UninitializedRead, Root: root, VAddr: base + defs.VAddr(off)})
	}
	return full
}

// StackProbe compares sp against stackBase (the stack's low-address
// limit, given a downward-growing stack) and raises StackOverflow if sp
// has gone below it. It reports whether a violation was raised.
func (l *Layer) StackProbe(root paging.Root, stackBase, stackSize, sp defs.VAddr) bool {
	if l.level < Minimal {
		return false
	}
	if sp < stackBase {
		l.raise(Violation{Class: StackOverflow, Root: root, VAddr: sp})
		return true
	}
	return false
}

// LeakScan walks every tracked allocation and reports those older than
// threshold, per spec.md §4.12's periodic leak scan. No-op below
// Standard.
func (l *Layer) LeakScan(threshold time.Duration) []LeakReport {
	if l.level < Standard {
		return nil
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LeakReport
	for _, a := range l.allocations {
		age := now.Sub(a.born)
		if age >= threshold {
			out = append(out, LeakReport{Base: a.base, Size: a.size, Age: age})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}
