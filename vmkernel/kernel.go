// Package vmkernel is the root aggregate from spec.md §9's redesign
// note ("global singletons initialized lazily ... replace with
// explicit construction"): every subsystem in §4 is built once, by
// value, inside New, and handed to the ones that depend on it, rather
// than reached through package-level state. Kernel is the one object
// an embedder needs to hold.
package vmkernel

import (
	"sync"

	"vmkernel/addrspace"
	"vmkernel/defs"
	"vmkernel/frame"
	"vmkernel/hugepage"
	"vmkernel/kconfig"
	"vmkernel/klog"
	"vmkernel/kmetrics"
	"vmkernel/mmapapi"
	"vmkernel/paging"
	"vmkernel/reversemap"
	"vmkernel/safety"
	"vmkernel/telepage"
	"vmkernel/teleport"
	"vmkernel/vmalloc"
	"vmkernel/zerocopy"
)

// Config wires a Kernel's tunables (kconfig.Config) together with the
// external collaborators spec.md §6 names that have no sane in-module
// default: a logging sink, a metrics recorder, and the tele-page
// remote transport. All three are optional; Log and Metrics fall back
// to their package Discard() implementations, and a nil Transport
// disables tele-page support entirely (addrspace already treats a nil
// TelePageFetcher as "no such VMA kind installed here").
type Config struct {
	kconfig.Config
	Log       klog.Sink
	Metrics   kmetrics.Recorder
	Transport telepage.Transport
}

func safetyLevel(s kconfig.SafetyLevel) safety.Level {
	switch s {
	case kconfig.SafetyDisabled:
		return safety.Disabled
	case kconfig.SafetyMinimal:
		return safety.Minimal
	case kconfig.SafetyStrict:
		return safety.Strict
	case kconfig.SafetyDebug:
		return safety.Debug
	default:
		return safety.Standard
	}
}

// bandClassifier builds a reversemap.Classifier from cfg's configured
// address bands, per spec.md §4.11 ("classification ... is a pure
// function of address-range tables ... configured at startup").
func bandClassifier(cfg kconfig.Config) reversemap.Classifier {
	return func(v defs.VAddr) reversemap.Kind {
		switch {
		case v >= cfg.UserMin && v < cfg.UserMax:
			return reversemap.KindUserHeap
		case v >= cfg.VmallocBase && v < cfg.VmallocBase+cfg.VmallocLen:
			return reversemap.KindKernelHeap
		case v >= cfg.TelepageBase && v < cfg.TelepageBase+cfg.TelepageLen:
			return reversemap.KindMMIO
		default:
			return reversemap.KindUnknown
		}
	}
}

// Kernel owns every subsystem and every live address space. It is the
// single object an embedder constructs and holds; nothing in this
// module is reachable through package-level state.
type Kernel struct {
	cfg     kconfig.Config
	log     klog.Sink
	metrics kmetrics.Recorder

	frames  *frame.Backend
	port    *paging.Port
	reverse *reversemap.Index
	safety  *safety.Layer

	kernelRoot paging.Root
	vmalloc    *vmalloc.Allocator
	huge       *hugepage.Manager
	teleport   *teleport.Manager
	zerocopy   *zerocopy.Manager
	telepage   *telepage.Manager

	mu     sync.Mutex
	spaces map[int]*addrspace.AddressSpace
}

// New builds every subsystem named in spec.md §4 from cfg and wires
// them together: the reverse map as a paging.Observer, the shared
// region managers and vmalloc over one kernel root, and a fresh,
// process-keyed address-space table. Nothing here is optional except
// what Config documents as optional.
func New(cfg Config) (*Kernel, error) {
	log := cfg.Log
	if log == nil {
		log = klog.Discard()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = kmetrics.Discard()
	}

	frames, err := frame.New(cfg.ArenaPages)
	if err != nil {
		return nil, defs.Wrap(defs.OutOfMemory, "vmkernel.New", err)
	}

	port := paging.New(frames, log)

	reverse := reversemap.New(cfg.ReverseLRUCap, bandClassifier(cfg.Config))
	port.AddObserver(&reverseObserver{index: reverse, port: port})

	safetyLayer := safety.New(safetyLevel(cfg.SafetyLevel), port, log, metrics)

	kernelRoot, err := port.NewRoot()
	if err != nil {
		_ = frames.Close()
		return nil, defs.Wrap(defs.OutOfMemory, "vmkernel.New", err)
	}

	// hugepage and zerocopy each own their own kernel virtual band so
	// their independent findFreeKernelRange searches never collide;
	// zerocopy's band sits immediately past hugepage's, both the same
	// length as the vmalloc band since kconfig names no dedicated size
	// for either.
	zeroCopyKernelVA := cfg.HugeKernelVA + cfg.VmallocLen

	va := vmalloc.New(port, frames, kernelRoot, cfg.VmallocBase, cfg.VmallocBase+cfg.VmallocLen)
	hp := hugepage.New(port, frames, kernelRoot, cfg.HugeKernelVA, cfg.HugeKernelVA+cfg.VmallocLen, log)
	tp := teleport.New(frames, port, log)
	zc := zerocopy.New(frames, port, kernelRoot, zeroCopyKernelVA, zeroCopyKernelVA+cfg.VmallocLen, log)

	var tele *telepage.Manager
	if cfg.Transport != nil {
		tele = telepage.New(frames, port, cfg.Transport, log)
	}

	return &Kernel{
		cfg: cfg.Config, log: log, metrics: metrics,
		frames: frames, port: port, reverse: reverse, safety: safetyLayer,
		kernelRoot: kernelRoot, vmalloc: va, huge: hp, teleport: tp, zerocopy: zc, telepage: tele,
		spaces: make(map[int]*addrspace.AddressSpace),
	}, nil
}

// Close releases the underlying physical-memory arena. Every address
// space still registered is torn down first, per spec.md §7's
// best-effort teardown policy.
func (k *Kernel) Close() error {
	k.mu.Lock()
	pids := make([]int, 0, len(k.spaces))
	for pid := range k.spaces {
		pids = append(pids, pid)
	}
	k.mu.Unlock()
	for _, pid := range pids {
		_ = k.DestroyAddressSpace(pid)
	}
	return k.frames.Close()
}

// Port, Frames, ReverseMap, Safety, VMAlloc, Huge, Teleport, ZeroCopy
// and TelePage expose the subsystem APIs spec.md §6 names as the
// module's boundary beyond per-process address-space operations.
// TelePage returns nil when Config.Transport was not supplied.
func (k *Kernel) Port() *paging.Port            { return k.port }
func (k *Kernel) Frames() *frame.Backend        { return k.frames }
func (k *Kernel) ReverseMap() *reversemap.Index { return k.reverse }
func (k *Kernel) Safety() *safety.Layer         { return k.safety }
func (k *Kernel) VMAlloc() *vmalloc.Allocator   { return k.vmalloc }
func (k *Kernel) Huge() *hugepage.Manager       { return k.huge }
func (k *Kernel) Teleport() *teleport.Manager   { return k.teleport }
func (k *Kernel) ZeroCopy() *zerocopy.Manager   { return k.zerocopy }
func (k *Kernel) TelePage() *telepage.Manager   { return k.telepage }

// CreateAddressSpace builds a fresh address space for pid, bounded by
// the configured user band, with the shared-region and tele-page
// materializers wired in, and registers it for later lookup and for
// the per-subsystem ProcessExit cleanup DestroyAddressSpace performs.
func (k *Kernel) CreateAddressSpace(pid int) (*addrspace.AddressSpace, error) {
	acfg := addrspace.Config{
		Port: k.port, Frames: k.frames,
		Floor: k.cfg.UserMin, Ceiling: k.cfg.UserMax,
		Log: k.log, Metrics: k.metrics,
		Shared: k.teleport,
	}
	if k.telepage != nil {
		acfg.Tele = k.telepage
	}
	as, err := addrspace.New(acfg)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.spaces[pid]; exists {
		as.Close()
		k.port.DestroyRoot(as.Root())
		return nil, defs.E(defs.AlreadyMapped, "vmkernel.CreateAddressSpace", nil)
	}
	k.spaces[pid] = as
	k.metrics.LiveVMAs(len(as.IterateVMAs()))
	return as, nil
}

// AddressSpace returns the address space registered for pid, if any.
func (k *Kernel) AddressSpace(pid int) (*addrspace.AddressSpace, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	as, ok := k.spaces[pid]
	return as, ok
}

// DestroyAddressSpace tears pid's address space down: every huge-page,
// teleport and zero-copy binding pid held is released via each
// manager's own ProcessExit hook (so shared-region refcounts and
// zero-copy user bindings clear before the address space's own page
// table is destroyed), then the address space itself is closed and its
// root freed.
func (k *Kernel) DestroyAddressSpace(pid int) error {
	k.mu.Lock()
	as, ok := k.spaces[pid]
	if !ok {
		k.mu.Unlock()
		return defs.E(defs.NotFound, "vmkernel.DestroyAddressSpace", nil)
	}
	delete(k.spaces, pid)
	k.mu.Unlock()

	k.huge.ProcessExit(pid)
	k.teleport.ProcessExit(pid)
	k.zerocopy.ProcessExit(pid)

	root := as.Root()
	as.Close()
	k.port.DestroyRoot(root)
	k.reverse.Rescan(reversemap.Owner(root), k.port)
	return nil
}

// HandleFault routes a fault for pid at vaddr through its address
// space, per spec.md §4.4. When the address space reports
// SegmentationFault, the safety layer gets a chance to reclassify the
// address as a guard-page or null-deref violation before the raw
// SegmentationFault is returned to the caller, per §4.12's intent that
// ClassifyFault turn "an opaque segfault into a classified violation."
func (k *Kernel) HandleFault(pid int, vaddr defs.VAddr, isWrite, isFetch bool) error {
	as, ok := k.AddressSpace(pid)
	if !ok {
		return defs.E(defs.NotFound, "vmkernel.HandleFault", nil)
	}
	err := as.HandleFault(vaddr, isWrite, isFetch)
	if err != nil && defs.Is(err, defs.SegmentationFault) {
		k.safety.ClassifyFault(as.Root(), vaddr, isWrite, isFetch)
	}
	return err
}

// Mmap, Munmap and Mprotect are the user-facing region operations from
// spec.md §4.6, resolved against pid's address space.
func (k *Kernel) Mmap(pid int, req mmapapi.Request) (defs.VAddr, error) {
	as, ok := k.AddressSpace(pid)
	if !ok {
		return 0, defs.E(defs.NotFound, "vmkernel.Mmap", nil)
	}
	v, err := mmapapi.Mmap(as, req)
	if err == nil {
		k.metrics.LiveVMAs(len(as.IterateVMAs()))
	}
	return v, err
}

func (k *Kernel) Munmap(pid int, vaddr, size defs.VAddr) error {
	as, ok := k.AddressSpace(pid)
	if !ok {
		return defs.E(defs.NotFound, "vmkernel.Munmap", nil)
	}
	err := mmapapi.Munmap(as, vaddr, size)
	if err == nil {
		k.metrics.LiveVMAs(len(as.IterateVMAs()))
	}
	return err
}

func (k *Kernel) Mprotect(pid int, vaddr, size defs.VAddr, perms defs.Perm) error {
	as, ok := k.AddressSpace(pid)
	if !ok {
		return defs.E(defs.NotFound, "vmkernel.Mprotect", nil)
	}
	return mmapapi.Mprotect(as, vaddr, size, perms)
}

// CloneAddressSpace clones pid's address space under childPid,
// per spec.md §8 scenario 3 ("clone(AS1, cow=true) -> AS2").
func (k *Kernel) CloneAddressSpace(pid, childPid int, cow bool) (*addrspace.AddressSpace, error) {
	as, ok := k.AddressSpace(pid)
	if !ok {
		return nil, defs.E(defs.NotFound, "vmkernel.CloneAddressSpace", nil)
	}
	child, err := as.Clone(cow)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.spaces[childPid]; exists {
		child.Close()
		return nil, defs.E(defs.AlreadyMapped, "vmkernel.CloneAddressSpace", nil)
	}
	k.spaces[childPid] = child
	return child, nil
}
