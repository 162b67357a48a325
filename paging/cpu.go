package paging

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"vmkernel/defs"
)

// flushReq is the simulated inter-processor-interrupt payload: "drop
// any cached translation overlapping [start, start+n*pageSize)", or
// every cached translation when global is set.
type flushReq struct {
	start  defs.VAddr
	npages int
	global bool
	ack    chan struct{}
}

type cpu struct {
	id     int
	inbox  chan flushReq
	done   chan struct{}
}

func newCPU(id int) *cpu {
	c := &cpu{id: id, inbox: make(chan flushReq), done: make(chan struct{})}
	go c.run()
	return c
}

func (c *cpu) run() {
	for {
		select {
		case req := <-c.inbox:
			// A real CPU would invalidate its local TLB entries here.
			// This simulation's correctness property is the broadcast
			// itself: the caller does not proceed until every targeted
			// CPU has acknowledged.
			close(req.ack)
		case <-c.done:
			return
		}
	}
}

func (c *cpu) stop() { close(c.done) }

// cpuSet tracks which simulated CPU is "running" with which root
// active (the cr3 analogue) and broadcasts TLB shootdowns to the
// correct subset, grounded on the teacher's Tlbshoot/Cpumap/
// tlb_shootdown fast-path/slow-path split in vm/as.go.
type cpuSet struct {
	mu     sync.RWMutex
	cpus   map[int]*cpu
	active map[defs.PAddr]map[int]struct{}
	owner  map[int]defs.PAddr
}

func newCPUSet() *cpuSet {
	return &cpuSet{
		cpus:   make(map[int]*cpu),
		active: make(map[defs.PAddr]map[int]struct{}),
		owner:  make(map[int]defs.PAddr),
	}
}

// Register brings up a new simulated CPU under id; it does nothing if
// id is already registered.
func (s *cpuSet) Register(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cpus[id]; ok {
		return
	}
	s.cpus[id] = newCPU(id)
}

// Unregister tears down a simulated CPU.
func (s *cpuSet) Unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cpus[id]; ok {
		c.stop()
		delete(s.cpus, id)
	}
	if root, ok := s.owner[id]; ok {
		delete(s.active[root], id)
		delete(s.owner, id)
	}
}

// Activate records that cpu id now has root loaded, the simulated
// cr3-switch that a scheduler performs on a context switch.
func (s *cpuSet) Activate(id int, root defs.PAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.owner[id]; ok {
		delete(s.active[prev], id)
	}
	if s.active[root] == nil {
		s.active[root] = make(map[int]struct{})
	}
	s.active[root][id] = struct{}{}
	s.owner[id] = root
}

// ActiveCount reports how many CPUs currently have root loaded.
func (s *cpuSet) ActiveCount(root defs.PAddr) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active[root])
}

// Broadcast sends a flush request to every CPU currently running root
// and waits for every one of them to acknowledge before returning,
// which is the property spec.md §5 requires ("TLB flushes ... must
// complete on every CPU ... before the underlying frame is reused").
func (s *cpuSet) Broadcast(root defs.PAddr, start defs.VAddr, npages int, global bool) {
	s.mu.RLock()
	targets := make([]*cpu, 0, len(s.active[root]))
	for id := range s.active[root] {
		targets = append(targets, s.cpus[id])
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	g, _ := errgroup.WithContext(context.Background())
	for _, c := range targets {
		c := c
		g.Go(func() error {
			ack := make(chan struct{})
			c.inbox <- flushReq{start: start, npages: npages, global: global, ack: ack}
			<-ack
			return nil
		})
	}
	_ = g.Wait()
}
