// Package tlb implements the cross-CPU TLB shootdown protocol. A mapping
// change is not complete until every CPU that may hold a stale cached
// translation has applied and acknowledged the invalidation; the coordinator
// models the inter-processor interrupt round trip that enforces this.
package tlb

import (
	"sync"

	"github.com/kestrelos/kestrel/vm"
)

// Invalidation is one batched invalidation request. An empty Pages slice
// invalidates every translation tagged with the ASID.
type Invalidation struct {
	ASID  vm.ASID
	Pages []vm.VAddr
}

// ApplyFunc applies an invalidation on the receiving CPU. It runs on the
// CPU's interrupt path and must not block on VM locks.
type ApplyFunc func(cpu vm.CPU, inv Invalidation)

// Shootdowner is the interface the page-table abstraction issues batched
// invalidations through.
type Shootdowner interface {
	Shootdown(asid vm.ASID, pages []vm.VAddr)
}

type ipiRequest struct {
	inv Invalidation
	wg  *sync.WaitGroup
}

type cpuMailbox struct {
	cpu   vm.CPU
	box   chan ipiRequest
	apply ApplyFunc
}

func (m *cpuMailbox) serve() {
	for req := range m.box {
		m.apply(m.cpu, req.inv)
		req.wg.Done()
	}
}

// IPIShootdown delivers invalidations to every registered CPU and blocks the
// issuer until all of them acknowledge.
type IPIShootdown struct {
	mu        sync.RWMutex
	mailboxes map[int]*cpuMailbox

	completed uint64
}

// New creates an empty shootdown coordinator.
func New() *IPIShootdown {
	return &IPIShootdown{
		mailboxes: make(map[int]*cpuMailbox),
	}
}

// Register wires a CPU into the protocol and returns its deregistration
// function. apply is invoked on the CPU's behalf for every delivered
// invalidation.
func (s *IPIShootdown) Register(cpu vm.CPU, apply ApplyFunc) func() {
	m := &cpuMailbox{
		cpu:   cpu,
		box:   make(chan ipiRequest, 64),
		apply: apply,
	}
	go m.serve()

	s.mu.Lock()
	s.mailboxes[cpu.ID] = m
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if cur, ok := s.mailboxes[cpu.ID]; ok && cur == m {
			delete(s.mailboxes, cpu.ID)
		}
		s.mu.Unlock()
		close(m.box)
	}
}

// Shootdown delivers one batched invalidation to every registered CPU and
// returns only after the last acknowledgment. Per-page delivery is batched
// by the caller; this call is one IPI round, not one per page.
func (s *IPIShootdown) Shootdown(asid vm.ASID, pages []vm.VAddr) {
	inv := Invalidation{ASID: asid, Pages: pages}

	s.mu.RLock()
	targets := make([]*cpuMailbox, 0, len(s.mailboxes))
	for _, m := range s.mailboxes {
		targets = append(targets, m)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, m := range targets {
		m.box <- ipiRequest{inv: inv, wg: &wg}
	}
	wg.Wait()

	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

// Completed returns the number of fully acknowledged shootdown rounds.
func (s *IPIShootdown) Completed() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed
}

// CPUCount returns the number of registered CPUs.
func (s *IPIShootdown) CPUCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mailboxes)
}
