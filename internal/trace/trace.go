// Package trace collects per-instruction execution counts from trace runs.
package trace

import (
	"sort"

	"github.com/zboralski/fisim/internal/fault"
)

// Record is the execution summary of one instruction address.
type Record struct {
	Size  int // instruction width in bytes
	Count int // times executed
}

// Map holds trace records keyed by instruction address.
type Map map[uint64]Record

// Hit records one execution of the instruction at addr.
// The size of the first hit is kept.
func (m Map) Hit(addr uint64, size int) {
	r, ok := m[addr]
	if !ok {
		r.Size = size
	}
	r.Count++
	m[addr] = r
}

// Total returns the number of executed instructions across all addresses.
func (m Map) Total() int {
	n := 0
	for _, r := range m {
		n += r.Count
	}
	return n
}

// Addresses returns the recorded addresses in ascending order.
func (m Map) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Candidates converts the map into unresolved fault candidates sorted by address.
func (m Map) Candidates() []fault.Candidate {
	out := make([]fault.Candidate, 0, len(m))
	for _, addr := range m.Addresses() {
		r := m[addr]
		out = append(out, fault.Candidate{Address: addr, Size: r.Size, Count: r.Count})
	}
	return out
}

// Reset removes every record.
func (m Map) Reset() {
	for addr := range m {
		delete(m, addr)
	}
}
