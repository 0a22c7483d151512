package modbus

import "sync"

// AddressRange is a run of register addresses.
type AddressRange struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// span is a half-open [lo, hi) address interval.
type span struct {
	lo, hi int
}

// InvalidRanges is the set of register addresses the device has refused.
// Stored spans are sorted, disjoint and never adjacent. The set only grows.
type InvalidRanges struct {
	mu    sync.RWMutex
	spans []span
}

// NewInvalidRanges creates an empty set.
func NewInvalidRanges() *InvalidRanges {
	return &InvalidRanges{}
}

// Add inserts count addresses starting at start, merging with any
// overlapping or adjacent span. It reports whether the set grew.
func (r *InvalidRanges) Add(start, count uint16) bool {
	if count == 0 {
		return false
	}
	lo, hi := int(start), int(start)+int(count)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.spans {
		if s.lo <= lo && hi <= s.hi {
			return false
		}
	}

	merged := make([]span, 0, len(r.spans)+1)
	i := 0
	for ; i < len(r.spans) && r.spans[i].hi < lo; i++ {
		merged = append(merged, r.spans[i])
	}
	for ; i < len(r.spans) && r.spans[i].lo <= hi; i++ {
		lo = min(lo, r.spans[i].lo)
		hi = max(hi, r.spans[i].hi)
	}
	merged = append(merged, span{lo: lo, hi: hi})
	merged = append(merged, r.spans[i:]...)
	r.spans = merged
	return true
}

// Contains reports whether addr is in the set.
func (r *InvalidRanges) Contains(addr uint16) bool {
	return r.Overlaps(addr, 1)
}

// Overlaps reports whether any of count addresses starting at start is in
// the set.
func (r *InvalidRanges) Overlaps(start, count uint16) bool {
	if count == 0 {
		return false
	}
	lo, hi := int(start), int(start)+int(count)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.spans {
		if s.lo >= hi {
			break
		}
		if lo < s.hi {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the merged ranges in address order.
func (r *InvalidRanges) Ranges() []AddressRange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AddressRange, len(r.spans))
	for i, s := range r.spans {
		out[i] = AddressRange{Start: s.lo, Count: s.hi - s.lo}
	}
	return out
}

// Len returns the number of merged ranges.
func (r *InvalidRanges) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spans)
}
