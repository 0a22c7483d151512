package domain

import (
	"fmt"
	"sort"
	"strings"
)

// EntryKind distinguishes registers read from the device from values
// computed out of other entries.
type EntryKind string

const (
	// EntryKindRaw is read from one or two holding registers.
	EntryKindRaw EntryKind = "sensor"
	// EntryKindDerived is the sum of other entries.
	EntryKindDerived EntryKind = "lambda"
)

// RegisterEntry describes one value reported by the inverter.
type RegisterEntry struct {
	// Key is the unique identifier used in samples and uploads
	Key string `json:"key" yaml:"key"`

	// Name is a human-readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind selects between a raw register read and a derived sum
	Kind EntryKind `json:"type" yaml:"type"`

	// Addresses lists one register, or two contiguous registers with the
	// high word first. Ignored for derived entries.
	Addresses []uint16 `json:"addresses,omitempty" yaml:"addresses,omitempty"`

	// Signed interprets the raw value as two's complement over 16 or 32 bits
	Signed bool `json:"signed,omitempty" yaml:"signed,omitempty"`

	// Scale multiplies the decoded value. Nil leaves it unscaled.
	Scale *float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Sources are the keys summed by a derived entry
	Sources []string `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Width returns the number of registers a raw entry spans.
func (e RegisterEntry) Width() uint16 {
	return uint16(len(e.Addresses))
}

// StartAddress returns the first register address of a raw entry.
func (e RegisterEntry) StartAddress() uint16 {
	if len(e.Addresses) == 0 {
		return 0
	}
	return e.Addresses[0]
}

func (e RegisterEntry) validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return ErrEmptyKey
	}
	switch e.Kind {
	case EntryKindRaw:
		if len(e.Addresses) == 0 || len(e.Addresses) > 2 {
			return fmt.Errorf("%w: %q has %d", ErrInvalidAddressCount, e.Key, len(e.Addresses))
		}
		if len(e.Addresses) == 2 && e.Addresses[1] != e.Addresses[0]+1 {
			return fmt.Errorf("%w: %q %v", ErrNonContiguousPair, e.Key, e.Addresses)
		}
	case EntryKindDerived:
		if len(e.Sources) == 0 {
			return fmt.Errorf("%w: %q", ErrNoSources, e.Key)
		}
	default:
		return fmt.Errorf("%w: %q has type %q", ErrUnknownEntryKind, e.Key, e.Kind)
	}
	return nil
}

// RegisterMap is a validated, ordered set of register entries for one
// inverter model. It is immutable after construction.
type RegisterMap struct {
	entries []RegisterEntry
	index   map[string]int
	raw     []int
	derived []int
}

// NewRegisterMap validates entries and orders derived entries so that every
// source is computed before the entries that depend on it. All failures
// wrap ErrConfiguration.
func NewRegisterMap(entries []RegisterEntry) (*RegisterMap, error) {
	m := &RegisterMap{
		entries: make([]RegisterEntry, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	copy(m.entries, entries)

	for i, e := range m.entries {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		if _, exists := m.index[e.Key]; exists {
			return nil, fmt.Errorf("%w: %w: %q", ErrConfiguration, ErrDuplicateKey, e.Key)
		}
		m.index[e.Key] = i
		if e.Kind == EntryKindRaw {
			m.raw = append(m.raw, i)
		}
	}

	for _, e := range m.entries {
		if e.Kind != EntryKindDerived {
			continue
		}
		for _, src := range e.Sources {
			if _, ok := m.index[src]; !ok {
				return nil, fmt.Errorf("%w: %w: %q in %q", ErrConfiguration, ErrUnknownSource, src, e.Key)
			}
		}
	}

	order, err := m.sortDerived()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	m.derived = order

	return m, nil
}

// sortDerived is a depth-first topological sort over derived entries that
// keeps declaration order among independent entries.
func (m *RegisterMap) sortDerived() ([]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(m.entries))
	order := make([]int, 0, len(m.entries)-len(m.raw))

	var visit func(i int, path []string) error
	visit = func(i int, path []string) error {
		e := m.entries[i]
		if e.Kind != EntryKindDerived {
			return nil
		}
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrDerivationCycle, strings.Join(append(path, e.Key), " -> "))
		}
		state[i] = visiting
		for _, src := range e.Sources {
			if err := visit(m.index[src], append(path, e.Key)); err != nil {
				return err
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range m.entries {
		if err := visit(i, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Len returns the number of entries.
func (m *RegisterMap) Len() int {
	return len(m.entries)
}

// Raw returns the raw entries in declaration order.
func (m *RegisterMap) Raw() []RegisterEntry {
	return m.pick(m.raw)
}

// Derived returns the derived entries in evaluation order.
func (m *RegisterMap) Derived() []RegisterEntry {
	return m.pick(m.derived)
}

func (m *RegisterMap) pick(idx []int) []RegisterEntry {
	out := make([]RegisterEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.entries[i])
	}
	return out
}

// Lookup returns the entry for key.
func (m *RegisterMap) Lookup(key string) (RegisterEntry, bool) {
	i, ok := m.index[key]
	if !ok {
		return RegisterEntry{}, false
	}
	return m.entries[i], true
}

// Closure returns keys plus every entry they transitively derive from,
// restricted to keys present in the map, sorted.
func (m *RegisterMap) Closure(keys []string) []string {
	seen := make(map[string]bool)
	var walk func(key string)
	walk = func(key string) {
		i, ok := m.index[key]
		if !ok || seen[key] {
			return
		}
		seen[key] = true
		for _, src := range m.entries[i].Sources {
			walk(src)
		}
	}
	for _, k := range keys {
		walk(k)
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
