package domain_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
)

func raw(key string, addrs ...uint16) domain.RegisterEntry {
	return domain.RegisterEntry{Key: key, Kind: domain.EntryKindRaw, Addresses: addrs}
}

func derived(key string, sources ...string) domain.RegisterEntry {
	return domain.RegisterEntry{Key: key, Kind: domain.EntryKindDerived, Sources: sources}
}

func TestNewRegisterMap_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entries []domain.RegisterEntry
		wantErr error
	}{
		{
			name:    "valid map",
			entries: []domain.RegisterEntry{raw("a", 31000), raw("b", 32000, 32001), derived("c", "a", "b")},
		},
		{
			name:    "empty key",
			entries: []domain.RegisterEntry{raw("", 1)},
			wantErr: domain.ErrEmptyKey,
		},
		{
			name:    "duplicate key",
			entries: []domain.RegisterEntry{raw("a", 1), raw("a", 2)},
			wantErr: domain.ErrDuplicateKey,
		},
		{
			name:    "no addresses",
			entries: []domain.RegisterEntry{raw("a")},
			wantErr: domain.ErrInvalidAddressCount,
		},
		{
			name:    "three addresses",
			entries: []domain.RegisterEntry{raw("a", 1, 2, 3)},
			wantErr: domain.ErrInvalidAddressCount,
		},
		{
			name:    "non contiguous pair",
			entries: []domain.RegisterEntry{raw("a", 1, 5)},
			wantErr: domain.ErrNonContiguousPair,
		},
		{
			name:    "derived without sources",
			entries: []domain.RegisterEntry{derived("a")},
			wantErr: domain.ErrNoSources,
		},
		{
			name:    "unknown source",
			entries: []domain.RegisterEntry{raw("a", 1), derived("b", "a", "zz")},
			wantErr: domain.ErrUnknownSource,
		},
		{
			name:    "unknown kind",
			entries: []domain.RegisterEntry{{Key: "a", Kind: "formula"}},
			wantErr: domain.ErrUnknownEntryKind,
		},
		{
			name:    "self cycle",
			entries: []domain.RegisterEntry{derived("a", "a")},
			wantErr: domain.ErrDerivationCycle,
		},
		{
			name:    "two entry cycle",
			entries: []domain.RegisterEntry{raw("x", 1), derived("a", "x", "b"), derived("b", "a")},
			wantErr: domain.ErrDerivationCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := domain.NewRegisterMap(tt.entries)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRegisterMap_Order(t *testing.T) {
	m, err := domain.NewRegisterMap([]domain.RegisterEntry{
		derived("total", "sub", "c"),
		raw("a", 10),
		derived("sub", "a", "b"),
		raw("b", 11),
		raw("c", 12, 13),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rawKeys []string
	for _, e := range m.Raw() {
		rawKeys = append(rawKeys, e.Key)
	}
	if !reflect.DeepEqual(rawKeys, []string{"a", "b", "c"}) {
		t.Errorf("expected raw declaration order [a b c], got %v", rawKeys)
	}

	var derivedKeys []string
	for _, e := range m.Derived() {
		derivedKeys = append(derivedKeys, e.Key)
	}
	if !reflect.DeepEqual(derivedKeys, []string{"sub", "total"}) {
		t.Errorf("expected derived order [sub total], got %v", derivedKeys)
	}

	if m.Len() != 5 {
		t.Errorf("expected 5 entries, got %d", m.Len())
	}
}

func TestRegisterMap_Lookup(t *testing.T) {
	m, err := domain.NewRegisterMap([]domain.RegisterEntry{raw("a", 10, 11)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, ok := m.Lookup("a")
	if !ok {
		t.Fatal("expected entry a")
	}
	if e.Width() != 2 || e.StartAddress() != 10 {
		t.Errorf("expected width 2 at 10, got %d at %d", e.Width(), e.StartAddress())
	}
	if _, ok := m.Lookup("missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestRegisterMap_Closure(t *testing.T) {
	m, err := domain.NewRegisterMap([]domain.RegisterEntry{
		raw("pv1", 1),
		raw("pv2", 2),
		raw("temp", 3),
		derived("pv_power_now", "pv1", "pv2"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := m.Closure([]string{"pv_power_now", "not_in_map"})
	want := []string{"pv1", "pv2", "pv_power_now"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
