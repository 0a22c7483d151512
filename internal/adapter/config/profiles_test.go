package config

import (
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
)

const profilesJSON = `{
  "H1": [
    {"key": "pv1_power", "name": "PV1 Power", "type": "sensor", "addresses": [31002], "signed": true, "scale": 0.001},
    {"key": "pv2_power", "name": "PV2 Power", "type": "sensor", "addresses": [31005], "signed": true, "scale": 0.001},
    {"key": "solar_energy_total", "type": "sensor", "addresses": [32000, 32001], "scale": 0.1},
    {"key": "pv_power_now", "type": "lambda", "sources": ["pv1_power", "pv2_power"]}
  ],
  "Broken": [
    {"key": "a", "type": "lambda", "sources": ["b"]},
    {"key": "b", "type": "lambda", "sources": ["a"]}
  ]
}`

func TestLoadProfile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "profiles.json", profilesJSON)

	registers, err := LoadProfile(path, "H1")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if registers.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", registers.Len())
	}

	entry, ok := registers.Lookup("solar_energy_total")
	if !ok {
		t.Fatal("expected solar_energy_total")
	}
	if entry.Width() != 2 || entry.Scale == nil || *entry.Scale != 0.1 {
		t.Errorf("unexpected entry %+v", entry)
	}

	pv1, _ := registers.Lookup("pv1_power")
	if !pv1.Signed {
		t.Error("expected pv1_power signed")
	}

	derived := registers.Derived()
	if len(derived) != 1 || derived[0].Key != "pv_power_now" {
		t.Errorf("unexpected derived entries %+v", derived)
	}
}

func TestLoadProfile_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "profiles.yaml", `
H1:
  - key: rvolt
    type: sensor
    addresses: [31006]
    scale: 0.1
`)
	registers, err := LoadProfile(path, "H1")
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if _, ok := registers.Lookup("rvolt"); !ok {
		t.Error("expected rvolt")
	}
}

func TestLoadProfile_Errors(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profiles.json", profilesJSON)

	tests := []struct {
		name    string
		path    string
		profile string
		target  error
	}{
		{"unknown profile", path, "H3", domain.ErrUnknownProfile},
		{"derivation cycle", path, "Broken", domain.ErrDerivationCycle},
		{"malformed file", writeFile(t, dir, "bad.json", "{not json"), "H1", domain.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProfile(tt.path, tt.profile)
			if !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
		})
	}

	_, err := LoadProfile(path, "H3")
	if err == nil || !strings.Contains(err.Error(), "[Broken H1]") {
		t.Errorf("expected available profiles in error, got %v", err)
	}

	if _, err := LoadProfile(filepath.Join(dir, "absent.json"), "H1"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReadProfiles_Names(t *testing.T) {
	path := writeFile(t, t.TempDir(), "profiles.json", profilesJSON)

	file, err := ReadProfiles(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if want, names := []string{"Broken", "H1"}, file.Names(); !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestBundledProfiles(t *testing.T) {
	path := filepath.Join("..", "..", "..", "config", "inverter_profiles.json")
	file, err := ReadProfiles(path)
	if err != nil {
		t.Fatalf("read bundled profiles: %v", err)
	}
	for _, name := range file.Names() {
		registers, err := LoadProfile(path, name)
		if err != nil {
			t.Errorf("profile %s: %v", name, err)
			continue
		}
		if _, ok := registers.Lookup("pv_power_now"); !ok {
			t.Errorf("profile %s lacks pv_power_now", name)
		}
	}
}
