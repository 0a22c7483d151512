package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"gopkg.in/yaml.v3"
)

// ProfilesFile maps an inverter type name to its ordered register entries.
// Both YAML and the JSON layout of inverter_profiles.json are accepted.
type ProfilesFile map[string][]domain.RegisterEntry

// ReadProfiles parses a profiles file.
func ReadProfiles(path string) (ProfilesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var file ProfilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse profiles file %s: %v", domain.ErrConfiguration, path, err)
	}
	if len(file) == 0 {
		return nil, fmt.Errorf("%w: profiles file %s defines no inverter types", domain.ErrConfiguration, path)
	}
	return file, nil
}

// LoadProfile builds the validated register map for one inverter type.
func LoadProfile(path, inverterType string) (*domain.RegisterMap, error) {
	file, err := ReadProfiles(path)
	if err != nil {
		return nil, err
	}

	entries, ok := file[inverterType]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q (available: %v)",
			domain.ErrConfiguration, domain.ErrUnknownProfile, inverterType, file.Names())
	}

	registers, err := domain.NewRegisterMap(entries)
	if err != nil {
		return nil, fmt.Errorf("error in profile %s: %w", inverterType, err)
	}
	return registers, nil
}

// Names returns the inverter type names, sorted.
func (f ProfilesFile) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
