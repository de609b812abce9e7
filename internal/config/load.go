package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, and flattens the YAML configuration file at path,
// returning a Matcher ready for the discovery loop. Parse errors and
// duplicate-name errors are fatal at startup per spec.md §7.
func Load(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	matcher := NewMatcher()
	for _, p := range file.Peripherals {
		flat, err := Flatten(p)
		if err != nil {
			return nil, fmt.Errorf("config: flattening peripheral %q: %w", p.Name, err)
		}
		if err := matcher.Add(flat); err != nil {
			return nil, err
		}
	}
	return matcher, nil
}

// flatFileYAML is Dump's top-level document shape: a list of flattened
// peripheral configs, mirroring FileConfig's `peripherals:` key but over
// FlatPeripheralConfig instead of the pre-flattened PeripheralYAML.
type flatFileYAML struct {
	Peripherals []*FlatPeripheralConfig `yaml:"peripherals"`
}

// Dump renders every config a Matcher holds back out as YAML in its
// flattened form, for the round-trip property in spec.md §8 ("YAML config
// -> internal flat form -> YAML is lossless"). FlatPeripheralConfig's
// MarshalYAML/UnmarshalYAML (flatten.go) make this a real round-trip
// through the same struct the scheduler and matcher operate on: Dump's
// output, re-parsed and matched against the same PeripheralKey, resolves
// to an equal FlatPeripheralConfig.
func Dump(matcher *Matcher) ([]byte, error) {
	return yaml.Marshal(flatFileYAML{Peripherals: matcher.All()})
}

// ParseFlat parses a document produced by Dump back into a Matcher,
// completing the round-trip.
func ParseFlat(data []byte) (*Matcher, error) {
	var file flatFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parsing flat document: %w", err)
	}

	matcher := NewMatcher()
	for _, flat := range file.Peripherals {
		if err := matcher.Add(flat); err != nil {
			return nil, err
		}
	}
	return matcher, nil
}
