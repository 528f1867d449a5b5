package simulator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// NamespaceFixture describes one namespace to create at simulator startup,
// loaded from a YAML document the way controller.Options is, per
// SPEC_FULL.md's ambient-config section.
type NamespaceFixture struct {
	NSID      uint32 `yaml:"nsid"`
	NumBlocks uint64 `yaml:"num_blocks"`
	BlockSize uint32 `yaml:"block_size"`
	// Path points the namespace's backing file at a fixed location instead
	// of a throwaway temp file, so a test can pre-seed or inspect it.
	Path string `yaml:"path"`
}

// Fixture is the top-level YAML document LoadFixtureYAML parses: the set of
// namespaces a simulator instance should present.
type Fixture struct {
	Namespaces []NamespaceFixture `yaml:"namespaces"`
}

// LoadFixtureYAML reads a namespace fixture document from path.
func LoadFixtureYAML(path string) (Fixture, error) {
	var fx Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return fx, fmt.Errorf("simulator: reading fixture file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fx, fmt.Errorf("simulator: parsing fixture file: %w", err)
	}
	return fx, nil
}
