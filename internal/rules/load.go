package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HashBytes returns "sha256:<hex>" of the raw rule file.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Parse decodes YAML on top of the built-in defaults and compiles the result.
// Sections absent from the file keep their default values.
func Parse(data []byte) (*Set, error) {
	t := DefaultTable()
	// A file that declares its own lists replaces the defaults rather than merging into them.
	t.Classification.Rules = nil
	t.Backends = nil
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("rules: parse: %w", err)
	}
	return Compile(t, HashBytes(data))
}

// Default compiles the built-in table.
func Default() *Set {
	set, err := Compile(DefaultTable(), HashBytes(nil))
	if err != nil {
		panic(fmt.Sprintf("rules: built-in table does not compile: %v", err))
	}
	return set
}

// LoadFile reads and compiles a rule file. A missing file yields the built-in table;
// an unreadable or invalid one is an error.
func LoadFile(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	return Parse(data)
}
