package risk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the on-disk shape of a policy override, e.g.
//
//	policy:
//	  max_pulls_48h: 2
//	  pull_window: 48h
//	  repeat_dispute_window: 720h
type policyFile struct {
	Policy Policy `yaml:"policy"`
}

// LoadPolicyFile reads a YAML policy override and merges it over base.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("risk: read policy file: %w", err)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy decodes a YAML policy document over base. Fields absent from
// the document keep base's values; unknown keys are an error.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	doc := policyFile{Policy: base}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("risk: parse policy: %w", err)
	}
	if doc.Policy.MaxPulls48h < 0 {
		return Policy{}, fmt.Errorf("risk: max_pulls_48h must not be negative")
	}
	return doc.Policy.Normalize(), nil
}
