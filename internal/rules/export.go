package rules

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type document struct {
	Rules []Rule `yaml:"rules"`
}

// MarshalYAML renders a rule set for inspection.
func MarshalYAML(rules []Rule) ([]byte, error) {
	data, err := yaml.Marshal(document{Rules: rules})
	if err != nil {
		return nil, fmt.Errorf("could not marshal rules. Err: '%w'", err)
	}
	return data, nil
}

// UnmarshalYAML parses a document produced by MarshalYAML.
func UnmarshalYAML(data []byte) ([]Rule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not unmarshal rules. Err: '%w'", err)
	}
	return doc.Rules, nil
}
