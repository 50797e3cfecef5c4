package scenario

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a YAML scenario. Unknown keys are rejected so that a
// misspelled field does not silently become a zero value.
func ParseYAML(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse yaml scenario: %w", err)
	}
	return &s, nil
}
