package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/crosswalk/pkg/diagnostics"
)

// DecodeDefinitionYAML parses a single catalog definition. JSON input is
// accepted as well, being a subset of YAML.
func DecodeDefinitionYAML(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", diagnostics.ErrInvalidDefinition, err)
	}
	return def, nil
}

// DecodeDefinitionsYAML parses a multi-document YAML stream of definitions.
func DecodeDefinitionsYAML(data []byte) ([]Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Definition
	for {
		var def Definition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", diagnostics.ErrInvalidDefinition, len(out)+1, err)
		}
		out = append(out, def)
	}
}
