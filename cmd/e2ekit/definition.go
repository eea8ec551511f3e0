package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/e2ekit/pkg/schema"
)

// loadPipeline reads a pipeline definition. YAML is accepted, and so is
// JSON since it parses as YAML. Unknown fields are rejected.
func loadPipeline(path string) (*schema.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p schema.Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err).WithCause(err)
	}
	for i, n := range p.Nodes {
		if !n.OnFailure.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %d: unknown on_failure %q", i, n.OnFailure)
		}
	}
	if !p.OnFailure.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown on_failure %q", p.OnFailure)
	}
	return &p, nil
}
