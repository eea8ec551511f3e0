// Package validation checks wire payloads and durable files against the
// JSON Schemas e2ekit owns.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Validator holds the compiled built-in schemas. Safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every built-in schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for id, src := range builtinSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", id, err)
		}
		if err := c.AddResource(id, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", id, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(builtinSchemas))}
	for id := range builtinSchemas {
		s, err := c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", id, err)
		}
		v.schemas[id] = s
	}
	return v, nil
}

// MustNew is New for package-level defaults; the schemas are constants.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// ValidateBytes validates a raw JSON document against the schema with the given id.
func (v *Validator) ValidateBytes(id string, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON").WithCause(err)
	}
	return v.validate(id, doc)
}

// ValidateValue validates any JSON-marshalable Go value.
func (v *Validator) ValidateValue(id string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "value is not serializable").WithCause(err)
	}
	return v.ValidateBytes(id, raw)
}

func (v *Validator) validate(id string, doc any) error {
	s, ok := v.schemas[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown schema %s", id)
	}
	if err := s.Validate(doc); err != nil {
		return toError(err)
	}
	return nil
}

// toError flattens a jsonschema.ValidationError into one coded error listing
// every leaf violation with its instance location.
func toError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	res := &schema.ValidationResult{}
	collectViolations(verr, res)
	if res.Valid() {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return res.ToError().(*schema.Error)
}

func collectViolations(verr *jsonschema.ValidationError, res *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		res.Add(loc, schema.ErrCodeValidation, leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, res)
	}
}

// leafMessage strips the "jsonschema validation failed" preamble from a leaf error.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if i := strings.LastIndex(msg, "': "); i >= 0 {
		return msg[i+3:]
	}
	return msg
}
