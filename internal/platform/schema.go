package platform

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema validates inbound webhook bodies before they are normalized.
type Schema struct {
	name string
	sch  *jsonschema.Schema
}

// CompileSchema compiles a draft 2020-12 JSON schema document.
func CompileSchema(name, src string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := "mem://schemas/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, sch: sch}, nil
}

func MustCompileSchema(name, src string) *Schema {
	s, err := CompileSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate returns an error wrapping ErrInvalidPayload when body does not conform.
func (s *Schema) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, s.name, err)
	}
	if err := s.sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, s.name, err)
	}
	return nil
}
