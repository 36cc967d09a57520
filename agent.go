package acp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// AgentManifest describes an agent hosted by an ACP server: its name,
// human-readable description, and optional JSON Schemas constraining run
// input and output messages.
type AgentManifest struct {
	// Name is the unique agent identifier used in run requests.
	Name string `json:"name"`
	// Description tells callers what the agent does.
	Description string `json:"description,omitempty"`
	// InputSchema is an optional JSON Schema applied to the JSON form of
	// the input message list when creating a run.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// OutputSchema is an optional JSON Schema documenting the agent output.
	// It is informational; servers do not enforce it.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// Validate checks manifest invariants and compiles the declared schemas.
func (m AgentManifest) Validate() error {
	if m.Name == "" {
		return errors.New("agent name is required")
	}
	if len(m.InputSchema) > 0 {
		if _, err := CompileSchema(m.InputSchema); err != nil {
			return fmt.Errorf("input schema: %w", err)
		}
	}
	if len(m.OutputSchema) > 0 {
		if _, err := CompileSchema(m.OutputSchema); err != nil {
			return fmt.Errorf("output schema: %w", err)
		}
	}
	return nil
}

// CompileSchema compiles a raw JSON Schema document. It returns a nil
// schema for an empty document, meaning no constraint.
func CompileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const url = "inline://manifest-schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("register schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}
