// Package tools holds the named capabilities a model may call during a run.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

// ExecutorFunc defines a server-side tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// ErrInvalidArguments wraps schema validation failures of tool arguments.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Tool is a model-invocable capability: a name, a JSON schema for its
// arguments and an executor.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Execute     ExecutorFunc

	reserved bool

	compileOnce sync.Once
	compiled    *validator.Schema
	compileErr  error
}

// New creates a caller-supplied tool.
func New(name, description string, schema json.RawMessage, exec ExecutorFunc) *Tool {
	return &Tool{Name: name, Description: description, Schema: schema, Execute: exec}
}

// Reserved reports whether the tool is built into the run loop rather than supplied by a caller.
func (t *Tool) Reserved() bool {
	return t.reserved
}

// Validate checks args against the tool schema. Tools without a schema accept anything.
func (t *Tool) Validate(args json.RawMessage) error {
	if len(t.Schema) == 0 {
		return nil
	}
	t.compileOnce.Do(func() {
		t.compiled, t.compileErr = validator.CompileString(t.Name+".schema.json", string(t.Schema))
	})
	if t.compileErr != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name, t.compileErr)
	}

	var decoded any
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

var reflector = &jsonschema.Reflector{
	DoNotReference:             true,
	AllowAdditionalProperties:  true,
	RequiredFromJSONSchemaTags: true,
}

// SchemaFor reflects the JSON schema of an argument struct. Fields are
// required only when tagged `jsonschema:"required"`.
func SchemaFor(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return data
}
