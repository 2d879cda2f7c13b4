package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/turnkit/turnkit/harness"
	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/invopop/jsonschema"
)

// FuncTool adapts a typed Go function to the Tool interface. The parameter
// schema is reflected from In.
type FuncTool[In, Out any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, in In) (Out, error)
}

// NewFunc creates a tool from fn. In must be a struct type whose json tags
// name the arguments; jsonschema tags add descriptions and constraints.
func NewFunc[In, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) (*FuncTool[In, Out], error) {
	schema, err := SchemaFor[In]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return &FuncTool[In, Out]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

// MustFunc is like NewFunc but panics on error.
func MustFunc[In, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) *FuncTool[In, Out] {
	t, err := NewFunc(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool[In, Out]) Name() string { return t.name }

func (t *FuncTool[In, Out]) Definition(ctx context.Context, prompt string) ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  append(json.RawMessage(nil), t.schema...),
	}
}

func (t *FuncTool[In, Out]) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in In
	if len(strings.TrimSpace(string(args))) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", harness.ErrInvalidArguments, err)
		}
	}
	return t.fn(ctx, in)
}

// SchemaFor reflects the JSON schema of T, inlined and without a $schema
// header so draft-7 validators accept it.
func SchemaFor[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: false,
	}
	s := r.Reflect(new(T))
	s.Version = ""
	s.ID = ""

	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return b, nil
}

var _ ports.Tool = (*FuncTool[struct{}, string])(nil)
