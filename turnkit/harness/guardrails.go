package harness

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// Guardrails enforces tool policy before dispatch and masks secrets in tool output.
type Guardrails struct {
	allowlist     map[string]bool  // allowed tool names, empty allows all
	validateArgs  bool             // validate arguments against the tool schema
	outputFilters []*regexp.Regexp // regex patterns masked in tool output
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails with default output filters.
func NewGuardrails(validateArgs bool) *Guardrails {
	return &Guardrails{
		allowlist:    make(map[string]bool),
		validateArgs: validateArgs,
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret[:=]\s*\S+`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name string) {
	g.allowlist[name] = true
}

// RemoveAllowedTool removes a tool from the allowlist.
func (g *Guardrails) RemoveAllowedTool(name string) {
	delete(g.allowlist, name)
}

// ValidateToolCall checks that a call is allowed and its arguments match the definition.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, def ports.ToolDefinition) error {
	if g == nil {
		return nil
	}
	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return fmt.Errorf("%w: %s", ErrToolNotAllowed, call.Name)
	}
	if !g.validateArgs {
		return nil
	}
	if !json.Valid(normalizeArgs(call.Arguments)) {
		return fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments)
	}
	if err := g.jsonValidator.Validate(normalizeArgs(call.Arguments), def.Parameters); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// SanitizeOutput masks sensitive information in tool output.
func (g *Guardrails) SanitizeOutput(output string) string {
	if g == nil {
		return output
	}
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// JSONValidator handles JSON schema validation.
type JSONValidator struct{}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{}
}

// Validate checks if JSON data conforms to a schema.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if len(schema) == 0 {
		return nil // no schema to validate against
	}

	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// normalizeArgs treats missing arguments as an empty object.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}
