// Package structured decodes schema-constrained model output. Model JSON is
// repaired when malformed, validated against a JSON Schema, then unmarshaled
// into the caller's Go type.
package structured

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/planact/runtime/agent/model"
)

type (
	// Schema is a compiled JSON Schema used both to request structured output
	// and to validate the reply.
	Schema struct {
		name        string
		description string
		doc         map[string]any
		compiled    *jsonschema.Schema
	}

	// DecodeError reports model output that could not be parsed or does not
	// conform to the schema.
	DecodeError struct {
		// Schema is the schema name.
		Schema string
		// Raw is the model output.
		Raw string
		// Err is the parse or validation failure.
		Err error
	}
)

// Compile compiles doc. The document is normalized through JSON so Go-typed
// slices and maps are accepted.
func Compile(name, description string, doc map[string]any) (*Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %q: %w", name, err)
	}
	normalized, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, normalized); err != nil {
		return nil, fmt.Errorf("add schema %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	return &Schema{name: name, description: description, doc: doc, compiled: compiled}, nil
}

// MustCompile is like Compile but panics on error. Use for package-level
// schemas.
func MustCompile(name, description string, doc map[string]any) *Schema {
	s, err := Compile(name, description, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// ResponseFormat returns the request option asking the model for output
// conforming to the schema.
func (s *Schema) ResponseFormat() *model.ResponseFormat {
	return &model.ResponseFormat{Name: s.name, Description: s.description, Schema: s.doc}
}

// Decode parses raw model output, validates it and unmarshals it into out.
func (s *Schema) Decode(raw string, out any) error {
	clean, v, err := parse(raw)
	if err != nil {
		return &DecodeError{Schema: s.name, Raw: raw, Err: err}
	}
	if err := s.compiled.Validate(v); err != nil {
		return &DecodeError{Schema: s.name, Raw: raw, Err: err}
	}
	if err := json.Unmarshal([]byte(clean), out); err != nil {
		return &DecodeError{Schema: s.name, Raw: raw, Err: err}
	}
	return nil
}

// Validate checks that raw JSON conforms to the schema and returns the
// repaired document.
func (s *Schema) Validate(raw []byte) (json.RawMessage, error) {
	clean, v, err := parse(string(raw))
	if err != nil {
		return nil, &DecodeError{Schema: s.name, Raw: string(raw), Err: err}
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, &DecodeError{Schema: s.name, Raw: string(raw), Err: err}
	}
	return json.RawMessage(clean), nil
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s output: %v", e.Schema, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Repair returns raw as valid JSON, stripping Markdown code fences and fixing
// common syntax errors (trailing commas, single quotes, truncated objects).
func Repair(raw string) (string, error) {
	text := stripFences(raw)
	if text == "" {
		return "", fmt.Errorf("empty output")
	}
	if json.Valid([]byte(text)) {
		return text, nil
	}
	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return "", fmt.Errorf("repair json: %w", err)
	}
	return fixed, nil
}

func parse(raw string) (string, any, error) {
	clean, err := Repair(raw)
	if err != nil {
		return "", nil, err
	}
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(clean))
	if err != nil {
		return "", nil, err
	}
	return clean, v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop a language tag such as "json", with or without a newline after it.
	tag := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	if tag > 0 && (unicode.IsSpace(rune(s[tag])) || s[tag] == '{' || s[tag] == '[') {
		s = s[tag:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
