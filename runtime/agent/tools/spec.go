package tools

type (
	// Spec enumerates the metadata a model needs to call a tool.
	Spec struct {
		// Name is the tool identifier.
		Name Ident
		// Description provides context for the model.
		Description string
		// InputSchema is the JSON Schema object describing the arguments.
		// Nil means the tool takes an arbitrary object.
		InputSchema map[string]any
		// Idempotent marks tools whose results depend only on their arguments.
		// Only idempotent tools are eligible for result caching.
		Idempotent bool
	}
)

// Schema returns the input schema, defaulting to an open object schema.
func (s Spec) Schema() map[string]any {
	if s.InputSchema != nil {
		return s.InputSchema
	}
	return map[string]any{"type": "object"}
}
