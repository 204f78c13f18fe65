package tools

// Ident is the strong type for tool identifiers as presented to the model
// (e.g. "websearch"). Use this type in maps and APIs to avoid mixing with
// free-form strings.
type Ident string

// String returns the string representation of the identifier.
func (id Ident) String() string {
	return string(id)
}
