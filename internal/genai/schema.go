package genai

// Schema mirrors the subset of the OpenAPI schema dialect accepted by the
// model's structured-output interface. Requests carry it verbatim so the
// model is constrained server-side; responses are still re-validated by the
// caller after decoding.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Object builds an object schema.
func Object(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}

// Array builds an array schema.
func Array(items *Schema) *Schema {
	return &Schema{Type: "array", Items: items}
}

// String builds a string schema.
func String(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

// StringEnum builds a string schema restricted to the provided values.
func StringEnum(description string, values ...string) *Schema {
	return &Schema{Type: "string", Description: description, Enum: values}
}

// Number builds a number schema.
func Number(description string) *Schema {
	return &Schema{Type: "number", Description: description}
}
