package validation

import "encoding/json"

// Validator checks handler inputs before an execution is created.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	Compile(inputSchema json.RawMessage) error
	ValidateInput(input json.RawMessage, inputSchema json.RawMessage) error
}
