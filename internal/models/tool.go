package models

// ToolSpec declares a tool to the LLM: its public name, a description and
// the JSON schema of its arguments.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}
