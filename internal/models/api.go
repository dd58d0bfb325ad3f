package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates an inbound event was accepted for asynchronous processing.
	APIStatusQueued APIStatus = "queued"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Queued creates a response acknowledging accepted webhook events.
func Queued(count int) APIResponse {
	return APIResponse{Status: string(APIStatusQueued), Result: map[string]int{"accepted": count}}
}

// Failure creates an error API response with a message.
func Failure(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
