// Package chat calls an OpenAI-compatible chat completion endpoint.
package chat

import (
	"fmt"
)

// Message roles accepted by the completion API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is a single completion call.
type Request struct {
	Messages    []Message
	Model       string
	Temperature *float64 // optional temperature
	MaxTokens   *int     // optional max tokens
}

// Result is the first completion choice.
type Result struct {
	Message      Message
	Model        string
	FinishReason string
	Usage        Usage
}

// APIError is a non-2xx answer from the completion endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion api: status %d: %s", e.StatusCode, e.Body)
}
