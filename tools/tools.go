// Package tools defines the functions the voice agent may call during a
// qualification call, their JSON schemas and argument parsing.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ExtractQualificationData = "extract_qualification_data"
	EndCall                  = "end_call"
)

// Definition describes one callable function to the agent.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Definitions returns the schemas of every supported function.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        ExtractQualificationData,
			Description: "Record what was learned about the lead on this call. Call once you know whether the owner is open to selling, before ending the call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"qualification_status": map[string]any{
						"type": "string",
						"enum": QualificationStatuses,
					},
					"sentiment": map[string]any{
						"type": "string",
						"enum": Sentiments,
					},
					"disposition": map[string]any{
						"type": "string",
						"enum": Dispositions,
					},
					"motivation": map[string]any{
						"type":        "string",
						"description": "Why the owner would consider selling, in their words",
					},
					"timeline": map[string]any{
						"type":        "string",
						"description": "When the owner would want to sell",
					},
					"price_expectation": map[string]any{
						"type":        "string",
						"description": "Any price or range the owner mentioned",
					},
					"callback_time": map[string]any{
						"type":        "string",
						"description": "When the owner asked to be called back, if they did",
					},
				},
				"required": []string{"qualification_status", "sentiment", "disposition"},
			},
		},
		{
			Name:        EndCall,
			Description: "Hang up once the conversation is over. Say goodbye first.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason the call is ending",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// Known reports whether name is a supported function.
func Known(name string) bool {
	return name == ExtractQualificationData || name == EndCall
}

// Result is the payload returned to the agent for a function call.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// JSON renders the result for a function-call response.
func (r Result) JSON() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// unmarshalArgs accepts the arguments as an object or as a JSON string
// holding an object; agents send both.
func unmarshalArgs(raw json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return fmt.Errorf("missing arguments")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("invalid arguments: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}
