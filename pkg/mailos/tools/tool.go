// Package tools holds the registry of capabilities the model may invoke
// and the built-in tool set. Invoke is total: whatever a handler does,
// the caller receives a Result.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTimeout bounds a tool call when neither the checker nor the
// tool configures one.
const DefaultTimeout = 30 * time.Second

// HandlerFunc executes a tool. args has already been validated against
// the tool's schema.
type HandlerFunc func(ctx context.Context, args map[string]any, cfg Config) (any, error)

// Config is the per-checker configuration of one tool.
type Config struct {
	// AllowedCommands is the execute_bash allow-list. Empty denies all.
	AllowedCommands []string `yaml:"allowed_commands"`

	// WorkDir confines working directories and attachment paths.
	WorkDir string `yaml:"work_dir"`

	MaxMemoryMB  int  `yaml:"max_memory_mb"`
	AllowNetwork bool `yaml:"allow_network"`

	// AllowedModules restricts execute_python imports when non-empty.
	AllowedModules []string `yaml:"allowed_modules"`

	// Timeout overrides the tool's default call timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxResults bounds list-shaped outputs (web_search, email_review).
	MaxResults int `yaml:"max_results"`
}

// Tool is a registered capability.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     HandlerFunc

	// Timeout is the tool's own default; Config.Timeout wins when set.
	Timeout time.Duration
}

// Schema is the JSON Schema subset tools declare: an object with typed
// properties and required names.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// Property describes one argument.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Default     any       `json:"default,omitempty"`
}

// MarshalJSON renders the schema as a JSON Schema object.
func (s Schema) MarshalJSON() ([]byte, error) {
	props := s.Properties
	if props == nil {
		props = map[string]Property{}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return json.Marshal(out)
}
