package stage

import (
	"errors"
	"strings"
)

// ErrUnknownStage is returned when a stage id is not part of the engine's sequence.
var ErrUnknownStage = errors.New("unknown stage")

// Kind is the value type of a stage configuration field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
)

// FieldSpec describes one configuration field a stage understands.
type FieldSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     Kind     `yaml:"kind" json:"kind"`
	Default  any      `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Min      *int     `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *int     `yaml:"max,omitempty" json:"max,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// TokenEstimate is the static per-run token and cost projection for a stage.
type TokenEstimate struct {
	InputTokens  int     `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens int     `yaml:"output_tokens" json:"output_tokens"`
	CostPerRun   float64 `yaml:"cost_per_run" json:"cost_per_run"`
}

// Tokens returns input plus output tokens.
func (t TokenEstimate) Tokens() int {
	return t.InputTokens + t.OutputTokens
}

// Stage is one entry of the ordered pipeline sequence. Each stage carries
// its own field table, so the set of required fields and the defaults
// applied at payload build time vary per stage.
type Stage struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []FieldSpec   `yaml:"fields" json:"fields"`
	Estimate    TokenEstimate `yaml:"estimate" json:"estimate"`
}

// RequiredFields returns the names of fields that must be non-empty for the
// stage to count as configured.
func (s Stage) RequiredFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Field looks up a field spec by name.
func (s Stage) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Defaults returns a fresh copy of the stage's default values.
func (s Stage) Defaults() Config {
	out := make(Config, len(s.Fields))
	for _, f := range s.Fields {
		if f.Default != nil {
			out[f.Name] = cloneValue(f.Default)
		}
	}
	return out
}

func (s Stage) clone() Stage {
	c := s
	c.Fields = make([]FieldSpec, len(s.Fields))
	for i, f := range s.Fields {
		f.Default = cloneValue(f.Default)
		if f.Enum != nil {
			f.Enum = append([]string(nil), f.Enum...)
		}
		c.Fields[i] = f
	}
	return c
}

// Config is the opaque key/value configuration record of a single stage.
type Config map[string]any

func (c Config) clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		return append([]any(nil), t...)
	default:
		return v
	}
}

// isSet reports whether v counts as a non-empty value.
func isSet(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
