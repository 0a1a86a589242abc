package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// StagePayload is one stage's entry in a SubmissionPayload.
type StagePayload struct {
	Stage   string
	Enabled bool
	Config  Config

	order []string
}

// SubmissionPayload is a read-only snapshot of a pipeline configuration,
// shaped for the remote pipelines API:
//
//	{"name": ..., "description": ..., "agent_configs": {"scribe": {"enabled": true, ...}, ...}}
//
// agent_configs keys and each stage's fields are written in sequence order.
type SubmissionPayload struct {
	Name        string
	Description string
	Stages      []StagePayload
}

// Stage returns the entry for id.
func (p SubmissionPayload) Stage(id string) (StagePayload, bool) {
	for _, sp := range p.Stages {
		if sp.Stage == id {
			return sp, true
		}
	}
	return StagePayload{}, false
}

// EnabledStages returns the ids of enabled entries in order.
func (p SubmissionPayload) EnabledStages() []string {
	var out []string
	for _, sp := range p.Stages {
		if sp.Enabled {
			out = append(out, sp.Stage)
		}
	}
	return out
}

// Validate applies the server's sequential rule: at least one stage is
// enabled and no enabled stage follows a disabled one.
func (p SubmissionPayload) Validate() error {
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	foundDisabled := false
	enabled := 0
	for _, sp := range p.Stages {
		if !sp.Enabled {
			foundDisabled = true
			continue
		}
		if foundDisabled {
			return fmt.Errorf("cannot enable %s: stages must be enabled sequentially without gaps", sp.Stage)
		}
		enabled++
	}
	if enabled == 0 {
		return errors.New("at least one stage must be enabled")
	}
	return nil
}

// MarshalJSON writes the payload with deterministic key order.
func (p SubmissionPayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"name":`)
	if err := writeJSONValue(&buf, p.Name); err != nil {
		return nil, err
	}
	buf.WriteString(`,"description":`)
	if err := writeJSONValue(&buf, p.Description); err != nil {
		return nil, err
	}
	buf.WriteString(`,"agent_configs":{`)
	for i, sp := range p.Stages {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONValue(&buf, sp.Stage); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		data, err := sp.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", sp.Stage, err)
		}
		buf.Write(data)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}

// MarshalJSON writes {"enabled": ..., <fields>} with catalog fields first,
// then any extra keys sorted by name.
func (sp StagePayload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"enabled":`)
	if sp.Enabled {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
	for _, k := range sp.keys() {
		buf.WriteByte(',')
		if err := writeJSONValue(&buf, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONValue(&buf, sp.Config[k]); err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (sp StagePayload) keys() []string {
	seen := make(map[string]bool, len(sp.Config))
	keys := make([]string, 0, len(sp.Config))
	for _, k := range sp.order {
		if _, ok := sp.Config[k]; ok && k != "enabled" {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range sp.Config {
		if !seen[k] && k != "enabled" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

func fieldOrder(s Stage) []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// payloadDefaults returns the stage defaults with a zero value of the
// field's kind for every field that declares no default, so no catalog
// field is ever missing from a payload.
func payloadDefaults(s Stage) Config {
	cfg := s.Defaults()
	for _, f := range s.Fields {
		if _, ok := cfg[f.Name]; ok {
			continue
		}
		cfg[f.Name] = zeroValue(f.Kind)
	}
	return cfg
}

func zeroValue(k Kind) any {
	switch k {
	case KindInt:
		return 0
	case KindBool:
		return false
	case KindList:
		return []string{}
	default:
		return ""
	}
}
