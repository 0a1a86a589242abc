package stage

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Stages []Stage `yaml:"stages"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog []Stage
)

// DefaultCatalog returns the built-in stage sequence
// (scribe, architect, forge, sentinel, phoenix).
func DefaultCatalog() []Stage {
	defaultOnce.Do(func() {
		stages, err := ParseCatalog(defaultCatalogYAML)
		if err != nil {
			panic(fmt.Sprintf("stage: embedded catalog: %v", err))
		}
		defaultCatalog = stages
	})
	out := make([]Stage, len(defaultCatalog))
	for i, s := range defaultCatalog {
		out[i] = s.clone()
	}
	return out
}

// LoadCatalog reads a stage catalog from a YAML file.
func LoadCatalog(path string) ([]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML stage catalog.
func ParseCatalog(data []byte) ([]Stage, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}
	for i := range f.Stages {
		s := &f.Stages[i]
		if s.Name == "" {
			s.Name = s.ID
		}
		for j := range s.Fields {
			fs := &s.Fields[j]
			if fs.Kind == "" {
				fs.Kind = KindString
			}
			if fs.Default != nil {
				fs.Default = normalizeValue(*fs, fs.Default)
			}
		}
	}
	if errs := ValidateCatalog(f.Stages); len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errs[0])
	}
	return f.Stages, nil
}

// ValidateCatalog checks a stage sequence for structural errors.
func ValidateCatalog(stages []Stage) []ValidationError {
	var errs []ValidationError
	if len(stages) == 0 {
		errs = append(errs, ValidationError{Field: "stages", Message: "at least one stage is required"})
	}

	ids := make(map[string]bool)
	for i, s := range stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if s.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if ids[s.ID] {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: fmt.Sprintf("duplicate stage ID %q", s.ID)})
		}
		ids[s.ID] = true

		names := make(map[string]bool)
		for j, f := range s.Fields {
			fieldPrefix := fmt.Sprintf("%s.fields[%d]", prefix, j)
			if f.Name == "" {
				errs = append(errs, ValidationError{Field: fieldPrefix + ".name", Message: "is required"})
				continue
			}
			if names[f.Name] {
				errs = append(errs, ValidationError{Field: fieldPrefix + ".name", Message: fmt.Sprintf("duplicate field %q", f.Name)})
			}
			names[f.Name] = true
			switch f.Kind {
			case KindString, KindInt, KindBool, KindList:
			default:
				errs = append(errs, ValidationError{Field: fieldPrefix + ".kind", Message: fmt.Sprintf("unrecognized kind %q", f.Kind)})
			}
			if f.Default != nil {
				if msg := checkValue(f, f.Default); msg != "" {
					errs = append(errs, ValidationError{Field: fieldPrefix + ".default", Message: msg})
				}
			}
		}
		if s.Estimate.InputTokens < 0 || s.Estimate.OutputTokens < 0 || s.Estimate.CostPerRun < 0 {
			errs = append(errs, ValidationError{Field: prefix + ".estimate", Message: "must not be negative"})
		}
	}
	return errs
}
