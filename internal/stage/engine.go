package stage

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// DisablePolicy selects how disabling a stage treats the stages after it.
type DisablePolicy int

const (
	// CascadeForward disables the stage and every stage after it.
	CascadeForward DisablePolicy = iota
	// RejectDownstream refuses to disable a stage while a later stage is
	// still enabled, so stages must be disabled in reverse order.
	RejectDownstream
)

func (p DisablePolicy) String() string {
	switch p {
	case CascadeForward:
		return "cascade"
	case RejectDownstream:
		return "reject"
	default:
		return fmt.Sprintf("DisablePolicy(%d)", int(p))
	}
}

// Option customizes engine construction.
type Option func(*Engine)

// WithDisablePolicy overrides the default CascadeForward policy.
func WithDisablePolicy(p DisablePolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// Result is the outcome of SetEnabled. A failed result leaves the engine
// untouched.
type Result struct {
	OK    bool
	Stage string
	// Reason is a human-readable explanation when OK is false.
	Reason string
	// Missing names the first earlier stage that must be enabled first.
	Missing string
	// Blocking names the enabled stage that must be disabled first
	// (RejectDownstream only).
	Blocking string
	// Changed lists, in sequence order, every stage whose enabled flag flipped.
	Changed []string
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return errors.New(r.Reason)
}

// Engine holds the editable pipeline configuration: an ordered stage list,
// the enabled prefix of that list and a configuration record per stage.
//
// The enabled set is stored as the length of the enabled prefix, so the
// prefix-enablement invariant holds by construction.
type Engine struct {
	mu      sync.RWMutex
	stages  []Stage
	index   map[string]int
	enabled int
	configs map[string]Config
	policy  DisablePolicy
}

// NewEngine creates an engine over the given stage sequence with every stage
// disabled and every config empty.
func NewEngine(stages []Stage, opts ...Option) (*Engine, error) {
	if errs := ValidateCatalog(stages); len(errs) > 0 {
		return nil, fmt.Errorf("invalid stage sequence: %w", errs[0])
	}
	e := &Engine{
		stages:  make([]Stage, len(stages)),
		index:   make(map[string]int, len(stages)),
		configs: make(map[string]Config, len(stages)),
	}
	for i, s := range stages {
		e.stages[i] = s.clone()
		e.index[s.ID] = i
		e.configs[s.ID] = Config{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// NewDefaultEngine creates an engine over DefaultCatalog.
func NewDefaultEngine(opts ...Option) *Engine {
	e, err := NewEngine(DefaultCatalog(), opts...)
	if err != nil {
		panic(err)
	}
	return e
}

// Stages returns a copy of the stage sequence.
func (e *Engine) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	for i, s := range e.stages {
		out[i] = s.clone()
	}
	return out
}

// Stage looks up a stage by id.
func (e *Engine) Stage(id string) (Stage, bool) {
	i, ok := e.index[id]
	if !ok {
		return Stage{}, false
	}
	return e.stages[i].clone(), true
}

// Policy reports the engine's disable policy.
func (e *Engine) Policy() DisablePolicy {
	return e.policy
}

// CanEnable reports whether every stage before id is enabled. The first
// stage is always enableable.
func (e *Engine) CanEnable(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[id]
	return ok && i <= e.enabled
}

// IsEnabled reports whether the stage is currently enabled.
func (e *Engine) IsEnabled(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.index[id]
	return ok && i < e.enabled
}

// EnabledStages returns the ids of the enabled stages in sequence order.
func (e *Engine) EnabledStages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabledIDs()
}

func (e *Engine) enabledIDs() []string {
	out := make([]string, 0, e.enabled)
	for _, s := range e.stages[:e.enabled] {
		out = append(out, s.ID)
	}
	return out
}

// SetEnabled enables or disables a stage.
//
// Enabling fails when an earlier stage is disabled. Disabling follows the
// engine's DisablePolicy. Setting a stage to the state it is already in
// succeeds with no changes.
func (e *Engine) SetEnabled(id string, enabled bool) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.index[id]
	if !ok {
		return Result{Stage: id, Reason: fmt.Sprintf("unknown stage %q", id)}
	}

	if enabled {
		switch {
		case i < e.enabled:
			return Result{OK: true, Stage: id}
		case i > e.enabled:
			missing := e.stages[e.enabled].ID
			return Result{
				Stage:   id,
				Missing: missing,
				Reason:  fmt.Sprintf("enable stage %s first", missing),
			}
		}
		e.enabled++
		return Result{OK: true, Stage: id, Changed: []string{id}}
	}

	if i >= e.enabled {
		return Result{OK: true, Stage: id}
	}
	if e.policy == RejectDownstream && i < e.enabled-1 {
		last := e.stages[e.enabled-1].ID
		return Result{
			Stage:    id,
			Blocking: last,
			Reason:   fmt.Sprintf("disable stage %s first", last),
		}
	}
	changed := make([]string, 0, e.enabled-i)
	for _, s := range e.stages[i:e.enabled] {
		changed = append(changed, s.ID)
	}
	e.enabled = i
	return Result{OK: true, Stage: id, Changed: changed}
}

// SetConfig merges partial into the stage's configuration record. A nil
// value removes the key. Completeness is not checked here.
func (e *Engine) SetConfig(id string, partial Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.index[id]
	if !ok {
		return fmt.Errorf("set config: %w %q", ErrUnknownStage, id)
	}
	cfg := e.configs[id]
	for k, v := range partial {
		if v == nil {
			delete(cfg, k)
			continue
		}
		if f, ok := e.stages[i].Field(k); ok {
			v = normalizeValue(f, v)
		}
		cfg[k] = cloneValue(v)
	}
	return nil
}

// Config returns a copy of the stage's current configuration record.
func (e *Engine) Config(id string) Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.configs[id]
	if !ok {
		return nil
	}
	return cfg.clone()
}

// IsConfigured reports whether every required field of the stage holds a
// non-empty value. Stages without required fields are always configured.
func (e *Engine) IsConfigured(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isConfigured(id)
}

func (e *Engine) isConfigured(id string) bool {
	i, ok := e.index[id]
	if !ok {
		return false
	}
	cfg := e.configs[id]
	for _, name := range e.stages[i].RequiredFields() {
		if !isSet(cfg[name]) {
			return false
		}
	}
	return true
}

// IsReadyToSubmit reports whether at least one stage is enabled and every
// enabled stage is configured.
func (e *Engine) IsReadyToSubmit() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.enabled == 0 {
		return false
	}
	for _, s := range e.stages[:e.enabled] {
		if !e.isConfigured(s.ID) {
			return false
		}
	}
	return true
}

// Validate reports missing required fields and out-of-range or mistyped
// values for every enabled stage.
func (e *Engine) Validate() []ValidationError {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var errs []ValidationError
	if e.enabled == 0 {
		errs = append(errs, ValidationError{Field: "stages", Message: "at least one stage must be enabled"})
	}
	for _, s := range e.stages[:e.enabled] {
		cfg := e.configs[s.ID]
		for _, f := range s.Fields {
			field := s.ID + "." + f.Name
			v, present := cfg[f.Name]
			if f.Required && !isSet(v) {
				errs = append(errs, ValidationError{Field: field, Message: "is required"})
				continue
			}
			if !present {
				continue
			}
			if msg := checkValue(f, v); msg != "" {
				errs = append(errs, ValidationError{Field: field, Message: msg})
			}
		}
	}
	return errs
}

// StageEstimate is the projection for one enabled stage.
type StageEstimate struct {
	Stage        string  `json:"stage"`
	Name         string  `json:"name"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Tokens       int     `json:"tokens"`
	Cost         float64 `json:"cost"`
}

// Estimate is the pre-submission token and cost projection.
type Estimate struct {
	PerStage    []StageEstimate `json:"per_stage"`
	TotalTokens int             `json:"total_tokens"`
	TotalCost   float64         `json:"total_cost"`
}

// Estimate sums the static token and cost table of every enabled stage in
// sequence order.
func (e *Engine) Estimate() Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	est := Estimate{PerStage: make([]StageEstimate, 0, e.enabled)}
	for _, s := range e.stages[:e.enabled] {
		se := StageEstimate{
			Stage:        s.ID,
			Name:         s.Name,
			InputTokens:  s.Estimate.InputTokens,
			OutputTokens: s.Estimate.OutputTokens,
			Tokens:       s.Estimate.Tokens(),
			Cost:         s.Estimate.CostPerRun,
		}
		est.PerStage = append(est.PerStage, se)
		est.TotalTokens += se.Tokens
		est.TotalCost += se.Cost
	}
	est.TotalCost = math.Round(est.TotalCost*1e4) / 1e4
	return est
}

// BuildPayload snapshots the configuration into a submission payload with one
// entry per stage, enabled or not. Unset fields take the stage's defaults.
func (e *Engine) BuildPayload(name, description string) SubmissionPayload {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p := SubmissionPayload{
		Name:        name,
		Description: description,
		Stages:      make([]StagePayload, len(e.stages)),
	}
	for i, s := range e.stages {
		cfg := payloadDefaults(s)
		for k, v := range e.configs[s.ID] {
			if _, hasDefault := cfg[k]; hasDefault && !isSet(v) {
				continue
			}
			cfg[k] = cloneValue(v)
		}
		p.Stages[i] = StagePayload{
			Stage:   s.ID,
			Enabled: i < e.enabled,
			Config:  cfg,
			order:   fieldOrder(s),
		}
	}
	return p
}

// Reset disables every stage and clears every configuration record.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = 0
	for id := range e.configs {
		e.configs[id] = Config{}
	}
}

// Draft is a serializable snapshot of the engine's mutable state.
type Draft struct {
	Enabled []string          `json:"enabled"`
	Configs map[string]Config `json:"configs"`
}

// Snapshot captures the enabled prefix and every non-empty config record.
func (e *Engine) Snapshot() Draft {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := Draft{Enabled: e.enabledIDs(), Configs: make(map[string]Config)}
	for id, cfg := range e.configs {
		if len(cfg) > 0 {
			d.Configs[id] = cfg.clone()
		}
	}
	return d
}

// Restore replaces the engine state with d. The enabled list must be a
// prefix of the stage sequence; on error the engine is unchanged.
func (e *Engine) Restore(d Draft) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(d.Enabled) > len(e.stages) {
		return fmt.Errorf("restore: %d enabled stages but only %d in sequence", len(d.Enabled), len(e.stages))
	}
	for i, id := range d.Enabled {
		if _, ok := e.index[id]; !ok {
			return fmt.Errorf("restore: %w %q", ErrUnknownStage, id)
		}
		if e.stages[i].ID != id {
			return fmt.Errorf("restore: stage %s enabled out of order (expected %s)", id, e.stages[i].ID)
		}
	}
	configs := make(map[string]Config, len(e.stages))
	for _, s := range e.stages {
		configs[s.ID] = Config{}
	}
	for id, cfg := range d.Configs {
		i, ok := e.index[id]
		if !ok {
			return fmt.Errorf("restore: %w %q", ErrUnknownStage, id)
		}
		for k, v := range cfg {
			if f, ok := e.stages[i].Field(k); ok {
				v = normalizeValue(f, v)
			}
			configs[id][k] = cloneValue(v)
		}
	}
	e.enabled = len(d.Enabled)
	e.configs = configs
	return nil
}
