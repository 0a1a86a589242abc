package watch

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lucasnoah/factoryctl/internal/channel"
)

// filterEnv is the variable set visible to filter expressions.
type filterEnv struct {
	Type     string         `expr:"type"`
	TaskID   string         `expr:"task_id"`
	Status   string         `expr:"status"`
	Stage    string         `expr:"stage"`
	Progress int            `expr:"progress"`
	Message  string         `expr:"message"`
	Key      string         `expr:"key"`
	Terminal bool           `expr:"terminal"`
	Fields   map[string]any `expr:"fields"`
}

func envFor(ev channel.Event) filterEnv {
	env := filterEnv{
		Type:     ev.Type,
		TaskID:   string(ev.TaskID),
		Status:   ev.Status,
		Stage:    ev.CurrentStage,
		Progress: -1,
		Message:  ev.Message,
		Key:      ev.Key,
		Terminal: ev.Terminal(),
		Fields:   ev.Fields(),
	}
	if ev.Progress != nil {
		env.Progress = *ev.Progress
	}
	return env
}

// Filter is a compiled boolean expression over event fields, e.g.
//
//	status in ["failed", "cancelled"] || progress >= 50
//
// progress is -1 when the frame carries none.
type Filter struct {
	src  string
	prog *vm.Program
}

// CompileFilter compiles src. An empty src yields a nil filter that matches
// everything.
func CompileFilter(src string) (*Filter, error) {
	if src == "" {
		return nil, nil
	}
	prog, err := expr.Compile(src, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", src, err)
	}
	return &Filter{src: src, prog: prog}, nil
}

// Match evaluates the filter against ev. A nil filter matches.
func (f *Filter) Match(ev channel.Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.prog, envFor(ev))
	if err != nil {
		return false, fmt.Errorf("evaluate filter %q: %w", f.src, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}
