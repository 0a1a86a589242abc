package watch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/factoryctl/internal/channel"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	sectionOpenRe = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	sectionClose  = "{{/if}}"
)

// TemplateFields lists the placeholders a line template may use.
var TemplateFields = []string{"time", "key", "type", "task_id", "status", "stage", "progress", "message"}

// Template formats one event per line.
//
// {{field}} is replaced with the event's value for field, or the empty
// string when the frame does not carry it. {{#if field}}...{{/if}} keeps its
// body only when field is non-empty. Sections may nest.
type Template struct {
	src string
}

// ParseTemplate checks that src only references known fields and that its
// sections are balanced.
func ParseTemplate(src string) (*Template, error) {
	probe := make(map[string]string, len(TemplateFields))
	for _, f := range TemplateFields {
		probe[f] = "x"
	}
	if _, err := expand(src, probe); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return &Template{src: src}, nil
}

// Execute renders ev. A trailing newline is not added.
func (t *Template) Execute(ev channel.Event) (string, error) {
	return expand(t.src, eventFields(ev))
}

func eventFields(ev channel.Event) map[string]string {
	progress := ""
	if ev.Progress != nil {
		progress = strconv.Itoa(*ev.Progress)
	}
	ts := ""
	if !ev.ReceivedAt.IsZero() {
		ts = ev.ReceivedAt.Format("15:04:05")
	}
	return map[string]string{
		"time":     ts,
		"key":      ev.Key,
		"type":     ev.Type,
		"task_id":  string(ev.TaskID),
		"status":   ev.Status,
		"stage":    ev.CurrentStage,
		"progress": progress,
		"message":  ev.Message,
	}
}

func expand(src string, fields map[string]string) (string, error) {
	out, err := resolveSections(src, fields)
	if err != nil {
		return "", err
	}

	var unknown []string
	out = placeholderRe.ReplaceAllStringFunc(out, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if v, ok := fields[name]; ok {
			return v
		}
		unknown = append(unknown, name)
		return match
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown fields: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

// resolveSections expands {{#if}} blocks innermost first: each {{/if}} pairs
// with the closest {{#if}} before it.
func resolveSections(src string, fields map[string]string) (string, error) {
	out := src
	for {
		end := strings.Index(out, sectionClose)
		if end == -1 {
			break
		}
		opens := sectionOpenRe.FindAllStringSubmatchIndex(out[:end], -1)
		if opens == nil {
			return "", fmt.Errorf("{{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := out[open[2]:open[3]]
		if _, ok := fields[name]; !ok {
			return "", fmt.Errorf("unknown fields: %s", name)
		}

		var body string
		if fields[name] != "" {
			body = out[open[1]:end]
		}
		out = out[:open[0]] + body + out[end+len(sectionClose):]
	}

	if tag := sectionOpenRe.FindString(out); tag != "" {
		return "", fmt.Errorf("unclosed section: %s", tag)
	}
	return out, nil
}
