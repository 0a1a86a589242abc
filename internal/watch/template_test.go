package watch

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/factoryctl/internal/channel"
)

func templateEvent(t *testing.T, raw string) channel.Event {
	t.Helper()
	ev, err := channel.ParseEvent([]byte(raw))
	require.NoError(t, err)
	ev.Key = "task_9"
	ev.ReceivedAt = time.Date(2026, 3, 4, 8, 9, 10, 0, time.UTC)
	return ev
}

func TestTemplateExecute(t *testing.T) {
	processing := templateEvent(t, `{"type":"status_update","task_id":9,"status":"processing","current_stage":"forge","progress":70}`)
	greeting := templateEvent(t, `{"type":"connected","task_id":"9"}`)

	tests := []struct {
		name string
		src  string
		ev   channel.Event
		want string
	}{
		{"plain fields", "{{time}} {{key}} {{type}}", processing, "08:09:10 task_9 status_update"},
		{"section kept", "#{{task_id}}{{#if stage}} at {{stage}}{{/if}}", processing, "#9 at forge"},
		{"section dropped", "#{{task_id}}{{#if stage}} at {{stage}}{{/if}}", greeting, "#9"},
		{"missing field is empty", "[{{status}}]", greeting, "[]"},
		{"nested", "{{#if status}}{{status}}{{#if progress}} {{progress}}%{{/if}}{{/if}}", processing, "processing 70%"},
		{"nested outer absent", "a{{#if status}}{{status}}{{#if progress}} {{progress}}%{{/if}}{{/if}}b", greeting, "ab"},
		{"space in tag", "{{#if stage }}{{stage}}{{/if}}", processing, "forge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.src)
			require.NoError(t, err)
			got, err := tmpl.Execute(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTemplateValueNotReexpanded(t *testing.T) {
	ev := templateEvent(t, `{"type":"error","message":"bad {{status}} {{/if}}"}`)
	tmpl, err := ParseTemplate("{{#if message}}{{message}}{{/if}}")
	require.NoError(t, err)

	got, err := tmpl.Execute(ev)
	require.NoError(t, err)
	assert.Equal(t, "bad {{status}} {{/if}}", got)
}

func TestParseTemplateErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":   "{{owner}}",
		"unknown section": "{{#if owner}}x{{/if}}",
		"dangling close":  "x{{/if}}",
		"unclosed":        "{{#if stage}}x",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplate(src)
			assert.Error(t, err)
		})
	}
}

func TestPrinterTemplate(t *testing.T) {
	tmpl, err := ParseTemplate("{{task_id}} {{status}}")
	require.NoError(t, err)
	ev := templateEvent(t, `{"type":"status_update","task_id":9,"status":"completed"}`)

	var buf bytes.Buffer
	require.NoError(t, NewTemplatePrinter(&buf, tmpl).Print(ev))
	assert.Equal(t, "9 completed\n", buf.String())
}
