package watch

import (
	"fmt"
	"io"
	"sync"

	"github.com/lucasnoah/factoryctl/internal/channel"
)

// Printer writes events to w, one per line.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
	tmpl *Template
}

// NewPrinter creates a printer. With jsonOut each line is the raw frame.
func NewPrinter(w io.Writer, jsonOut bool) *Printer {
	return &Printer{w: w, json: jsonOut}
}

// NewTemplatePrinter creates a printer that renders each event with tmpl.
func NewTemplatePrinter(w io.Writer, tmpl *Template) *Printer {
	return &Printer{w: w, tmpl: tmpl}
}

// Print writes one event.
func (p *Printer) Print(ev channel.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.tmpl != nil:
		line, err := p.tmpl.Execute(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.w, line)
		return err
	case p.json:
		_, err := fmt.Fprintf(p.w, "%s\n", ev.Raw)
		return err
	}
	ts := ev.ReceivedAt.Format("15:04:05")
	_, err := fmt.Fprintf(p.w, "%s  %-8s %s\n", ts, ev.Key, ev)
	return err
}
