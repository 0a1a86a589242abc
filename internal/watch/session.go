// Package watch follows task status channels and routes their events to a
// printer, the event journal, and an optional NATS relay.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/factoryctl/internal/channel"
	"github.com/lucasnoah/factoryctl/internal/db"
)

// ErrDisconnected is returned when a watched channel gives up reconnecting.
var ErrDisconnected = errors.New("status channel disconnected")

var errDone = errors.New("task finished")

// Journal records events.
type Journal interface {
	RecordEvent(ctx context.Context, e db.TaskEvent) error
}

// Forwarder relays events to another system.
type Forwarder interface {
	Forward(ev channel.Event) error
}

// Options configures a Session. At least one of TaskID and All is required.
type Options struct {
	// WSURL is the websocket base URL of the status service.
	WSURL  string
	TaskID string
	All    bool

	// Filter selects which events are printed and forwarded. The journal
	// records every event.
	Filter    *Filter
	UntilDone bool

	Printer *Printer
	Journal Journal
	Relay   Forwarder
	Logger  *slog.Logger
}

// Stats counts what a session has handled.
type Stats struct {
	Received  int
	Printed   int
	Journaled int
	Relayed   int
	Failed    int
	// Duplicates counts all-tasks events for the watched task, which
	// already arrive on the task's own channel.
	Duplicates int
}

// Session watches one or two channels until cancelled, a terminal status
// arrives (with UntilDone), or a channel is lost.
type Session struct {
	m      *channel.Manager
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewSession validates opts and creates a session on m.
func NewSession(m *channel.Manager, opts Options) (*Session, error) {
	if opts.TaskID == "" && !opts.All {
		return nil, errors.New("watch: a task id or --all is required")
	}
	if opts.WSURL == "" {
		return nil, errors.New("watch: websocket URL is required")
	}
	if opts.UntilDone && opts.TaskID == "" {
		return nil, errors.New("watch: --until-done needs a task id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{m: m, opts: opts, logger: logger}, nil
}

type target struct {
	key string
	url string
}

func (s *Session) targets() []target {
	var out []target
	if s.opts.TaskID != "" {
		out = append(out, target{channel.TaskKey(s.opts.TaskID), channel.StatusURL(s.opts.WSURL, s.opts.TaskID)})
	}
	if s.opts.All {
		out = append(out, target{channel.GlobalKey, channel.AllURL(s.opts.WSURL)})
	}
	return out
}

// Run connects the channels and handles events until done. Cancelling ctx
// and reaching a terminal status both return nil.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan channel.Event, 256)

	targets := s.targets()
	for _, t := range targets {
		c := s.m.Connect(t.key, t.url, func(ev channel.Event) {
			select {
			case events <- ev:
			case <-gctx.Done():
			}
		})
		s.logger.Info("watching channel", "key", t.key, "url", t.url)

		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-c.Done():
			}
			if c.State() == channel.StateDisconnected {
				return fmt.Errorf("%s: %w", t.key, ErrDisconnected)
			}
			return nil
		})
	}
	defer func() {
		for _, t := range targets {
			s.m.Disconnect(t.key)
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				if err := s.handle(gctx, ev); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

func (s *Session) handle(ctx context.Context, ev channel.Event) error {
	s.count(func(st *Stats) { st.Received++ })
	if s.duplicate(ev) {
		s.count(func(st *Stats) { st.Duplicates++ })
		return nil
	}

	if s.opts.Journal != nil {
		if err := s.opts.Journal.RecordEvent(ctx, TaskEvent(ev)); err != nil {
			s.count(func(st *Stats) { st.Failed++ })
			s.logger.Warn("journal write failed", "key", ev.Key, "error", err)
		} else {
			s.count(func(st *Stats) { st.Journaled++ })
		}
	}

	ok, err := s.opts.Filter.Match(ev)
	if err != nil {
		s.logger.Warn("filter failed", "key", ev.Key, "error", err)
	}
	if ok {
		if s.opts.Printer != nil {
			if err := s.opts.Printer.Print(ev); err != nil {
				return fmt.Errorf("print event: %w", err)
			}
			s.count(func(st *Stats) { st.Printed++ })
		}
		if s.opts.Relay != nil {
			if err := s.opts.Relay.Forward(ev); err != nil {
				s.count(func(st *Stats) { st.Failed++ })
				s.logger.Warn("relay failed", "key", ev.Key, "error", err)
			} else {
				s.count(func(st *Stats) { st.Relayed++ })
			}
		}
	}

	if s.opts.UntilDone && ev.Terminal() && string(ev.TaskID) == s.opts.TaskID {
		s.logger.Info("task finished", "task_id", s.opts.TaskID, "status", ev.Status)
		return errDone
	}
	return nil
}

// duplicate reports whether ev is the all-tasks copy of an event for the
// watched task. Only the task channel's copy is handled.
func (s *Session) duplicate(ev channel.Event) bool {
	return s.opts.All && s.opts.TaskID != "" &&
		ev.Key == channel.GlobalKey && string(ev.TaskID) == s.opts.TaskID
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// TaskEvent converts a channel event to a journal row. Events without a
// task id (such as greetings on the all-tasks channel) are keyed by the
// channel.
func TaskEvent(ev channel.Event) db.TaskEvent {
	taskID := string(ev.TaskID)
	if taskID == "" {
		taskID = ev.Key
	}
	return db.TaskEvent{
		TaskID:       taskID,
		ChannelKey:   ev.Key,
		Type:         ev.Type,
		Status:       ev.Status,
		CurrentStage: ev.CurrentStage,
		Progress:     ev.Progress,
		Message:      ev.Message,
		Raw:          ev.Raw,
		ReceivedAt:   ev.ReceivedAt,
	}
}
