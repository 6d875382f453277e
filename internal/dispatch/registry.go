package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Handler processes one event. Returned errors are logged by the caller and
// never stop the consumer.
type Handler interface {
	Handle(ctx context.Context, ev *Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// TextFilter selects text events. A nil filter matches every text event.
type TextFilter func(ev *Event) bool

// Entry is one registered route.
type Entry struct {
	Kind    Kind
	Key     string
	Handler Handler

	filter  TextFilter
	pattern *regexp.Regexp
}

func (e *Entry) matches(ev *Event) bool {
	if e.Kind != ev.Kind {
		return false
	}
	switch e.Kind {
	case KindCommand:
		return e.Key == ev.Command
	case KindText:
		return e.filter == nil || e.filter(ev)
	case KindCallback:
		return e.pattern == nil || e.pattern.MatchString(ev.Data)
	}
	return false
}

// Builder collects routes in registration order. Build freezes them.
type Builder struct {
	entries  []*Entry
	commands map[string]bool
	def      Handler
	errs     []error
}

func NewBuilder() *Builder {
	return &Builder{commands: make(map[string]bool)}
}

// Command routes /name (case-insensitive, leading slash optional).
func (b *Builder) Command(name string, h Handler) *Builder {
	key := strings.ToLower(strings.TrimPrefix(name, "/"))
	if key == "" {
		b.errs = append(b.errs, fmt.Errorf("empty command name"))
		return b
	}
	if b.commands[key] {
		b.errs = append(b.errs, fmt.Errorf("duplicate command %q", key))
		return b
	}
	b.commands[key] = true
	b.entries = append(b.entries, &Entry{Kind: KindCommand, Key: key, Handler: h})
	return b
}

// Text routes text events accepted by filter.
func (b *Builder) Text(filter TextFilter, h Handler) *Builder {
	b.entries = append(b.entries, &Entry{Kind: KindText, Key: "*", Handler: h, filter: filter})
	return b
}

// Callback routes callback queries whose data matches pattern. An empty
// pattern matches any data.
func (b *Builder) Callback(pattern string, h Handler) *Builder {
	e := &Entry{Kind: KindCallback, Key: pattern, Handler: h}
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("callback pattern %q: %w", pattern, err))
			return b
		}
		e.pattern = re
	}
	b.entries = append(b.entries, e)
	return b
}

// Default sets the handler used when no entry matches.
func (b *Builder) Default(h Handler) *Builder {
	b.def = h
	return b
}

// Build returns the immutable registry, or the first registration error.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("build registry: %w", b.errs[0])
	}
	entries := make([]*Entry, len(b.entries))
	copy(entries, b.entries)
	return &Registry{entries: entries, def: b.def}, nil
}

// Registry maps events to handlers. It is safe for concurrent reads.
type Registry struct {
	entries []*Entry
	def     Handler
}

// Match returns the handler of the first entry matching ev, the default
// handler if none does, or nil.
func (r *Registry) Match(ev *Event) Handler {
	for _, e := range r.entries {
		if e.matches(ev) {
			return e.Handler
		}
	}
	return r.def
}

// Commands lists registered command names in registration order.
func (r *Registry) Commands() []string {
	var out []string
	for _, e := range r.entries {
		if e.Kind == KindCommand {
			out = append(out, e.Key)
		}
	}
	return out
}

// Entries returns a copy of the routes in precedence order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}
