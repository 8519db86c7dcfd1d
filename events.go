package pollchat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Events emitted by the engine. Payloads are snapshots safe to keep.
const (
	EventRosterUpdated        = "roster.updated"
	EventPresenceUpdated      = "presence.updated"
	EventUnreadUpdated        = "unread.updated"
	EventConversationSelected = "conversation.selected"
	EventMessagesUpdated      = "messages.updated"
	EventBlockUpdated         = "block.updated"
	EventSessionLogout        = "session.logout"

	// EventAny subscribes to every event.
	EventAny = "*"
)

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

// Events fans engine state changes out to subscribers. Handlers run on the
// goroutine that produced the change and must not block.
type Events struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func NewEvents() *Events {
	return &Events{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event, or for every event when event is EventAny.
func (e *Events) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *Events) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	handlers = append(handlers, e.listeners[EventAny]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *Events) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Engine options
// ============================================================================

// PollIntervals are the refresh periods of the periodic tasks.
type PollIntervals struct {
	Messages             time.Duration
	Unread               time.Duration
	RosterPresence       time.Duration
	ConversationPresence time.Duration
}

// DefaultPollIntervals returns the service's standard cadence.
func DefaultPollIntervals() PollIntervals {
	return PollIntervals{
		Messages:             time.Second,
		Unread:               2 * time.Second,
		RosterPresence:       3 * time.Second,
		ConversationPresence: 5 * time.Second,
	}
}

func (p PollIntervals) withDefaults() PollIntervals {
	d := DefaultPollIntervals()
	if p.Messages <= 0 {
		p.Messages = d.Messages
	}
	if p.Unread <= 0 {
		p.Unread = d.Unread
	}
	if p.RosterPresence <= 0 {
		p.RosterPresence = d.RosterPresence
	}
	if p.ConversationPresence <= 0 {
		p.ConversationPresence = d.ConversationPresence
	}
	return p
}

type options struct {
	logger    zerolog.Logger
	metrics   *Metrics
	events    *Events
	intervals PollIntervals
	now       func() time.Time
}

// Option configures engine components (App, Sidebar, Conversation and the
// trackers).
type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEvents shares an event bus between components.
func WithEvents(e *Events) Option {
	return func(o *options) { o.events = e }
}

func WithPollIntervals(p PollIntervals) Option {
	return func(o *options) { o.intervals = p.withDefaults() }
}

// WithClock overrides the time source used for status text.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    zerolog.Nop(),
		intervals: DefaultPollIntervals(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.events == nil {
		o.events = NewEvents()
	}
	return o
}

// componentOptions re-exports resolved options to child components.
func (o options) componentOptions() []Option {
	return []Option{
		WithLogger(o.logger),
		WithMetrics(o.metrics),
		WithEvents(o.events),
		WithPollIntervals(o.intervals),
		WithClock(o.now),
	}
}
