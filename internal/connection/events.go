package connection

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/transport"
)

type EventKind string

const (
	EventOpen               EventKind = "open"
	EventClose              EventKind = "close"
	EventError              EventKind = "error"
	EventMessage            EventKind = "message"
	EventReconnecting       EventKind = "reconnecting"
	EventReconnected        EventKind = "reconnected"
	EventReconnectionFailed EventKind = "reconnectionFailed"
)

// Event is delivered to every subscriber. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind EventKind

	Message *transport.Message
	Err     error

	CloseCode int

	Attempt        int
	NextDelay      time.Duration
	ActiveSessions []string
	Reason         string
}

type observers struct {
	mu     sync.RWMutex
	next   int
	fns    map[int]func(Event)
	logger *slog.Logger
}

func newObservers(logger *slog.Logger) *observers {
	return &observers{fns: make(map[int]func(Event)), logger: logger}
}

func (o *observers) add(fn func(Event)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

func (o *observers) emit(ev Event) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		o.call(fn, ev)
	}
}

func (o *observers) call(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("event listener panicked", "event", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}
