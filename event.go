package sbnc

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Phase selects when a listener runs during dispatch. Pre-observers
// run first, then handlers, then post-observers.
type Phase int

const (
	PreObserver Phase = iota
	Handler
	PostObserver
)

// HandlerResult is returned by Handler-phase listeners. Handled stops
// the remaining handlers; RemoveHandler deregisters the listener after
// the call and may be combined with the others. Observer results are
// ignored.
type HandlerResult int

const (
	Continue      HandlerResult = 0x0
	Handled       HandlerResult = 0x1
	RemoveHandler HandlerResult = 0x2
)

// EventFilter decides whether a listener sees a dispatch.
type EventFilter func(evt *Event, sender interface{}, args []interface{}) bool

// EventHandler is a listener callback.
type EventHandler func(evt *Event, sender interface{}, args []interface{}) HandlerResult

// ListenerID identifies a registered listener for later removal. IDs
// are unique across all events in the process.
type ListenerID uint64

var listenerIDs atomic.Uint64

type listener struct {
	id      ListenerID
	handler EventHandler
	phase   Phase
	filter  EventFilter
}

// Event is an ordered list of listeners dispatched in three phases.
// An event may be bound to a parent event, in which case listeners
// registered here actually live on the parent under a conjoined
// filter; this is how per-connection events fan out from the
// factory-level ones.
type Event struct {
	mu        sync.Mutex
	listeners []listener
	parent    *Event
	filter    EventFilter
}

func NewEvent() *Event {
	return &Event{}
}

// Bind attaches this event to a parent so that listeners added here
// are registered on the parent with the given filter conjoined.
// Binding an event that already has listeners panics.
func (e *Event) Bind(parent *Event, filter EventFilter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.listeners) != 0 {
		panic("sbnc: cannot bind an event that already has listeners")
	}
	e.parent = parent
	e.filter = filter
}

// AddListener registers h for the given phase. A nil filter matches
// every dispatch. By default the listener is prepended so the most
// recently added one runs first within its phase; last appends it
// instead. The returned id deregisters the listener via
// RemoveListener.
func (e *Event) AddListener(h EventHandler, phase Phase, filter EventFilter, last bool) ListenerID {
	e.mu.Lock()
	if e.filter != nil {
		filter = conjoinFilters(e.filter, filter)
	}
	parent := e.parent
	e.mu.Unlock()

	if parent != nil {
		return parent.AddListener(h, phase, filter, last)
	}

	l := listener{
		id:      ListenerID(listenerIDs.Add(1)),
		handler: h,
		phase:   phase,
		filter:  filter,
	}

	e.mu.Lock()
	if last {
		e.listeners = append(e.listeners, l)
	} else {
		e.listeners = append([]listener{l}, e.listeners...)
	}
	e.mu.Unlock()

	return l.id
}

func (e *Event) AddHandler(h EventHandler, filter EventFilter) ListenerID {
	return e.AddListener(h, Handler, filter, false)
}

func (e *Event) AddPreObserver(h EventHandler, filter EventFilter) ListenerID {
	return e.AddListener(h, PreObserver, filter, false)
}

func (e *Event) AddPostObserver(h EventHandler, filter EventFilter) ListenerID {
	return e.AddListener(h, PostObserver, filter, false)
}

// RemoveListener deregisters the listener with the given id, returning
// false if the id is unknown. On a bound event the listener lives on
// the parent and is removed there.
func (e *Event) RemoveListener(id ListenerID) bool {
	e.mu.Lock()
	parent := e.parent
	e.mu.Unlock()

	if parent != nil {
		return parent.RemoveListener(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Invoke dispatches to every matching listener: pre-observers first,
// then handlers, then post-observers. The first handler to return
// Handled stops the remaining handlers; observers always run. Returns
// true iff some handler returned Handled. A panicking listener is
// reported via RecoverListenerPanic and dispatch continues.
func (e *Event) Invoke(sender interface{}, args ...interface{}) bool {
	eventsDispatchedTotal.Inc()

	e.mu.Lock()
	snapshot := make([]listener, len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	handled := false
	var remove []ListenerID

	for _, phase := range []Phase{PreObserver, Handler, PostObserver} {
		for _, l := range snapshot {
			if l.phase != phase {
				continue
			}
			res, invoked := e.call(l, sender, args)
			if !invoked || phase != Handler {
				continue
			}
			if res&RemoveHandler != 0 {
				remove = append(remove, l.id)
			}
			if res&Handled != 0 {
				handled = true
				break
			}
		}
	}

	for _, id := range remove {
		e.RemoveListener(id)
	}

	return handled
}

// call runs a single listener, applying its filter and containing any
// panic. invoked is false when the filter rejected the dispatch.
func (e *Event) call(l listener, sender interface{}, args []interface{}) (res HandlerResult, invoked bool) {
	defer func() {
		if p := recover(); p != nil {
			reportListenerPanic(l.id, p)
			res, invoked = Continue, true
		}
	}()

	if l.filter != nil && !l.filter(e, sender, args) {
		return Continue, false
	}
	return l.handler(e, sender, args), true
}

func conjoinFilters(a, b EventFilter) EventFilter {
	if b == nil {
		return a
	}
	return func(evt *Event, sender interface{}, args []interface{}) bool {
		return a(evt, sender, args) && b(evt, sender, args)
	}
}

// MatchSource filters dispatches to those originating from the given
// sender.
func MatchSource(source interface{}) EventFilter {
	return func(evt *Event, sender interface{}, args []interface{}) bool {
		return sender == source
	}
}

// MatchCommand filters command dispatches by command name; the command
// is the first dispatch argument and is compared verbatim, so callers
// normalise case beforehand.
func MatchCommand(command string) EventFilter {
	return func(evt *Event, sender interface{}, args []interface{}) bool {
		if len(args) == 0 {
			return false
		}
		cmd, ok := args[0].(string)
		return ok && cmd == command
	}
}

// HandlerError wraps a panic raised inside an event listener together
// with the call site and the stack at the point of the panic.
type HandlerError struct {
	ID    ListenerID
	Panic interface{}
	File  string
	Line  int
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("event listener %d panicked at %s:%d: %v", e.ID, e.File, e.Line, e.Panic)
}

// RecoverListenerPanic is called whenever an event listener panics.
// The default logs the error and stack trace; dispatch continues
// either way.
var RecoverListenerPanic = func(err *HandlerError) {
	log.Printf("%v\n%s", err, err.Stack)
}

func reportListenerPanic(id ListenerID, p interface{}) {
	_, file, line, _ := runtime.Caller(3)
	RecoverListenerPanic(&HandlerError{
		ID:    id,
		Panic: p,
		File:  file,
		Line:  line,
		Stack: debug.Stack(),
	})
}
