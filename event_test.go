package sbnc

import (
	"reflect"
	"testing"
)

func recordListener(log *[]string, name string, result HandlerResult) EventHandler {
	return func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		*log = append(*log, name)
		return result
	}
}

func TestInvokePhaseOrder(t *testing.T) {
	e := NewEvent()
	var log []string

	// Registration order deliberately reversed: phases must still run
	// pre, handler, post.
	e.AddPostObserver(recordListener(&log, "post", Continue), nil)
	e.AddHandler(recordListener(&log, "handler", Continue), nil)
	e.AddPreObserver(recordListener(&log, "pre", Continue), nil)

	if e.Invoke(nil) {
		t.Error("Invoke reported handled without a Handled result")
	}

	want := []string{"pre", "handler", "post"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("dispatch order: want %v, got %v", want, log)
	}
}

func TestHandledStopsRemainingHandlers(t *testing.T) {
	e := NewEvent()
	var log []string

	e.AddPreObserver(recordListener(&log, "pre", Continue), nil)
	e.AddPostObserver(recordListener(&log, "post", Continue), nil)
	e.AddListener(recordListener(&log, "h2", Continue), Handler, nil, true)
	e.AddListener(recordListener(&log, "h1", Handled), Handler, nil, false)

	if !e.Invoke(nil) {
		t.Error("Invoke did not report handled")
	}

	// h1 claims the dispatch: h2 is skipped but both observers run.
	want := []string{"pre", "h1", "post"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("dispatch order: want %v, got %v", want, log)
	}
}

func TestAddListenerOrdering(t *testing.T) {
	e := NewEvent()
	var log []string

	e.AddHandler(recordListener(&log, "first", Continue), nil)
	e.AddHandler(recordListener(&log, "second", Continue), nil)
	e.AddListener(recordListener(&log, "last", Continue), Handler, nil, true)

	e.Invoke(nil)

	// Prepended listeners run most-recent first; last appends.
	want := []string{"second", "first", "last"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("handler order: want %v, got %v", want, log)
	}
}

func TestRemoveHandlerResult(t *testing.T) {
	e := NewEvent()
	calls := 0

	e.AddHandler(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		calls++
		return Handled | RemoveHandler
	}, nil)

	if !e.Invoke(nil) {
		t.Error("first Invoke did not report handled")
	}
	if e.Invoke(nil) {
		t.Error("second Invoke reported handled after the handler removed itself")
	}
	if calls != 1 {
		t.Errorf("handler calls: want 1, got %d", calls)
	}
}

func TestRemoveListener(t *testing.T) {
	e := NewEvent()
	calls := 0

	id := e.AddHandler(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		calls++
		return Continue
	}, nil)

	if !e.RemoveListener(id) {
		t.Error("RemoveListener did not find a registered listener")
	}
	if e.RemoveListener(id) {
		t.Error("RemoveListener removed the same listener twice")
	}

	e.Invoke(nil)
	if calls != 0 {
		t.Errorf("removed listener was invoked %d times", calls)
	}
}

func TestBindChildFilter(t *testing.T) {
	parent := NewEvent()

	alice := &struct{ name string }{"alice"}
	bob := &struct{ name string }{"bob"}

	child := NewEvent()
	child.Bind(parent, MatchSource(alice))

	calls := 0
	child.AddHandler(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		calls++
		return Handled
	}, nil)

	if !parent.Invoke(alice) {
		t.Error("dispatch from the bound sender was not handled")
	}
	if parent.Invoke(bob) {
		t.Error("dispatch from another sender reached the bound listener")
	}
	if calls != 1 {
		t.Errorf("bound listener calls: want 1, got %d", calls)
	}
}

func TestBindWithListenersPanics(t *testing.T) {
	e := NewEvent()
	e.AddHandler(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		return Continue
	}, nil)

	defer func() {
		if recover() == nil {
			t.Error("Bind on an event with listeners did not panic")
		}
	}()
	e.Bind(NewEvent(), nil)
}

func TestMatchCommand(t *testing.T) {
	e := NewEvent()
	calls := 0

	e.AddHandler(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		calls++
		return Handled
	}, MatchCommand("PING"))

	if !e.Invoke(nil, "PING", []string{"token"}) {
		t.Error("matching command was not handled")
	}
	if e.Invoke(nil, "PONG", []string{"token"}) {
		t.Error("non-matching command was handled")
	}
	if e.Invoke(nil) {
		t.Error("dispatch without arguments was handled")
	}
	if calls != 1 {
		t.Errorf("handler calls: want 1, got %d", calls)
	}
}

func TestListenerPanicContinuesDispatch(t *testing.T) {
	var reported *HandlerError
	prev := RecoverListenerPanic
	RecoverListenerPanic = func(err *HandlerError) {
		reported = err
	}
	defer func() { RecoverListenerPanic = prev }()

	e := NewEvent()
	var log []string

	e.AddListener(func(evt *Event, sender interface{}, args []interface{}) HandlerResult {
		log = append(log, "boom")
		panic("boom")
	}, Handler, nil, false)
	e.AddListener(recordListener(&log, "next", Handled), Handler, nil, true)
	e.AddPostObserver(recordListener(&log, "post", Continue), nil)

	if !e.Invoke(nil) {
		t.Error("dispatch after a panicking listener was not handled")
	}

	want := []string{"boom", "next", "post"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("dispatch order: want %v, got %v", want, log)
	}

	if reported == nil {
		t.Fatal("listener panic was not reported")
	}
	if reported.Panic != "boom" {
		t.Errorf("reported panic: want %q, got %v", "boom", reported.Panic)
	}
}
