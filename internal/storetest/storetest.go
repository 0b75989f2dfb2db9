// Package storetest provides in-memory implementations of the service
// collaborators for tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
)

// Faults makes named methods fail. It is embedded by every fake.
type Faults struct {
	mu     sync.Mutex
	errs   map[string]error
	counts map[string]int
	once   map[string]bool
}

// FailOn makes every call to method return err until cleared with a nil err.
func (f *Faults) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
		f.once = make(map[string]bool)
	}
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
	f.once[method] = false
}

// FailOnce makes only the next call to method return err.
func (f *Faults) FailOnce(method string, err error) {
	f.FailOn(method, err)
	f.mu.Lock()
	f.once[method] = true
	f.mu.Unlock()
}

// Calls reports how often method was invoked.
func (f *Faults) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *Faults) fault(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[method]++

	err, ok := f.errs[method]
	if !ok {
		return nil
	}
	if f.once[method] {
		delete(f.errs, method)
	}
	return fmt.Errorf("storetest %s: %w", method, err)
}

// Events records published events.
type Events struct {
	Faults

	mu        sync.Mutex
	published []Event
}

type Event struct {
	Subject string
	Payload any
}

func (e *Events) Publish(_ context.Context, subject string, event any) error {
	if err := e.fault("Publish"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = append(e.published, Event{Subject: subject, Payload: event})
	return nil
}

// Subjects lists published subjects in order.
func (e *Events) Subjects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.published))
	for _, ev := range e.published {
		out = append(out, ev.Subject)
	}
	return out
}
