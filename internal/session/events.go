package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// State is a scan session state.
type State int

// Session states. Scanning covers both strategies running together.
const (
	Idle State = iota
	Scanning
	Reconciling
	DeepRunning
	ReportReady
	Done
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Scanning:    "scanning",
	Reconciling: "reconciling",
	DeepRunning: "deep_running",
	ReportReady: "report_ready",
	Done:        "done",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventStateChanged     EventKind = "state_changed"
	EventStrategyStarted  EventKind = "strategy_started"
	EventStrategyFinished EventKind = "strategy_finished"
	EventWarning          EventKind = "warning"
	EventReportWritten    EventKind = "report_written"
)

// Event is a progress notification from a running session.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Time      time.Time `json:"time"`

	// state transitions
	From State `json:"from"`
	To   State `json:"to"`

	// strategy events
	Strategy string       `json:"strategy,omitempty"`
	Source   ports.Source `json:"source,omitempty"`
	Set      ports.Set    `json:"set,omitempty"`

	Warning *scanning.Warning `json:"warning,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Err     string            `json:"error,omitempty"`
}

// MarshalJSON writes from and to only on state_changed events, where the
// zero State (idle) is a real value.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		From *State `json:"from,omitempty"`
		To   *State `json:"to,omitempty"`
	}{plain: plain(e)}
	if e.Kind == EventStateChanged {
		out.From, out.To = &e.From, &e.To
	}
	return json.Marshal(out)
}

// Observer receives session events. A session never calls Observe from two
// goroutines at once. On a failed session the terminal Failed transition is
// emitted before report_written; on success report_written falls between
// ReportReady and Done.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// Recorder collects events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// States returns the sequence of states entered, in order.
func (r *Recorder) States() []State {
	var out []State
	for _, e := range r.Events() {
		if e.Kind == EventStateChanged {
			out = append(out, e.To)
		}
	}
	return out
}
