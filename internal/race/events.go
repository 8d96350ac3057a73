package race

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// Result is the record of one completed claim task.
type Result struct {
	Round      int
	Endpoint   string
	PublicCode string
	Note       string
	Handle     string
	Succeeded  bool
	First      bool // this result flipped the item to claimed
	Message    string
	Err        error
	At         time.Time
}

// String formats the result as a log line.
func (r Result) String() string {
	mark := "✗"
	if r.Succeeded {
		mark = "✓"
	}
	label := r.PublicCode
	if r.Note != "" {
		label += " (" + r.Note + ")"
	}
	return fmt.Sprintf("[round %d - %s] %s %s: %s", r.Round, r.Endpoint, mark, label, r.Message)
}

// SystemEvent is an operational log line: auth progress, round
// boundaries, errors.
type SystemEvent struct {
	Level   zapcore.Level
	Message string
	At      time.Time
}

func (e SystemEvent) String() string {
	return e.Message
}

// Sink receives the two event streams. Implementations must be safe for
// concurrent use; Result is called from pool workers.
type Sink interface {
	Result(Result)
	System(SystemEvent)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Result(Result)      {}
func (NopSink) System(SystemEvent) {}

// Tee fans events out to several sinks in order.
type Tee []Sink

func (t Tee) Result(r Result) {
	for _, s := range t {
		s.Result(r)
	}
}

func (t Tee) System(e SystemEvent) {
	for _, s := range t {
		s.System(e)
	}
}

// Funcs adapts a pair of functions to Sink. Nil funcs are skipped.
type Funcs struct {
	OnResult func(Result)
	OnSystem func(SystemEvent)
}

func (f Funcs) Result(r Result) {
	if f.OnResult != nil {
		f.OnResult(r)
	}
}

func (f Funcs) System(e SystemEvent) {
	if f.OnSystem != nil {
		f.OnSystem(e)
	}
}

// Serialized wraps a sink so that calls are delivered one at a time, which
// keeps each stream's order stable for sinks that write to a terminal.
func Serialized(s Sink) Sink {
	return &serialized{sink: s}
}

type serialized struct {
	mu   sync.Mutex
	sink Sink
}

func (s *serialized) Result(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Result(r)
}

func (s *serialized) System(e SystemEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.System(e)
}
