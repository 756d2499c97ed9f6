// Package observability defines the structured events emitted by each
// ingestion stage and the sinks that receive them.
//
// The core decides what to emit (validation flags, extraction method, OCR
// confidence, breaker transitions, chunk totals); shipping is up to the
// Emitter the caller wires in. Emitters never return errors: a failing sink
// must not block the pipeline.
package observability

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// Stage names.
const (
	StageValidation = "validation"
	StageGuard      = "guard"
	StageExtraction = "extraction"
	StageChunking   = "chunking"
	StageIngest     = "ingest"
)

// Event is a single stage-level occurrence.
type Event struct {
	Stage   string         `json:"stage"`
	Name    string         `json:"name"`
	Success bool           `json:"success"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(stage, name string, success bool, attrs map[string]any) Event {
	return Event{Stage: stage, Name: name, Success: success, Attrs: attrs, At: time.Now()}
}

// Emitter receives events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop returns an Emitter that drops everything.
func Nop() Emitter { return EmitterFunc(func(context.Context, Event) {}) }

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit forwards e to every non-nil emitter.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// SlogEmitter writes events as structured log records.
type SlogEmitter struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogEmitter logs events at debug level. A nil logger uses slog.Default().
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns a copy logging at lvl.
func (s *SlogEmitter) WithLevel(lvl slog.Level) *SlogEmitter {
	return &SlogEmitter{logger: s.logger, level: lvl}
}

// Emit logs e. Attribute keys are sorted so records are stable.
func (s *SlogEmitter) Emit(ctx context.Context, e Event) {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 4+2*len(keys))
	args = append(args, "stage", e.Stage, "success", e.Success)
	for _, k := range keys {
		args = append(args, k, e.Attrs[k])
	}
	s.logger.Log(ctx, s.level, "event "+e.Name, args...)
}

// Recorder keeps events in memory. Useful in tests and for the CLI summary.
type Recorder struct {
	events chan Event
}

// NewRecorder buffers up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

// Emit stores e if there is room.
func (r *Recorder) Emit(_ context.Context, e Event) {
	select {
	case r.events <- e:
	default:
	}
}

// Drain returns and removes all buffered events.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
