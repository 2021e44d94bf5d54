// Package engine defines the pluggable backend contract that the run
// executor drives, along with a registry for name-based lookup and a
// handful of concrete adapters (echo, CLI subprocess, MCP).
package engine

import (
	"context"

	"github.com/lemonforge/runsched/internal/job"
)

// ResumeToken is an opaque hint that a prior run may be continued by the
// same engine.
type ResumeToken = job.ResumeToken

// StartOpts carries per-start context that is not part of the Job itself.
type StartOpts struct {
	CWD   string
	RunID string
}

// Sink receives events and deltas from a running engine. Implementations
// forward them to the run's event loop; sinks must not block for long.
type Sink interface {
	Event(ref RunRef, ev Event)
	Delta(ref RunRef, text string)
}

// RunRef identifies one engine-side invocation to the engine that started
// it, so subsequent Cancel/Steer calls and incoming sink messages can be
// correlated without leaking engine-internal types.
type RunRef interface{}

// StartResult is returned by a successful Start.
type StartResult struct {
	Ref        RunRef
	CancelFunc context.CancelFunc
}

// Engine is the behavioural contract a backend must satisfy. Engines are
// polymorphic: the core never assumes anything about how a run executes,
// only that it emits events/deltas via the Sink and eventually a terminal
// Completed event.
type Engine interface {
	ID() string
	StartRun(ctx context.Context, job Job, opts StartOpts, sink Sink) (StartResult, error)
	Cancel(ctx context.Context, ref RunRef) error
	SupportsSteer() bool
	Steer(ctx context.Context, ref RunRef, text string) error
	FormatResume(tok ResumeToken) string
	ExtractResume(line string) (ResumeToken, bool)
}

// Job is the request descriptor an engine needs to start a run.
type Job = job.Job

// Event is the engine event schema, carried as a plain struct internally
// and flattened to a map before it crosses the Bus.
type Event struct {
	Kind string // "started" | "action" | "action_event" | "completed"

	// Started
	Title string
	Meta  map[string]any

	// Action
	ActionID     string
	ActionKind   string
	ActionTitle  string
	ActionDetail string

	// ActionEvent
	Phase   string // started | updated | completed
	OK      *bool
	Message string
	Level   string

	// Completed
	Answer string
	Error  string
	Usage  map[string]any
	Resume *ResumeToken
}
