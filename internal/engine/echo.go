package engine

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Echo is an in-process engine used for tests and local smoke-checks. It
// splits the prompt on whitespace and re-emits each token as a delta,
// then completes with the joined answer. It supports steer: a steered
// message is appended as additional deltas before completion.
type Echo struct {
	// DeltaDelay is paced between deltas, primarily to give tests
	// something to race against. Defaults to 0 (fire as fast as possible).
	DeltaDelay time.Duration

	mu      sync.Mutex
	steered map[RunRef][]string
	done    map[RunRef]bool
}

func NewEcho() *Echo {
	return &Echo{steered: make(map[RunRef][]string), done: make(map[RunRef]bool)}
}

func (e *Echo) ID() string { return "echo" }

type echoRef struct{ id string }

func (e *Echo) StartRun(ctx context.Context, job Job, opts StartOpts, sink Sink) (StartResult, error) {
	ref := &echoRef{id: opts.RunID}
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.done[ref] = false
	e.mu.Unlock()

	go e.run(runCtx, ref, job, sink)

	return StartResult{Ref: ref, CancelFunc: cancel}, nil
}

func (e *Echo) run(ctx context.Context, ref RunRef, job Job, sink Sink) {
	sink.Event(ref, Event{Kind: "started", Title: "echo run"})

	parts := strings.Fields(job.Prompt)
	var answer []string
	for _, p := range parts {
		select {
		case <-ctx.Done():
			e.finish(ref, sink, false, "canceled", strings.Join(answer, " "))
			return
		default:
		}
		sink.Delta(ref, p)
		answer = append(answer, p)
		if e.DeltaDelay > 0 {
			time.Sleep(e.DeltaDelay)
		}
	}

	// Drain any steers that arrived before completion.
	e.mu.Lock()
	steers := e.steered[ref]
	delete(e.steered, ref)
	e.mu.Unlock()
	for _, s := range steers {
		sink.Delta(ref, s)
		answer = append(answer, s)
	}

	e.finish(ref, sink, true, "", strings.Join(answer, " "))
}

func (e *Echo) finish(ref RunRef, sink Sink, ok bool, errMsg, answer string) {
	e.mu.Lock()
	e.done[ref] = true
	e.mu.Unlock()
	sink.Event(ref, Event{Kind: "completed", OK: &ok, Answer: answer, Error: errMsg})
}

func (e *Echo) Cancel(ctx context.Context, ref RunRef) error { return nil }

func (e *Echo) SupportsSteer() bool { return true }

func (e *Echo) Steer(ctx context.Context, ref RunRef, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done[ref] {
		return errSteerTooLate
	}
	e.steered[ref] = append(e.steered[ref], text)
	return nil
}

func (e *Echo) FormatResume(tok ResumeToken) string {
	return "echo-resume:" + tok.Value
}

func (e *Echo) ExtractResume(line string) (ResumeToken, bool) {
	const prefix = "echo-resume:"
	if !strings.HasPrefix(line, prefix) {
		return ResumeToken{}, false
	}
	return ResumeToken{Engine: "echo", Value: strings.TrimPrefix(line, prefix)}, true
}

type steerError string

func (s steerError) Error() string { return string(s) }

var errSteerTooLate = steerError("echo: run already completed")
