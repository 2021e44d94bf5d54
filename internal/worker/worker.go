// Package worker implements the ThreadWorker actor: a per-session FIFO
// job queue with five queue modes, at most one outstanding slot request,
// and at most one in-flight Run at a time.
//
// A Worker owns no mutex; all state is private to the goroutine started
// by Start and mutated only while handling one inbox message at a time,
// matching the single-threaded-actor model the scheduling core assumes.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/engine"
	"github.com/lemonforge/runsched/internal/enginelock"
	"github.com/lemonforge/runsched/internal/job"
	"github.com/lemonforge/runsched/internal/run"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/tracing"
)

// SlotProvider is the Scheduler's half of slot negotiation. RequestSlot
// must not block; when a slot becomes available the Scheduler sends it
// on grant exactly once (grant is a size-1 buffered channel owned by the
// caller).
type SlotProvider interface {
	RequestSlot(ctx context.Context, threadKey string, grant chan<- run.Slot)
}

// Config holds the per-worker queue and slot-negotiation tunables.
type Config struct {
	QueueCap         int           // 0 = unbounded
	QueueDropNewest  bool          // false (default) = drop oldest
	FollowupDebounce time.Duration // default 500ms
	SlotTimeout      time.Duration // default 30s
	SlotWatchdogTick time.Duration // default 5s
	RunConfig        run.Config
}

// Deps bundles the collaborators a spawned Run needs.
type Deps struct {
	Lock     *enginelock.Lock
	Registry *engine.Registry
	Store    store.Store
	Bus      bus.Bus
	Tracer     tracing.Tracer
	Slots      SlotProvider
	IDRegistry *run.IDRegistry
	ChatState  *store.ChatStateStore
}

type pendingSteer struct {
	job      job.Job
	fallback job.QueueMode
}

type msgKind int

const (
	msgSubmit msgKind = iota
	msgSlotGranted
	msgRunComplete
	msgSteerResult
	msgWatchdog
)

type workerMsg struct {
	kind msgKind

	submitJob job.Job

	slot run.Slot

	runID   string
	ok      bool
	summary map[string]any

	steerRunID string
	steerErr   error
	steerJob   job.Job
	steerMode  job.QueueMode
}

// Worker is the ThreadWorker actor for one thread_key (normally a
// session_key).
type Worker struct {
	threadKey string
	cfg       Config
	deps      Deps
	onIdle    func(threadKey string)

	inbox chan workerMsg

	queue           []job.Job
	currentRun      *run.Run
	currentSlot     run.Slot
	slotPending     bool
	slotRequestedAt time.Time
	lastFollowupAt  time.Time
	pendingSteers   map[string][]pendingSteer
}

// New constructs a Worker. onIdle is invoked exactly once, from the
// worker's own goroutine, when it terminates (empty queue, no active
// run, no outstanding slot request) — the Scheduler uses it to drop the
// worker from its registry.
func New(threadKey string, cfg Config, deps Deps, onIdle func(string)) *Worker {
	if cfg.FollowupDebounce <= 0 {
		cfg.FollowupDebounce = 500 * time.Millisecond
	}
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = 30 * time.Second
	}
	if cfg.SlotWatchdogTick <= 0 {
		cfg.SlotWatchdogTick = 5 * time.Second
	}
	return &Worker{
		threadKey:     threadKey,
		cfg:           cfg,
		deps:          deps,
		onIdle:        onIdle,
		inbox:         make(chan workerMsg, 64),
		pendingSteers: make(map[string][]pendingSteer),
	}
}

// Submit enqueues a Job. Non-blocking; safe from any goroutine.
func (w *Worker) Submit(j job.Job) {
	w.inbox <- workerMsg{kind: msgSubmit, submitJob: j}
}

// RunComplete implements run.Observer.
func (w *Worker) RunComplete(runID string, ok bool, summary map[string]any) {
	w.inbox <- workerMsg{kind: msgRunComplete, runID: runID, ok: ok, summary: summary}
}

// Start runs the actor loop until the worker goes idle, then returns.
// Callers should invoke it in its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SlotWatchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.handle(ctx, workerMsg{kind: msgWatchdog})
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		}
		if w.idle() {
			if w.onIdle != nil {
				w.onIdle(w.threadKey)
			}
			return
		}
	}
}

func (w *Worker) idle() bool {
	return len(w.queue) == 0 && w.currentRun == nil && !w.slotPending
}

func (w *Worker) handle(ctx context.Context, msg workerMsg) {
	switch msg.kind {
	case msgSubmit:
		w.handleSubmit(ctx, msg.submitJob)
	case msgSlotGranted:
		w.handleSlotGranted(ctx, msg.slot)
	case msgRunComplete:
		w.handleRunComplete(ctx, msg.runID, msg.ok, msg.summary)
	case msgSteerResult:
		w.handleSteerResult(ctx, msg.steerRunID, msg.steerJob, msg.steerMode, msg.steerErr)
	case msgWatchdog:
		w.handleWatchdog(ctx)
	}
	w.maybeRequestSlot(ctx)
}

func isAutoFollowup(j job.Job) bool {
	if j.Meta == nil {
		return false
	}
	if v, _ := j.Meta["task_auto_followup"].(bool); v {
		return true
	}
	v, _ := j.Meta["delegated_auto_followup"].(bool)
	return v
}

func (w *Worker) handleSubmit(ctx context.Context, j job.Job) {
	if j.QueueMode == job.Followup && w.currentRun != nil && isAutoFollowup(j) {
		j.QueueMode = job.SteerBacklog
	}

	switch j.QueueMode {
	case job.Interrupt:
		if w.currentRun != nil {
			w.currentRun.Cancel("interrupted")
		}
		w.enqueueHead(j)

	case job.Steer, job.SteerBacklog:
		if w.currentRun == nil {
			// No run active: reclassify per mode and enqueue at tail.
			if j.QueueMode == job.Steer {
				j.QueueMode = job.Followup
			} else {
				j.QueueMode = job.Collect
			}
			w.enqueueTail(j)
			break
		}
		fallback := job.Followup
		if j.QueueMode == job.SteerBacklog {
			fallback = job.Collect
		}
		r := w.currentRun
		w.pendingSteers[r.ID()] = append(w.pendingSteers[r.ID()], pendingSteer{job: j, fallback: fallback})
		go w.dispatchSteer(ctx, r, j, fallback)

	case job.Followup:
		if w.tryMergeFollowup(j) {
			break
		}
		w.enqueueTail(j)

	default: // collect, and anything unrecognized
		w.enqueueTail(j)
	}
}

// tryMergeFollowup merges j into the tail-most followup job if one was
// enqueued within FollowupDebounce; reports whether it merged.
func (w *Worker) tryMergeFollowup(j job.Job) bool {
	now := time.Now()
	if w.lastFollowupAt.IsZero() || now.Sub(w.lastFollowupAt) >= w.cfg.FollowupDebounce {
		w.lastFollowupAt = now
		return false
	}
	for i := len(w.queue) - 1; i >= 0; i-- {
		if w.queue[i].QueueMode == job.Followup {
			w.queue[i].Prompt = w.queue[i].Prompt + "\n" + j.Prompt
			w.queue[i].Meta = j.Meta
			w.lastFollowupAt = now
			return true
		}
	}
	w.lastFollowupAt = now
	return false
}

func (w *Worker) dispatchSteer(ctx context.Context, r *run.Run, j job.Job, fallback job.QueueMode) {
	err := r.Steer(ctx, j.Prompt)
	w.inbox <- workerMsg{kind: msgSteerResult, steerRunID: r.ID(), steerJob: j, steerMode: fallback, steerErr: err}
}

func (w *Worker) handleSteerResult(ctx context.Context, runID string, j job.Job, fallback job.QueueMode, err error) {
	pending := w.pendingSteers[runID]
	for i, p := range pending {
		if p.job.RunID == j.RunID {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(w.pendingSteers, runID)
	} else {
		w.pendingSteers[runID] = pending
	}

	if err != nil {
		j.QueueMode = fallback
		w.enqueueTail(j)
	}
}

func (w *Worker) enqueueHead(j job.Job) {
	w.queue = append([]job.Job{j}, w.queue...)
	w.enforceCap(true)
}

func (w *Worker) enqueueTail(j job.Job) {
	w.queue = append(w.queue, j)
	w.enforceCap(false)
}

// enforceCap applies the queue cap drop policy. headInsert indicates the
// triggering enqueue was a head-insert (interrupt), which flips the
// "oldest" policy to drop from the tail instead, since the oldest entry
// now sitting at the head is the interrupt itself.
func (w *Worker) enforceCap(headInsert bool) {
	if w.cfg.QueueCap <= 0 {
		return
	}
	for len(w.queue) > w.cfg.QueueCap {
		if w.cfg.QueueDropNewest {
			w.queue = w.queue[:len(w.queue)-1]
			continue
		}
		if headInsert {
			w.queue = w.queue[:len(w.queue)-1]
		} else {
			w.queue = w.queue[1:]
		}
	}
}

func (w *Worker) maybeRequestSlot(ctx context.Context) {
	if w.currentRun != nil || len(w.queue) == 0 || w.slotPending {
		return
	}
	w.slotPending = true
	w.slotRequestedAt = time.Now()
	grant := make(chan run.Slot, 1)
	w.deps.Slots.RequestSlot(ctx, w.threadKey, grant)
	go func() {
		slot, ok := <-grant
		if !ok {
			return
		}
		w.inbox <- workerMsg{kind: msgSlotGranted, slot: slot}
	}()
}

func (w *Worker) handleWatchdog(ctx context.Context) {
	if w.slotPending && time.Since(w.slotRequestedAt) > w.cfg.SlotTimeout {
		slog.Warn("worker: slot request stale, re-requesting", "thread_key", w.threadKey)
		w.slotPending = false
	}
}

func (w *Worker) handleSlotGranted(ctx context.Context, slot run.Slot) {
	w.slotPending = false

	if w.currentRun != nil || len(w.queue) == 0 {
		slot.Release()
		return
	}

	j := w.popForRun()
	w.currentSlot = slot

	r := run.New(j.RunID, j, w.deps.Lock, w.deps.Registry, w.deps.Store, w.deps.Bus, w.deps.Tracer, w, slot, w.cfg.RunConfig, w.deps.IDRegistry, w.deps.ChatState)
	w.currentRun = r
	r.Start(ctx)
}

// popForRun removes and returns the next job to run, coalescing a run of
// consecutive `collect` jobs at the head of the queue into one.
func (w *Worker) popForRun() job.Job {
	head := w.queue[0]
	if head.QueueMode != job.Collect {
		w.queue = w.queue[1:]
		return head
	}

	merged := head
	n := 1
	for n < len(w.queue) && w.queue[n].QueueMode == job.Collect {
		merged.Prompt = merged.Prompt + "\n" + w.queue[n].Prompt
		merged.Meta = w.queue[n].Meta
		n++
	}
	w.queue = w.queue[n:]
	return merged
}

func (w *Worker) handleRunComplete(ctx context.Context, runID string, ok bool, summary map[string]any) {
	if w.currentRun == nil || w.currentRun.ID() != runID {
		return // stale completion for a run we no longer track
	}
	delete(w.pendingSteers, runID)
	w.currentRun = nil
	w.currentSlot = run.Slot{}
}
