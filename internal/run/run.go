// Package run implements the Run actor: one engine invocation from
// lock acquisition through finalize, emitting events to the Bus and
// accumulating a record in the Store.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/engine"
	"github.com/lemonforge/runsched/internal/enginelock"
	"github.com/lemonforge/runsched/internal/job"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/tracing"
)

// Slot is the opaque concurrency-pool handle a Run releases exactly once
// on finalize. Granted by the Scheduler, threaded through the worker.
type Slot struct {
	ID      string
	Release func()
}

// Observer is notified when a Run finalizes, so its owning ThreadWorker
// can clear current_run and pop the next queued Job.
type Observer interface {
	RunComplete(runID string, ok bool, summary map[string]any)
}

// Config carries the Run's timeout tunables.
type Config struct {
	EngineLockTimeout time.Duration // default 60s
	DefaultEngine     string
}

// steerRequest is one inbound steer/steer_backlog call, answered on reply.
type steerRequest struct {
	text  string
	reply chan error
}

// Run is a single-threaded cooperative actor: all state below is only
// ever touched from the loop goroutine started by Start, except for the
// thread-safe inbox channels used to deliver external messages to it.
type Run struct {
	id         string
	sessionKey string
	job        job.Job

	lock     *enginelock.Lock
	registry *engine.Registry
	st       store.Store
	bs       bus.Bus
	tracer   tracing.Tracer
	observer Observer
	slot     Slot
	cfg      Config
	idReg    *IDRegistry

	cancelReason chan string
	steerCh      chan steerRequest
	engineEvents chan engineMsg

	chatState *store.ChatStateStore

	mu          sync.Mutex
	completed   bool
	lastSeq     int
	answer      strings.Builder
	lastResume  *job.ResumeToken
	progressKey string
	startedAt   time.Time
}

type engineMsg struct {
	ref   engine.RunRef
	event *engine.Event
	delta string
}

// New constructs a Run and, if idReg is non-nil, registers it so external
// callers can cancel it by run_id. Call Start to begin its lifecycle.
func New(id string, j job.Job, lock *enginelock.Lock, registry *engine.Registry, st store.Store, bs bus.Bus, tracer tracing.Tracer, observer Observer, slot Slot, cfg Config, idReg *IDRegistry, chatState *store.ChatStateStore) *Run {
	if id == "" {
		id = uuid.NewString()
	}
	r := &Run{
		id:           id,
		sessionKey:   j.SessionKey,
		job:          j,
		lock:         lock,
		registry:     registry,
		st:           st,
		bs:           bs,
		tracer:       tracer,
		observer:     observer,
		slot:         slot,
		cfg:          cfg,
		idReg:        idReg,
		chatState:    chatState,
		cancelReason: make(chan string, 1),
		steerCh:      make(chan steerRequest, 8),
		engineEvents: make(chan engineMsg, 64),
	}
	if idReg != nil {
		idReg.register(r)
	}
	return r
}

// progressMapKey returns the {scope, msg_id} -> run_id key this job should
// be indexed under, and whether one was supplied. A caller that wants
// cancel-by-progress must populate progress_msg_id or status_msg_id in
// Meta; no fallback is inferred.
func (r *Run) progressMapKey() (string, string, string, bool) {
	if r.job.Meta == nil {
		return "", "", "", false
	}
	scope, _ := r.job.Meta["scope"].(string)
	msgID, _ := r.job.Meta["progress_msg_id"].(string)
	if msgID == "" {
		msgID, _ = r.job.Meta["status_msg_id"].(string)
	}
	if msgID == "" {
		return "", "", "", false
	}
	return store.ProgressKey(scope, msgID), scope, msgID, true
}

func (r *Run) ID() string { return r.id }

// Start runs the full lifecycle in a new goroutine and returns immediately.
func (r *Run) Start(ctx context.Context) {
	go r.lifecycle(ctx)
}

// Cancel requests cancellation with the given reason (e.g. "interrupted",
// "user_requested"). Non-blocking; dropped if already completed.
func (r *Run) Cancel(reason string) {
	select {
	case r.cancelReason <- reason:
	default:
	}
}

// Steer injects text into the running engine invocation, blocking until
// the engine accepts or rejects it (or the context is canceled).
func (r *Run) Steer(ctx context.Context, text string) error {
	req := steerRequest{text: text, reply: make(chan error, 1)}
	select {
	case r.steerCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Event implements engine.Sink.
func (r *Run) Event(ref engine.RunRef, ev engine.Event) {
	select {
	case r.engineEvents <- engineMsg{ref: ref, event: &ev}:
	default:
		slog.Warn("run: engine event dropped, inbox full", "run_id", r.id)
	}
}

// Delta implements engine.Sink.
func (r *Run) Delta(ref engine.RunRef, text string) {
	select {
	case r.engineEvents <- engineMsg{ref: ref, delta: text}:
	default:
		slog.Warn("run: engine delta dropped, inbox full", "run_id", r.id)
	}
}

var contextOverflowMarkers = []string{
	"context_length_exceeded",
	"context length exceeded",
	"input exceeds the context window",
	"context window",
}

func isContextOverflow(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, m := range contextOverflowMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (r *Run) lifecycle(ctx context.Context) {
	lockKey := r.job.LockKey()

	release, err := r.lock.Acquire(ctx, lockKey, r.id, r.lockTimeout())
	if err != nil {
		r.finalize(ctx, map[string]any{"ok": false, "error": "lock_timeout"}, nil)
		return
	}
	defer release()

	eng, engineID, err := r.registry.Resolve(r.job)
	if err != nil {
		r.finalize(ctx, map[string]any{"ok": false, "error": err.Error()}, nil)
		return
	}

	spanCtx, span := r.tracer.RunStart(ctx, r.id, r.sessionKey, engineID)

	if key, scope, msgID, ok := r.progressMapKey(); ok {
		r.progressKey = key
		if b, err := json.Marshal(store.ProgressEntry{Scope: scope, MsgID: msgID, RunID: r.id}); err == nil {
			if err := r.st.Progress().Put(ctx, key, b); err != nil {
				slog.Warn("run: record progress mapping failed", "run_id", r.id, "key", key, "error", err)
			}
		}
	}

	r.startedAt = time.Now()
	r.publish(ctx, "run_started", map[string]any{
		"run_id": r.id, "session_key": r.sessionKey, "engine": engineID,
	})

	runCtx, engineCancel := context.WithCancel(spanCtx)
	defer engineCancel()

	result, err := eng.StartRun(runCtx, r.job, engine.StartOpts{CWD: r.job.CWD, RunID: r.id}, r)
	if err != nil {
		span.Stop(ctx, false, err.Error())
		r.finalize(ctx, map[string]any{"ok": false, "error": err.Error()}, nil)
		return
	}

	seenFirstToken := false
	for {
		select {
		case reason := <-r.cancelReason:
			_ = eng.Cancel(ctx, result.Ref)
			span.Stop(ctx, false, reason)
			r.finalize(ctx, map[string]any{"ok": false, "error": reason}, nil)
			return

		case req := <-r.steerCh:
			r.handleSteer(ctx, eng, result.Ref, req)

		case msg := <-r.engineEvents:
			if msg.event != nil {
				done, summary := r.handleEvent(ctx, *msg.event)
				if done {
					span.Stop(ctx, summary["ok"] == true, fmt.Sprint(summary["error"]))
					r.finalize(ctx, summary, msg.event.Resume)
					return
				}
				continue
			}
			if !seenFirstToken {
				seenFirstToken = true
				span.FirstToken(ctx)
			}
			r.handleDelta(ctx, msg.delta)
		}
	}
}

func (r *Run) lockTimeout() time.Duration {
	if r.cfg.EngineLockTimeout > 0 {
		return r.cfg.EngineLockTimeout
	}
	return 60 * time.Second
}

func (r *Run) handleSteer(ctx context.Context, eng engine.Engine, ref engine.RunRef, req steerRequest) {
	r.mu.Lock()
	done := r.completed
	r.mu.Unlock()

	if done || !eng.SupportsSteer() {
		req.reply <- fmt.Errorf("steer rejected")
		return
	}
	if err := eng.Steer(ctx, ref, req.text); err != nil {
		req.reply <- err
		return
	}
	req.reply <- nil
}

// handleEvent processes one engine.Event, returning (done, summary) when
// the event is Completed.
func (r *Run) handleEvent(ctx context.Context, ev engine.Event) (bool, map[string]any) {
	switch ev.Kind {
	case "started":
		r.publish(ctx, "engine_started", map[string]any{"title": ev.Title, "meta": ev.Meta})
		return false, nil
	case "action":
		r.publish(ctx, "engine_action", map[string]any{
			"id": ev.ActionID, "kind": ev.ActionKind, "title": ev.ActionTitle, "detail": ev.ActionDetail,
		})
		return false, nil
	case "action_event":
		r.publish(ctx, "engine_action_event", map[string]any{
			"action": ev.ActionID, "phase": ev.Phase, "ok": ev.OK, "message": ev.Message, "level": ev.Level,
		})
		return false, nil
	case "completed":
		if ev.Resume != nil {
			r.mu.Lock()
			r.lastResume = ev.Resume
			r.mu.Unlock()
		}
		answer := ev.Answer
		if answer == "" {
			r.mu.Lock()
			answer = r.answer.String()
			r.mu.Unlock()
		}
		ok := ev.Error == ""
		return true, map[string]any{
			"ok": ok, "answer": answer, "error": ev.Error, "usage": ev.Usage, "engine": ev.Meta,
		}
	default:
		slog.Warn("run: unhandled engine event kind", "kind", ev.Kind, "run_id", r.id)
		return false, nil
	}
}

func (r *Run) handleDelta(ctx context.Context, text string) {
	r.mu.Lock()
	r.lastSeq++
	seq := r.lastSeq
	r.answer.WriteString(text)
	r.mu.Unlock()

	r.publish(ctx, "delta", map[string]any{
		"run_id": r.id, "seq": seq, "ts_ms": time.Now().UnixMilli(), "text": text, "session_key": r.sessionKey,
	})
}

func (r *Run) publish(ctx context.Context, evType string, payload map[string]any) {
	ev := bus.Event{
		Type:    evType,
		Payload: payload,
		Meta:    bus.EventMeta{RunID: r.id, SessionKey: r.sessionKey},
	}
	if err := r.bs.Broadcast(ctx, bus.RunTopic(r.id), ev); err != nil {
		slog.Warn("run: broadcast failed", "run_id", r.id, "event", evType, "error", err)
	}
	if err := r.bs.Broadcast(ctx, bus.GlobalTopic, ev); err != nil {
		slog.Warn("run: global broadcast failed", "run_id", r.id, "event", evType, "error", err)
	}

	r.appendRunEvent(ctx, evType, payload)
}

func (r *Run) appendRunEvent(ctx context.Context, kind string, payload map[string]any) {
	rec := r.loadRecord(ctx)
	rec.RunID = r.id
	r.mu.Lock()
	seq := len(rec.Events) + 1
	r.mu.Unlock()
	rec.Events = append(rec.Events, store.RunEvent{Seq: seq, Kind: kind, Payload: payload})
	r.saveRecord(ctx, rec)
}

func (r *Run) loadRecord(ctx context.Context) store.RunRecord {
	raw, err := r.st.Runs().Get(ctx, r.id)
	if err != nil {
		return store.RunRecord{RunID: r.id}
	}
	var rec store.RunRecord
	if json.Unmarshal(raw, &rec) != nil {
		return store.RunRecord{RunID: r.id}
	}
	return rec
}

func (r *Run) saveRecord(ctx context.Context, rec store.RunRecord) {
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.st.Runs().Put(ctx, r.id, b); err != nil {
		slog.Warn("run: persist record failed", "run_id", r.id, "error", err)
	}
}

// finalize runs exactly once, guarded by r.completed.
func (r *Run) finalize(ctx context.Context, summary map[string]any, resume *job.ResumeToken) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	if resume == nil {
		resume = r.lastResume
	}
	r.mu.Unlock()

	summary["run_id"] = r.id
	summary["session_key"] = r.sessionKey
	if resume != nil {
		summary["resume"] = map[string]any{"engine": resume.Engine, "value": resume.Value}
	}

	ok, _ := summary["ok"].(bool)
	errStr, _ := summary["error"].(string)

	rec := r.loadRecord(ctx)
	rec.Summary = summary
	rec.Finalized = true
	r.saveRecord(ctx, rec)

	var durationMS int64
	if !r.startedAt.IsZero() {
		durationMS = time.Since(r.startedAt).Milliseconds()
	}
	r.publish(ctx, "run_completed", map[string]any{
		"completed":   summary,
		"duration_ms": durationMS,
	})

	r.slot.Release()

	if r.progressKey != "" {
		if err := r.st.Progress().Delete(ctx, r.progressKey); err != nil {
			slog.Warn("run: clear progress mapping failed", "run_id", r.id, "key", r.progressKey, "error", err)
		}
	}
	if r.idReg != nil {
		r.idReg.unregister(r.id)
	}

	if errStr != "" && isContextOverflow(errStr) {
		if err := r.clearChatState(ctx); err != nil {
			slog.Warn("run: clear chat state on overflow failed", "session_key", r.sessionKey, "error", err)
		}
	} else if ok {
		cs := store.ChatState{}
		if resume != nil {
			cs.LastEngine = resume.Engine
			cs.LastResumeValue = resume.Value
		}
		if err := r.putChatState(ctx, cs); err != nil {
			slog.Warn("run: persist chat state failed", "session_key", r.sessionKey, "error", err)
		}
	}

	if r.observer != nil {
		r.observer.RunComplete(r.id, ok, summary)
	}
}

func (r *Run) clearChatState(ctx context.Context) error {
	if r.chatState != nil {
		return r.chatState.Clear(ctx, r.sessionKey)
	}
	return r.st.Chat().Delete(ctx, r.sessionKey)
}

func (r *Run) putChatState(ctx context.Context, cs store.ChatState) error {
	if r.chatState != nil {
		return r.chatState.Put(ctx, r.sessionKey, cs, time.Now().UnixMilli())
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return r.st.Chat().Put(ctx, r.sessionKey, b)
}
