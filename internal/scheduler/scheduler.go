// Package scheduler implements the top-level coordinator: a global slot
// pool bounding total concurrent runs, gating a registry of per-thread
// Workers. Where a session serializes its own jobs (ThreadWorker) and a
// conversation serializes its own engine calls (EngineLock), the
// Scheduler is the only place that enforces a system-wide concurrency
// cap.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lemonforge/runsched/internal/job"
	"github.com/lemonforge/runsched/internal/run"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/worker"
)

// Config bounds the global slot pool and the stale-request sweep.
type Config struct {
	MaxConcurrent  int // global cap across all threads; default 4
	RequestTimeout time.Duration // how long a queued slot request stays live; default 30s
	SweepInterval  time.Duration // default 5s
	WorkerConfig   worker.Config
}

type slotRequest struct {
	threadKey   string
	lane        string
	grant       chan<- run.Slot
	requestedAt time.Time
}

// Scheduler owns the global slot pool, the thread_key -> Worker
// registry, auto-resume lookups, and cross-thread cancel by run_id or
// progress key.
type Scheduler struct {
	cfg       Config
	deps      worker.Deps
	lanes     *LaneManager
	chatState *store.ChatStateStore
	idReg     *run.IDRegistry

	mu       sync.Mutex
	workers  map[string]*worker.Worker
	laneOf   map[string]string
	waiting  []*slotRequest
	inFlight int

	draining atomic.Bool
	stop     chan struct{}
}

// New constructs a Scheduler. deps.IDRegistry and deps.ChatState are
// overwritten with idReg/chatState so every Run spawned by every Worker
// shares the same registry and TTL'd chat state, regardless of what the
// caller pre-populated on deps.
func New(cfg Config, deps worker.Deps, lanes []LaneConfig, chatState *store.ChatStateStore, idReg *run.IDRegistry) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if idReg == nil {
		idReg = run.NewIDRegistry()
	}
	deps.IDRegistry = idReg
	deps.ChatState = chatState

	s := &Scheduler{
		cfg:       cfg,
		deps:      deps,
		lanes:     NewLaneManager(lanes),
		chatState: chatState,
		idReg:     idReg,
		workers:   make(map[string]*worker.Worker),
		laneOf:    make(map[string]string),
		stop:      make(chan struct{}),
	}
	// deps.Slots is the Scheduler itself: Workers call back into it to
	// request a slot from the global pool, so this can't be set until s
	// exists.
	s.deps.Slots = s
	go s.sweepLoop()
	return s
}

// ThreadKey computes the thread_key a job serializes under: session_key
// wins over a resume token when both are present.
func ThreadKey(j job.Job) string {
	if j.SessionKey != "" {
		return j.SessionKey
	}
	if j.Resume != nil && j.Resume.Value != "" {
		return j.Resume.Value
	}
	return "__global__"
}

// MarkDraining rejects new Submit calls while letting active runs finish.
func (s *Scheduler) MarkDraining() {
	s.draining.Store(true)
	slog.Info("scheduler: marked draining")
}

// Submit resolves the job's thread_key, applies auto-resume if eligible,
// and hands it to that thread's Worker, creating one if needed.
func (s *Scheduler) Submit(ctx context.Context, j job.Job, lane string) error {
	if s.draining.Load() {
		return ErrDraining
	}
	if j.RunID == "" {
		j.RunID = uuid.NewString()
	}
	s.applyAutoResume(ctx, &j)

	w := s.getOrCreateWorker(ThreadKey(j), lane)
	w.Submit(j)
	return nil
}

// applyAutoResume populates j.Resume from the session's last ChatState
// when the job didn't already specify one, unless the caller opted out
// via Meta["disable_auto_resume"].
func (s *Scheduler) applyAutoResume(ctx context.Context, j *job.Job) {
	if j.Resume != nil || j.DisableAutoResume() || j.SessionKey == "" || s.chatState == nil {
		return
	}
	cs, ok := s.chatState.Get(ctx, j.SessionKey, time.Now().UnixMilli())
	if !ok || cs.LastResumeValue == "" {
		return
	}
	j.Resume = &job.ResumeToken{Engine: cs.LastEngine, Value: cs.LastResumeValue}
}

func (s *Scheduler) getOrCreateWorker(threadKey, lane string) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.workers[threadKey]; ok {
		return w
	}
	if lane == "" {
		lane = LaneMain
	}
	s.laneOf[threadKey] = lane

	w := worker.New(threadKey, s.cfg.WorkerConfig, s.deps, s.onWorkerIdle)
	s.workers[threadKey] = w
	go w.Start(context.Background())
	return w
}

func (s *Scheduler) onWorkerIdle(threadKey string) {
	s.mu.Lock()
	delete(s.workers, threadKey)
	delete(s.laneOf, threadKey)
	s.mu.Unlock()
}

// RequestSlot implements worker.SlotProvider. Non-blocking: the request
// is queued and grant is signalled later from dispatch (or dropped by
// the stale sweep if nothing frees up in time).
func (s *Scheduler) RequestSlot(ctx context.Context, threadKey string, grant chan<- run.Slot) {
	s.mu.Lock()
	lane := s.laneOf[threadKey]
	s.waiting = append(s.waiting, &slotRequest{
		threadKey: threadKey, lane: lane, grant: grant, requestedAt: time.Now(),
	})
	s.mu.Unlock()
	s.dispatch()
}

// dispatch grants as many queued requests as the global cap and each
// lane's soft cap allow.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.waiting); {
		req := s.waiting[i]
		if s.inFlight >= s.cfg.MaxConcurrent || !s.lanes.admit(req.lane) {
			i++
			continue
		}
		s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)

		s.inFlight++
		s.lanes.enter(req.lane)
		lane := req.lane
		slot := run.Slot{ID: uuid.NewString(), Release: func() { s.release(lane) }}

		select {
		case req.grant <- slot:
		default:
			// grant is a size-1 channel owned solely by this request.
		}
	}
}

func (s *Scheduler) release(lane string) {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	s.lanes.leave(lane)
	s.dispatch()
}

func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

// sweepStale drops slot requests older than RequestTimeout. The owning
// Worker's own watchdog gives up waiting on the same timeout and issues
// a fresh RequestSlot, so a dropped entry here never strands a worker.
func (s *Scheduler) sweepStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.RequestTimeout)
	kept := s.waiting[:0]
	for _, req := range s.waiting {
		if req.requestedAt.Before(cutoff) {
			slog.Warn("scheduler: dropping stale slot request", "thread_key", req.threadKey, "age", time.Since(req.requestedAt))
			continue
		}
		kept = append(kept, req)
	}
	s.waiting = kept
}

// CancelByRunID cancels a specific run no matter which worker owns it.
// A no-op (returns false) for an unknown run_id.
func (s *Scheduler) CancelByRunID(runID, reason string) bool {
	return s.idReg.CancelByID(runID, reason)
}

// CancelByProgress cancels whichever run is mapped to {scope, msg_id}.
// Returns false if nothing is mapped there — callers must have
// populated progress_msg_id or status_msg_id on the original job; no
// fallback to the most-recent run is inferred.
func (s *Scheduler) CancelByProgress(ctx context.Context, scope, msgID, reason string) bool {
	raw, err := s.deps.Store.Progress().Get(ctx, store.ProgressKey(scope, msgID))
	if err != nil {
		return false
	}
	var entry store.ProgressEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.RunID == "" {
		return false
	}
	return s.idReg.CancelByID(entry.RunID, reason)
}

// LaneStats returns per-lane utilization snapshots.
func (s *Scheduler) LaneStats() []LaneStats { return s.lanes.AllStats() }

// Stop marks the scheduler draining and stops its sweep goroutine.
// Active workers and runs are left to finish on their own.
func (s *Scheduler) Stop() {
	s.MarkDraining()
	close(s.stop)
}
