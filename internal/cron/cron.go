// Package cron schedules recurring Job submissions into the Scheduler
// on a gronx cron expression, one tick-driven loop checking all
// registered entries per second.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/lemonforge/runsched/internal/job"
)

// Submitter is the subset of Scheduler the cron service needs.
type Submitter interface {
	Submit(ctx context.Context, j job.Job, lane string) error
}

// Entry is one recurring submission.
type Entry struct {
	Name       string
	Expr       string
	TZ         string
	SessionKey string
	EngineID   string
	Prompt     string
	Lane       string

	nextRunMS int64
}

// RunLogEntry records one past firing, kept for status reporting.
type RunLogEntry struct {
	Ts     int64
	Name   string
	Status string
	Error  string
}

// Service runs the cron loop. All state is guarded by mu; Start runs the
// loop in the calling goroutine and blocks until it ends.
type Service struct {
	submitter Submitter

	mu      sync.Mutex
	entries []*Entry
	runLog  []RunLogEntry
	stop    chan struct{}
}

// New validates and constructs a Service from config entries. Entries
// with an invalid cron expression are rejected up front.
func New(submitter Submitter, entries []Entry) (*Service, error) {
	s := &Service{submitter: submitter, stop: make(chan struct{})}
	gx := gronx.New()
	now := time.Now()
	for _, e := range entries {
		if !gx.IsValid(e.Expr) {
			return nil, fmt.Errorf("cron: invalid expression %q for entry %q", e.Expr, e.Name)
		}
		ent := e
		next, err := nextTick(ent.Expr, ent.TZ, now)
		if err != nil {
			return nil, fmt.Errorf("cron: entry %q: %w", ent.Name, err)
		}
		ent.nextRunMS = next
		s.entries = append(s.entries, &ent)
	}
	return s, nil
}

// Start runs the check loop until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkEntries(ctx)
		}
	}
}

func (s *Service) Stop() { close(s.stop) }

func (s *Service) checkEntries(ctx context.Context) {
	now := time.Now()
	nowMS := now.UnixMilli()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if e.nextRunMS <= nowMS {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Service) fire(ctx context.Context, e *Entry, now time.Time) {
	j := job.Job{
		RunID:      uuid.NewString(),
		SessionKey: e.SessionKey,
		Prompt:     e.Prompt,
		EngineID:   e.EngineID,
		QueueMode:  job.Collect,
		Meta:       map[string]any{"cron_entry": e.Name},
	}

	err := s.submitter.Submit(ctx, j, e.Lane)
	if err != nil {
		slog.Error("cron: submit failed", "entry", e.Name, "error", err)
	} else {
		slog.Info("cron: fired entry", "entry", e.Name, "run_id", j.RunID)
	}

	next, nextErr := nextTick(e.Expr, e.TZ, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := RunLogEntry{Ts: now.UnixMilli(), Name: e.Name, Status: "ok"}
	if err != nil {
		entry.Status, entry.Error = "error", err.Error()
	}
	s.runLog = append(s.runLog, entry)
	if len(s.runLog) > 200 {
		s.runLog = s.runLog[len(s.runLog)-200:]
	}
	if nextErr == nil {
		e.nextRunMS = next
	}
}

// RunLog returns the most recent log entries, newest first.
func (s *Service) RunLog(limit int) []RunLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.runLog) {
		limit = len(s.runLog)
	}
	out := make([]RunLogEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.runLog[len(s.runLog)-1-i]
	}
	return out
}

func nextTick(expr, tz string, now time.Time) (int64, error) {
	t := now
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		t = t.In(loc)
	}
	next, err := gronx.NextTickAfter(expr, t, false)
	if err != nil {
		return 0, err
	}
	return next.UnixMilli(), nil
}
