package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/engine"
	"github.com/lemonforge/runsched/internal/enginelock"
	"github.com/lemonforge/runsched/internal/job"
	"github.com/lemonforge/runsched/internal/run"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/tracing"
	"github.com/lemonforge/runsched/internal/worker"
)

func newTestDeps(t *testing.T) (worker.Deps, *store.ChatStateStore) {
	t.Helper()
	registry := engine.NewRegistry("echo")
	registry.Register(engine.NewEcho())
	lock := enginelock.New(enginelock.Config{})
	t.Cleanup(lock.Close)

	st := store.NewMemory()
	chatState := store.NewChatStateStore(st.Chat(), time.Hour, time.Hour)
	t.Cleanup(chatState.Close)

	deps := worker.Deps{
		Lock:     lock,
		Registry: registry,
		Store:    st,
		Bus:      bus.NewMemory(),
		Tracer:   tracing.Noop{},
	}
	return deps, chatState
}

func TestScheduler_SubmitRunsJob(t *testing.T) {
	deps, chatState := newTestDeps(t)
	s := New(Config{MaxConcurrent: 2}, deps, nil, chatState, run.NewIDRegistry())
	t.Cleanup(s.Stop)

	sub, err := deps.Bus.Subscribe(context.Background(), bus.RunTopic("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	j := job.Job{RunID: "r1", SessionKey: "s1", Prompt: "hello world", EngineID: "echo"}
	if err := s.Submit(context.Background(), j, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == "run_completed" {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for run_completed")
		}
	}
}

func TestScheduler_GlobalCapSerializesAcrossThreads(t *testing.T) {
	deps, chatState := newTestDeps(t)
	s := New(Config{MaxConcurrent: 1}, deps, nil, chatState, run.NewIDRegistry())
	t.Cleanup(s.Stop)

	// The global topic carries both runs' events in publish order, so an
	// overlap would show up as a second run_started before a run_completed.
	subAll, _ := deps.Bus.Subscribe(context.Background(), bus.GlobalTopic)
	defer subAll.Close()

	jA := job.Job{RunID: "rA", SessionKey: "sessA", Prompt: "a b c d e", EngineID: "echo"}
	jB := job.Job{RunID: "rB", SessionKey: "sessB", Prompt: "f g h", EngineID: "echo"}

	if err := s.Submit(context.Background(), jA, ""); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if err := s.Submit(context.Background(), jB, ""); err != nil {
		t.Fatalf("submit B: %v", err)
	}

	doneA, doneB := false, false
	active := 0
	timeout := time.After(3 * time.Second)
	for !doneA || !doneB {
		select {
		case ev := <-subAll.Events():
			switch ev.Type {
			case "run_started":
				active++
				if active > 1 {
					t.Fatalf("run %s started while another run held the only slot", ev.Meta.RunID)
				}
			case "run_completed":
				active--
				if ev.Meta.RunID == "rA" {
					doneA = true
				}
				if ev.Meta.RunID == "rB" {
					doneB = true
				}
			}
		case <-timeout:
			t.Fatalf("timed out; doneA=%v doneB=%v", doneA, doneB)
		}
	}
}

func TestScheduler_CancelByRunID_UnknownIsNoop(t *testing.T) {
	deps, chatState := newTestDeps(t)
	s := New(Config{}, deps, nil, chatState, run.NewIDRegistry())
	t.Cleanup(s.Stop)

	if s.CancelByRunID("no-such-run", "x") {
		t.Fatal("expected no-op for unknown run_id")
	}
}

func TestScheduler_CancelByProgress_UnmappedIsNoop(t *testing.T) {
	deps, chatState := newTestDeps(t)
	s := New(Config{}, deps, nil, chatState, run.NewIDRegistry())
	t.Cleanup(s.Stop)

	if s.CancelByProgress(context.Background(), "chat1", "nope", "x") {
		t.Fatal("expected no-op when no run is mapped to the progress key")
	}
}

func TestThreadKey_SessionWinsOverResume(t *testing.T) {
	j := job.Job{SessionKey: "sess1", Resume: &job.ResumeToken{Engine: "echo", Value: "tok1"}}
	if got := ThreadKey(j); got != "sess1" {
		t.Fatalf("expected session_key to win, got %q", got)
	}

	j2 := job.Job{Resume: &job.ResumeToken{Engine: "echo", Value: "tok1"}}
	if got := ThreadKey(j2); got != "tok1" {
		t.Fatalf("expected resume value fallback, got %q", got)
	}

	j3 := job.Job{}
	if got := ThreadKey(j3); got != "__global__" {
		t.Fatalf("expected __global__ fallback, got %q", got)
	}
}
