package run

import (
	"context"
	"testing"
	"time"

	"github.com/lemonforge/runsched/internal/bus"
	"github.com/lemonforge/runsched/internal/engine"
	"github.com/lemonforge/runsched/internal/enginelock"
	"github.com/lemonforge/runsched/internal/job"
	"github.com/lemonforge/runsched/internal/store"
	"github.com/lemonforge/runsched/internal/tracing"
)

type fakeObserver struct {
	ch chan bool
}

func (f *fakeObserver) RunComplete(runID string, ok bool, summary map[string]any) {
	f.ch <- ok
}

func TestRun_HappyPath(t *testing.T) {
	registry := engine.NewRegistry("echo")
	registry.Register(engine.NewEcho())

	b := bus.NewMemory()
	st := store.NewMemory()
	lock := enginelock.New(enginelock.Config{})
	defer lock.Close()

	sub, err := b.Subscribe(context.Background(), bus.RunTopic("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	obs := &fakeObserver{ch: make(chan bool, 1)}
	released := make(chan struct{}, 1)
	slot := Slot{ID: "slot-1", Release: func() { released <- struct{}{} }}

	j := job.Job{RunID: "r1", SessionKey: "s1", Prompt: "a b c", EngineID: "echo"}
	r := New("r1", j, lock, registry, st, b, tracing.Noop{}, obs, slot, Config{}, NewIDRegistry(), nil)
	r.Start(context.Background())

	var types []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
			if ev.Type == "run_completed" {
				goto done
			}
		case <-timeout:
			t.Fatalf("timed out waiting for run_completed; saw %v", types)
		}
	}
done:

	select {
	case ok := <-obs.ch:
		if !ok {
			t.Fatalf("expected successful completion")
		}
	case <-time.After(time.Second):
		t.Fatal("observer never notified")
	}

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("slot never released")
	}

	if types[0] != "run_started" {
		t.Fatalf("expected run_started first, got %v", types)
	}
}

func TestRun_UnknownEngine(t *testing.T) {
	registry := engine.NewRegistry("echo") // no engines registered

	b := bus.NewMemory()
	st := store.NewMemory()
	lock := enginelock.New(enginelock.Config{})
	defer lock.Close()

	obs := &fakeObserver{ch: make(chan bool, 1)}
	slot := Slot{ID: "slot-1", Release: func() {}}

	j := job.Job{RunID: "r2", SessionKey: "s2", Prompt: "hi"}
	r := New("r2", j, lock, registry, st, b, tracing.Noop{}, obs, slot, Config{}, NewIDRegistry(), nil)
	r.Start(context.Background())

	select {
	case ok := <-obs.ch:
		if ok {
			t.Fatalf("expected failure completion for unknown engine")
		}
	case <-time.After(time.Second):
		t.Fatal("observer never notified")
	}
}

func TestRun_CancelByID(t *testing.T) {
	registry := engine.NewRegistry("echo")
	registry.Register(engine.NewEcho())

	b := bus.NewMemory()
	st := store.NewMemory()
	lock := enginelock.New(enginelock.Config{})
	defer lock.Close()

	sub, err := b.Subscribe(context.Background(), bus.RunTopic("r3"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	obs := &fakeObserver{ch: make(chan bool, 1)}
	slot := Slot{ID: "slot-1", Release: func() {}}
	idReg := NewIDRegistry()

	j := job.Job{
		RunID: "r3", SessionKey: "s3", Prompt: "a b c d e f g h", EngineID: "echo",
		Meta: map[string]any{"scope": "chat1", "progress_msg_id": "m1"},
	}
	r := New("r3", j, lock, registry, st, b, tracing.Noop{}, obs, slot, Config{}, idReg, nil)
	r.Start(context.Background())

	if !idReg.CancelByID("r3", "user_requested") {
		t.Fatalf("expected CancelByID to find run r3")
	}
	if idReg.CancelByID("no-such-run", "x") {
		t.Fatalf("expected CancelByID on unknown id to be a no-op")
	}

	select {
	case ok := <-obs.ch:
		if ok {
			t.Fatalf("expected cancellation to finalize with ok=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("observer never notified")
	}

	if _, err := st.Progress().Get(context.Background(), store.ProgressKey("chat1", "m1")); err != store.ErrNotFound {
		t.Fatalf("expected progress mapping cleared on finalize, got err=%v", err)
	}
}
