package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lemonforge/runsched/internal/job"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (f *fakeSubmitter) Submit(ctx context.Context, j job.Job, lane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestService_RejectsInvalidExpression(t *testing.T) {
	_, err := New(&fakeSubmitter{}, []Entry{{Name: "bad", Expr: "not a cron expr", Prompt: "x"}})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

// TestService_FiresDueEntry forces an entry into the past rather than
// waiting on a real cron boundary, so the test completes quickly and
// deterministically regardless of expression granularity.
func TestService_FiresDueEntry(t *testing.T) {
	sub := &fakeSubmitter{}
	svc, err := New(sub, []Entry{{Name: "every-minute", Expr: "* * * * *", SessionKey: "s1", Prompt: "ping"}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	svc.entries[0].nextRunMS = time.Now().Add(-time.Minute).UnixMilli()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	defer svc.Stop()

	deadline := time.After(3 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("entry never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}

	log := svc.RunLog(0)
	if len(log) == 0 || log[0].Name != "every-minute" {
		t.Fatalf("expected a run log entry for every-minute, got %+v", log)
	}
}
