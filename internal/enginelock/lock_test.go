package enginelock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease_Uncontended(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	release, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	release, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // must not panic or double-grant
}

func TestAcquire_FIFOFairness(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	release, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := l.Acquire(context.Background(), "s1", "owner", 2*time.Second)
			if err != nil {
				t.Errorf("waiter %d acquire: %v", n, err)
				return
			}
			order <- n
			time.Sleep(5 * time.Millisecond)
			r()
		}(i)
		time.Sleep(10 * time.Millisecond) // ensure enqueue order
	}

	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 grants, got %d", len(got))
	}
	for i, n := range got {
		if n != i+1 {
			t.Errorf("expected FIFO order 1,2,3; got %v", got)
			break
		}
	}
}

func TestAcquire_Timeout(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	release, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = l.Acquire(context.Background(), "s1", "owner-b", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*ErrTimeout); !ok {
		t.Fatalf("expected *ErrTimeout, got %T", err)
	}
}

func TestSweep_ReclaimsStaleLock(t *testing.T) {
	l := New(Config{MaxHold: 20 * time.Millisecond, ReapInterval: 10 * time.Millisecond})
	defer l.Close()

	_, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Never release; wait for the sweep to reclaim it.
	release2, err := l.Acquire(context.Background(), "s1", "owner-b", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("expected reclamation to grant lock, got: %v", err)
	}
	release2()
}

func TestReleaseDead_GrantsNextWaiter(t *testing.T) {
	l := New(Config{})
	defer l.Close()

	_, err := l.Acquire(context.Background(), "s1", "owner-a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "s1", "owner-b", time.Second)
		if err != nil {
			t.Errorf("waiter acquire: %v", err)
			return
		}
		r()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	l.ReleaseDead("s1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never granted after ReleaseDead")
	}
}
