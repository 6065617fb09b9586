package trackhub

import (
	"context"
	"errors"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

type fakeReaper struct {
	calls chan time.Duration
	err   error
}

func (f *fakeReaper) Reap(_ context.Context, olderThan time.Duration) (int, error) {
	f.calls <- olderThan
	return 1, f.err
}

func TestReaperRunsOnStartAndEveryInterval(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	creds := &fakeReaper{calls: make(chan time.Duration, 4), err: errors.New("db down")}
	r := newReaper(creds, time.Hour, 30*24*time.Hour, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	expectCall := func() {
		t.Helper()
		select {
		case got := <-creds.calls:
			if got != 30*24*time.Hour {
				t.Errorf("Reap(olderThan) = %v, want retention", got)
			}
		case <-time.After(time.Second):
			t.Fatal("reap not called")
		}
	}

	// A failing reap does not stop the loop.
	expectCall()
	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	clk.Step(time.Hour)
	expectCall()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
