package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

type recorder struct {
	mu     sync.Mutex
	delays []time.Duration
	stopAt int
	cancel context.CancelFunc
}

func (r *recorder) wait(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	done := len(r.delays) >= r.stopAt
	r.mu.Unlock()
	if done {
		r.cancel()
		return ctx.Err()
	}
	return nil
}

func runScripted(t *testing.T, results []error) ([]time.Duration, int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	d := New(Config{BaseInterval: time.Hour, FastRetry: 30 * time.Second}, func(context.Context) error {
		err := results[calls]
		calls++
		return err
	})
	rec := &recorder{stopAt: len(results), cancel: cancel}
	d.SetWaitFunc(rec.wait)

	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	return rec.delays, calls
}

func TestSuccessesScheduleBaseInterval(t *testing.T) {
	testlog.Start(t)
	delays, calls := runScripted(t, []error{nil, nil, nil})
	if calls != 3 {
		t.Fatalf("unexpected sync calls: %d", calls)
	}
	for i, d := range delays {
		if d != time.Hour {
			t.Fatalf("delay[%d]=%v want 1h", i, d)
		}
	}
}

func TestFailureSchedulesFastRetryThenBase(t *testing.T) {
	testlog.Start(t)
	delays, _ := runScripted(t, []error{errors.New("relay down"), nil, errors.New("again"), errors.New("still")})
	want := []time.Duration{30 * time.Second, time.Hour, 30 * time.Second, 30 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("unexpected delays: %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d]=%v want %v", i, delays[i], want[i])
		}
	}
}

func TestRunSyncsImmediately(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	synced := make(chan struct{}, 1)
	d := New(Config{BaseInterval: time.Hour}, func(context.Context) error {
		synced <- struct{}{}
		return nil
	})
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatalf("sync did not run immediately")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("daemon did not stop on cancel")
	}
}

func TestStatusTracksFailures(t *testing.T) {
	testlog.Start(t)
	d := New(DefaultConfig(), func(context.Context) error { return errors.New("boom") })
	if got := d.Step(context.Background()); got != DefaultFastRetry {
		t.Fatalf("unexpected delay: %v", got)
	}
	st := d.Status()
	if st.Runs != 1 || st.Failures != 1 || st.LastError != "boom" || st.NextDelay != DefaultFastRetry {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRunRequiresSync(t *testing.T) {
	testlog.Start(t)
	if err := New(DefaultConfig(), nil).Run(context.Background()); !errors.Is(err, ErrSyncRequired) {
		t.Fatalf("expected ErrSyncRequired, got %v", err)
	}
}
