package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"swiftbots/internal/domain"
	"swiftbots/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(clock *fakeClock) *Scheduler {
	return New(Config{Logger: testutil.Logger(), Now: clock.Now})
}

func TestScheduler_PeriodicFirstTickThenWaits(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)

	var fired []time.Time
	if err := s.Add("ping", []Trigger{Every(5 * time.Second)}, func(ctx context.Context) error {
		fired = append(fired, clock.Now())
		return nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()

	clock.Advance(time.Second) // first poll tick after T0
	_ = s.tick(ctx)
	if len(fired) != 1 {
		t.Fatalf("expected task to fire on the first tick, fired %d times", len(fired))
	}

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		_ = s.tick(ctx)
	}
	if len(fired) != 1 {
		t.Fatalf("task must not fire again before the period elapsed, fired %d times", len(fired))
	}

	clock.Advance(time.Second)
	_ = s.tick(ctx)
	if len(fired) != 2 {
		t.Fatalf("expected second firing after 5s, fired %d times", len(fired))
	}
	if gap := fired[1].Sub(fired[0]); gap < 5*time.Second {
		t.Errorf("firings too close: %s", gap)
	}
}

func TestScheduler_CronTrigger(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(clock)

	runs := 0
	if err := s.Add("minutely", []Trigger{Cron("* * * * *")}, func(ctx context.Context) error {
		runs++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_ = s.tick(ctx)
	if runs != 0 {
		t.Fatal("cron task must wait for its next scheduled minute")
	}
	clock.Advance(30 * time.Second) // 12:01:00
	_ = s.tick(ctx)
	if runs != 1 {
		t.Fatalf("expected one run at 12:01, got %d", runs)
	}
	clock.Advance(10 * time.Second)
	_ = s.tick(ctx)
	if runs != 1 {
		t.Fatalf("expected no run before 12:02, got %d", runs)
	}
}

func TestScheduler_RunAtStart(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)}
	s := newTestScheduler(clock)

	runs := 0
	_ = s.Add("daily", []Trigger{Cron("@daily")}, func(ctx context.Context) error {
		runs++
		return nil
	}, RunAtStart())

	_ = s.tick(context.Background())
	_ = s.tick(context.Background())
	if runs != 1 {
		t.Fatalf("expected exactly one start-up run, got %d", runs)
	}
}

func TestScheduler_AddDuplicate(t *testing.T) {
	s := newTestScheduler(&fakeClock{})
	fn := func(ctx context.Context) error { return nil }
	if err := s.Add("a", []Trigger{Every(time.Second)}, fn); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("a", []Trigger{Every(time.Second)}, fn); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestScheduler_AddUnsupportedTrigger(t *testing.T) {
	s := newTestScheduler(&fakeClock{})
	fn := func(ctx context.Context) error { return nil }

	cases := [][]Trigger{
		{{Kind: "weekly"}},
		{Every(0)},
		{Cron("not a cron")},
		nil,
	}
	for i, triggers := range cases {
		if err := s.Add("t", triggers, fn); !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("case %d: expected configuration error, got %v", i, err)
		}
	}
	if len(s.Tasks()) != 0 {
		t.Error("failed registrations must not leave tasks behind")
	}
}

func TestScheduler_Remove(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestScheduler(clock)
	runs := 0
	_ = s.Add("a", []Trigger{Every(time.Second)}, func(ctx context.Context) error {
		runs++
		return nil
	})

	if err := s.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove("a"); err == nil {
		t.Fatal("removing an absent task should fail")
	}
	_ = s.tick(context.Background())
	if runs != 0 {
		t.Fatal("removed task must not run")
	}
}

func TestScheduler_SlowTaskDelaysNext(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestScheduler(clock)

	var secondSaw time.Time
	_ = s.Add("slow", []Trigger{Every(time.Minute)}, func(ctx context.Context) error {
		clock.Advance(10 * time.Second)
		return nil
	})
	_ = s.Add("second", []Trigger{Every(time.Minute)}, func(ctx context.Context) error {
		secondSaw = clock.Now()
		return nil
	})

	start := clock.Now()
	_ = s.tick(context.Background())
	if secondSaw.Sub(start) != 10*time.Second {
		t.Errorf("second task should be evaluated after the slow one, saw %s", secondSaw.Sub(start))
	}
	tasks := s.Tasks()
	if !tasks[1].LastRun.Equal(start.Add(10 * time.Second)) {
		t.Errorf("unexpected last run %s", tasks[1].LastRun)
	}
}

func TestScheduler_TaskErrorReported(t *testing.T) {
	var reported []string
	s := New(Config{
		Logger: testutil.Logger(),
		Now:    (&fakeClock{now: time.Now()}).Now,
		OnError: func(ctx context.Context, task string, err error) {
			reported = append(reported, task)
		},
	})
	_ = s.Add("broken", []Trigger{Every(time.Second)}, func(ctx context.Context) error {
		return errors.New("disk full")
	})

	if err := s.tick(context.Background()); err != nil {
		t.Fatalf("plain task errors must not stop the loop: %v", err)
	}
	if len(reported) != 1 || reported[0] != "broken" {
		t.Errorf("expected error hook for 'broken', got %v", reported)
	}
}

func TestScheduler_SignalStopsRun(t *testing.T) {
	s := New(Config{Logger: testutil.Logger(), Interval: time.Millisecond})
	_ = s.Add("quit", []Trigger{Every(time.Hour)}, func(ctx context.Context) error {
		return domain.Shutdown("maintenance")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Run(ctx)
	sig, ok := domain.AsSignal(err)
	if !ok || sig.Kind != domain.SignalShutdown {
		t.Fatalf("expected shutdown signal, got %v", err)
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := New(Config{Logger: testutil.Logger(), Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestParse(t *testing.T) {
	tr, err := Parse("every 30s")
	if err != nil || tr.Kind != KindEvery || tr.Every != 30*time.Second {
		t.Fatalf("unexpected %+v %v", tr, err)
	}
	tr, err = Parse("cron */5 * * * *")
	if err != nil || tr.Kind != KindCron || tr.Spec != "*/5 * * * *" {
		t.Fatalf("unexpected %+v %v", tr, err)
	}
	tr, err = Parse("@hourly")
	if err != nil || tr.Kind != KindCron {
		t.Fatalf("unexpected %+v %v", tr, err)
	}
	if _, err := Parse("sometimes"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected unsupported trigger error, got %v", err)
	}
	if _, err := Parse("every soon"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected bad duration error, got %v", err)
	}
	if _, err := Parse("every -1s"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected non-positive period error, got %v", err)
	}
	if _, err := Parse("cron 61 * * * *"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected bad cron error, got %v", err)
	}
}
