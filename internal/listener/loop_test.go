package listener

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
	"swiftbots/internal/testutil"
)

// scriptedDispatcher records texts and returns the error mapped to each one.
type scriptedDispatcher struct {
	mu      sync.Mutex
	texts   []string
	errs    map[string]error
	active  int
	overlap bool
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, msg domain.Message, view domain.View, values map[string]any) (dispatch.Outcome, error) {
	d.mu.Lock()
	d.active++
	if d.active > 1 {
		d.overlap = true
	}
	d.texts = append(d.texts, msg.Text)
	err := d.errs[msg.Text]
	d.mu.Unlock()

	time.Sleep(time.Millisecond)

	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	return dispatch.Handled, err
}

func (d *scriptedDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

// lateClock reports start time on the first call and one hour later afterwards,
// so every failure falls outside the grace window.
func lateClock() func() time.Time {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(time.Hour)
	}
}

func newLoop(view domain.View, d Dispatcher) *Loop {
	return New(Config{
		Bot:        "test",
		View:       view,
		Dispatcher: d,
		Logger:     testutil.Logger(),
	})
}

func TestLoop_SequentialInOrder(t *testing.T) {
	src := testutil.NewListener(
		testutil.Msg("a", "one"),
		testutil.Msg("a", "two"),
		testutil.Msg("b", "three"),
		testutil.Fail(io.EOF),
	)
	view := &testutil.View{Listeners: []domain.Listener{src}}
	d := &scriptedDispatcher{}

	if err := newLoop(view, d).Run(context.Background()); err != nil {
		t.Fatalf("expected plain completion, got %v", err)
	}
	got := d.seen()
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("unexpected order %v", got)
	}
	if d.overlap {
		t.Fatal("handlers overlapped")
	}
	if src.Closed() != 1 {
		t.Errorf("expected source to be closed once, got %d", src.Closed())
	}
}

func TestLoop_RestartListenPullsAgain(t *testing.T) {
	src := testutil.NewListener(
		testutil.Fail(domain.ErrRestartListen),
		testutil.Msg("a", "hello"),
		testutil.Fail(io.EOF),
	)
	view := &testutil.View{Listeners: []domain.Listener{src}}
	d := &scriptedDispatcher{}

	if err := newLoop(view, d).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.seen()) != 1 {
		t.Fatalf("expected one message, got %v", d.seen())
	}
	if c := view.Counts(); c.Listens != 1 {
		t.Errorf("restart-listen must not re-acquire the source, listened %d times", c.Listens)
	}
}

func TestLoop_EarlyFailureIsFatal(t *testing.T) {
	src := testutil.NewListener(testutil.Fail(errors.New("bad token")))
	view := &testutil.View{Listeners: []domain.Listener{src}}

	err := newLoop(view, &scriptedDispatcher{}).Run(context.Background())
	sig, ok := domain.AsSignal(err)
	if !ok || sig.Kind != domain.SignalFatal {
		t.Fatalf("expected fatal signal, got %v", err)
	}
	if c := view.Counts(); c.Listens != 1 {
		t.Errorf("fatal start must not retry, listened %d times", c.Listens)
	}
}

func TestLoop_ListenFailureAtStartIsFatal(t *testing.T) {
	view := &testutil.View{ListenErr: errors.New("no network")}
	err := newLoop(view, &scriptedDispatcher{}).Run(context.Background())
	if sig, ok := domain.AsSignal(err); !ok || sig.Kind != domain.SignalFatal {
		t.Fatalf("expected fatal signal, got %v", err)
	}
}

func TestLoop_LateFailureReacquires(t *testing.T) {
	first := testutil.NewListener(testutil.Fail(errors.New("connection reset")))
	second := testutil.NewListener(testutil.Msg("a", "after"), testutil.Fail(io.EOF))
	view := &testutil.View{Listeners: []domain.Listener{first, second}}
	d := &scriptedDispatcher{}

	l := newLoop(view, d)
	l.now = lateClock()
	var slept []time.Duration
	l.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if first.Closed() != 1 {
		t.Error("failed source must be closed before re-acquiring")
	}
	if c := view.Counts(); c.Listens != 2 {
		t.Errorf("expected a fresh source, listened %d times", c.Listens)
	}
	if len(d.seen()) != 1 {
		t.Errorf("expected the message from the new source, got %v", d.seen())
	}
	if len(slept) != 0 {
		t.Errorf("a single error must not trigger backoff, slept %v", slept)
	}
}

func TestLoop_BacksOffWhenErrorRateExceeded(t *testing.T) {
	boom := errors.New("timeout")
	src := testutil.NewListener(
		testutil.Fail(boom),
		testutil.Fail(boom),
		testutil.Fail(boom),
		testutil.Fail(io.EOF),
	)
	view := &testutil.View{Listeners: []domain.Listener{src}}

	l := New(Config{
		Bot:            "test",
		View:           view,
		Dispatcher:     &scriptedDispatcher{},
		Logger:         testutil.Logger(),
		ErrorThreshold: 2,
		ErrorWindow:    time.Minute,
		Backoff:        45 * time.Second,
	})
	l.now = lateClock()
	var slept []time.Duration
	l.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 || slept[0] != 45*time.Second {
		t.Fatalf("expected one 45s backoff, got %v", slept)
	}
	if c := view.Counts(); c.Listens != 4 {
		t.Errorf("every error re-acquires the source, listened %d times", c.Listens)
	}
}

func TestLoop_HandlerErrorReportedAndContinues(t *testing.T) {
	src := testutil.NewListener(
		testutil.Msg("bob", "broken"),
		testutil.Msg("bob", "fine"),
		testutil.Fail(io.EOF),
	)
	view := &testutil.View{Listeners: []domain.Listener{src}}
	d := &scriptedDispatcher{errs: map[string]error{"broken": errors.New("division by zero")}}

	if err := newLoop(view, d).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.seen()) != 2 {
		t.Fatalf("listener must continue after a handler error, saw %v", d.seen())
	}
	c := view.Counts()
	if c.Errors != 1 {
		t.Errorf("expected one error reply, got %d", c.Errors)
	}
	if len(c.Reports) != 1 {
		t.Fatalf("expected one operator report, got %v", c.Reports)
	}
	if c.Listens != 1 {
		t.Errorf("handler errors must not tear down the source, listened %d times", c.Listens)
	}
}

func TestLoop_HandlerSignalEndsLoop(t *testing.T) {
	src := testutil.NewListener(testutil.Msg("admin", "restart"), testutil.Msg("admin", "never"))
	view := &testutil.View{Listeners: []domain.Listener{src}}
	d := &scriptedDispatcher{errs: map[string]error{"restart": domain.Restart("asked")}}

	err := newLoop(view, d).Run(context.Background())
	if sig, ok := domain.AsSignal(err); !ok || sig.Kind != domain.SignalRestart {
		t.Fatalf("expected restart signal, got %v", err)
	}
	if len(d.seen()) != 1 {
		t.Errorf("nothing may be pulled after a signal, saw %v", d.seen())
	}
	if view.Counts().Errors != 0 {
		t.Error("signals are not failures")
	}
}

func TestLoop_CancelledWhileWaiting(t *testing.T) {
	view := &testutil.View{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newLoop(view, &scriptedDispatcher{}).Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}

func TestLoop_ObserveAndLock(t *testing.T) {
	src := testutil.NewListener(testutil.Msg("a", "x"), testutil.Fail(io.EOF))
	view := &testutil.View{Listeners: []domain.Listener{src}}
	var mu sync.Mutex
	var observed []dispatch.Outcome

	l := New(Config{
		Bot:        "test",
		View:       view,
		Dispatcher: &scriptedDispatcher{},
		Logger:     testutil.Logger(),
		Lock:       &mu,
		Observe: func(msg domain.Message, o dispatch.Outcome, err error, elapsed time.Duration) {
			if !mu.TryLock() {
				t.Error("lock must be released before Observe")
				return
			}
			mu.Unlock()
			observed = append(observed, o)
		},
	})
	if err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(observed) != 1 || observed[0] != dispatch.Handled {
		t.Fatalf("unexpected observations %v", observed)
	}
}

func TestLoop_FailedUnknownReplyRunsOnePath(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Logger: testutil.Logger()})
	if err != nil {
		t.Fatal(err)
	}
	src := testutil.NewListener(testutil.Msg("bob", "nope"), testutil.Fail(io.EOF))
	view := &testutil.View{Listeners: []domain.Listener{src}, FallbackErr: errors.New("send failed")}

	var outcomes []dispatch.Outcome
	loop := New(Config{
		Bot:        "test",
		View:       view,
		Dispatcher: d,
		Logger:     testutil.Logger(),
		Observe: func(_ domain.Message, outcome dispatch.Outcome, err error, _ time.Duration) {
			if err != nil {
				t.Errorf("unexpected dispatch error %v", err)
			}
			outcomes = append(outcomes, outcome)
		},
	})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := view.Counts()
	if c.Unknown != 1 || c.Errors != 0 || len(c.Reports) != 0 {
		t.Fatalf("expected only the unknown-command path, got unknown=%d errors=%d reports=%d", c.Unknown, c.Errors, len(c.Reports))
	}
	if len(outcomes) != 1 || outcomes[0] != dispatch.Unknown {
		t.Errorf("expected one unknown outcome, got %v", outcomes)
	}
}
