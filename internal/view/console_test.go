package view

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConsole_RoundTrip(t *testing.T) {
	var out, report bytes.Buffer
	c := NewConsole(ConsoleConfig{
		In:     strings.NewReader("add 2 2\n\n  hello  \n"),
		Out:    &out,
		Report: &report,
		Sender: "alice",
		Logger: testLogger(),
	})
	ctx := context.Background()

	l, err := c.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := l.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "add 2 2" || msg.Sender != "alice" || msg.ID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if err := c.Reply(ctx, msg, "4"); err != nil {
		t.Fatal(err)
	}

	msg, err = l.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hello" {
		t.Fatalf("blank lines must be skipped and text trimmed, got %q", msg.Text)
	}

	if _, err := l.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at end of input, got %v", err)
	}

	_ = c.UnknownCommand(ctx, msg)
	_ = c.Refuse(ctx, msg)
	_ = c.Error(ctx, msg)
	_ = c.Report(ctx, "details")

	got := out.String()
	d := DefaultTexts()
	for _, want := range []string{"4\n", d.Unknown, d.Forbidden, d.Failed} {
		if !strings.Contains(got, want) {
			t.Errorf("output %q missing %q", got, want)
		}
	}
	if !strings.Contains(report.String(), "details") {
		t.Errorf("report not written to report stream: %q", report.String())
	}
}

func TestConsole_QuitEndsInput(t *testing.T) {
	c := NewConsole(ConsoleConfig{In: strings.NewReader("/quit\nnever\n"), Out: io.Discard, Logger: testLogger()})
	l, _ := c.Listen(context.Background())
	if _, err := l.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on quit, got %v", err)
	}
}

func TestConsole_ReacquireContinuesInput(t *testing.T) {
	c := NewConsole(ConsoleConfig{In: strings.NewReader("one\ntwo\n"), Out: io.Discard, Logger: testLogger()})
	ctx := context.Background()

	first, _ := c.Listen(ctx)
	if msg, _ := first.Next(ctx); msg.Text != "one" {
		t.Fatalf("expected one, got %q", msg.Text)
	}
	first.Close()
	if _, err := first.Next(ctx); err == nil {
		t.Error("closed listener must fail")
	}

	second, _ := c.Listen(ctx)
	if msg, _ := second.Next(ctx); msg.Text != "two" {
		t.Fatalf("expected two, got %q", msg.Text)
	}
}

func TestConsole_NextObservesContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewConsole(ConsoleConfig{In: pr, Out: io.Discard, Logger: testLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	l, _ := c.Listen(ctx)
	if _, err := l.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestTexts_Defaults(t *testing.T) {
	got := Texts{Unknown: "nope"}.withDefaults()
	if got.Unknown != "nope" {
		t.Error("explicit text overridden")
	}
	if got.Forbidden == "" || got.Failed == "" {
		t.Error("missing texts not defaulted")
	}
}

func TestConsole_OverlongLineEndsInput(t *testing.T) {
	in := strings.NewReader(strings.Repeat("x", 2*1024*1024) + "\nafter\n")
	c := NewConsole(ConsoleConfig{In: in, Out: io.Discard, Logger: testLogger()})
	ctx := context.Background()

	l, _ := c.Listen(ctx)
	if _, err := l.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after a read error, got %v", err)
	}
	again, _ := c.Listen(ctx)
	if _, err := again.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("re-acquired input must stay ended, got %v", err)
	}
}
