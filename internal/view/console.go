package view

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"swiftbots/internal/domain"
)

// ConsoleConfig configures a Console.
type ConsoleConfig struct {
	Name   string // defaults to "console"
	In     io.Reader
	Out    io.Writer
	Report io.Writer // operator reports; defaults to os.Stderr
	Sender string    // sender recorded on every line; defaults to "console"
	Prompt string
	Texts  Texts
	Logger *slog.Logger
}

// Console reads one message per input line and prints replies. The input
// is read once for the lifetime of the view, so a re-acquired listener
// continues where the previous one stopped.
type Console struct {
	name   string
	out    io.Writer
	report io.Writer
	in     io.Reader
	sender string
	prompt string
	texts  Texts
	logger *slog.Logger

	once  sync.Once
	lines chan line
	outMu sync.Mutex
}

type line struct {
	text string
	err  error
}

var quitWords = map[string]bool{"/quit": true, "/exit": true, "/q": true}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Name == "" {
		cfg.Name = "console"
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Report == nil {
		cfg.Report = os.Stderr
	}
	if cfg.Sender == "" {
		cfg.Sender = "console"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		name:   cfg.Name,
		in:     cfg.In,
		out:    cfg.Out,
		report: cfg.Report,
		sender: cfg.Sender,
		prompt: cfg.Prompt,
		texts:  cfg.Texts.withDefaults(),
		logger: cfg.Logger,
		lines:  make(chan line),
	}
}

func (c *Console) Name() string { return c.name }

func (c *Console) Listen(ctx context.Context) (domain.Listener, error) {
	c.once.Do(func() { go c.scan() })
	return &consoleListener{console: c}, nil
}

// scan pumps input lines until EOF or a read error; both end the input. It
// never exits early: a blocked read on stdin cannot be interrupted.
func (c *Console) scan() {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.lines <- line{text: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("console input failed, ending input", "err", err)
	}
	for {
		c.lines <- line{err: io.EOF}
	}
}

func (c *Console) printPrompt() {
	if c.prompt == "" {
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprint(c.out, c.prompt)
}

func (c *Console) write(w io.Writer, text string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintln(w, text)
	return err
}

func (c *Console) Reply(ctx context.Context, msg domain.Message, text string) error {
	return c.write(c.out, text)
}

func (c *Console) Error(ctx context.Context, msg domain.Message) error {
	return c.write(c.out, c.texts.Failed)
}

func (c *Console) UnknownCommand(ctx context.Context, msg domain.Message) error {
	return c.write(c.out, c.texts.Unknown)
}

func (c *Console) Refuse(ctx context.Context, msg domain.Message) error {
	return c.write(c.out, c.texts.Forbidden)
}

func (c *Console) Report(ctx context.Context, text string) error {
	return c.write(c.report, "[report] "+text)
}

type consoleListener struct {
	console *Console
	closed  bool
}

func (l *consoleListener) Next(ctx context.Context) (domain.Message, error) {
	c := l.console
	for {
		if l.closed {
			return domain.Message{}, io.ErrClosedPipe
		}
		c.printPrompt()
		select {
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		case ln := <-c.lines:
			if ln.err != nil {
				return domain.Message{}, ln.err
			}
			text := strings.TrimSpace(ln.text)
			if text == "" {
				continue
			}
			if quitWords[text] {
				c.logger.Info("console quit requested")
				return domain.Message{}, io.EOF
			}
			return domain.Message{
				ID:        uuid.NewString(),
				Sender:    c.sender,
				Chat:      c.sender,
				Text:      text,
				Timestamp: time.Now(),
			}, nil
		}
	}
}

func (l *consoleListener) Close() error {
	l.closed = true
	return nil
}
