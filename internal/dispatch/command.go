package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"swiftbots/internal/depends"
	"swiftbots/internal/domain"
)

// HandlerFunc is the body of a command, default or task handler.
type HandlerFunc func(ctx context.Context, args depends.Args) error

// Handler binds a function to the names it wants resolved.
type Handler struct {
	Needs []string
	Fn    HandlerFunc
}

// Handle is shorthand for Handler{Needs: needs, Fn: fn}.
func Handle(fn HandlerFunc, needs ...string) Handler {
	return Handler{Needs: needs, Fn: fn}
}

// Command is one entry of a controller's command table.
type Command struct {
	Name    string
	Handler Handler
	Allow   []string // senders allowed to run it; empty = everyone
	Deny    []string // senders refused; checked before Allow
}

// Controller groups commands and an optional default handler.
type Controller struct {
	Name     string
	Commands []Command
	Default  *Handler
	// Close releases resources the controller holds. Called once at shutdown.
	Close func() error
}

type compiled struct {
	cmd   Command
	re    *regexp.Regexp
	allow map[string]bool
	deny  map[string]bool
}

// compile builds the matcher for cmd: the name, case-insensitive, then
// optionally whitespace and any trailing text (newlines included).
func compile(cmd Command) (*compiled, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: command without a name", domain.ErrConfiguration)
	}
	if cmd.Handler.Fn == nil {
		return nil, fmt.Errorf("%w: command %q has no handler", domain.ErrConfiguration, name)
	}
	re, err := regexp.Compile(`(?is)^` + regexp.QuoteMeta(name) + `(?:\s+(.*))?$`)
	if err != nil {
		return nil, fmt.Errorf("compile command %q: %w", name, err)
	}
	cmd.Name = name
	return &compiled{
		cmd:   cmd,
		re:    re,
		allow: senderSet(cmd.Allow),
		deny:  senderSet(cmd.Deny),
	}, nil
}

func senderSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[strings.TrimSpace(s)] = true
	}
	return set
}

// match returns the raw remainder after the command name.
func (c *compiled) match(text string) (remainder string, ok bool) {
	m := c.re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// permits applies the deny list, then the allow list.
func (c *compiled) permits(sender string) bool {
	if c.deny[sender] {
		return false
	}
	if c.allow != nil && !c.allow[sender] {
		return false
	}
	return true
}
