package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"swiftbots/internal/bus"
)

type requestOp int

const (
	opStop requestOp = iota + 1
	opStart
	opRestart
	opShutdown
)

type request struct {
	op    requestOp
	name  string
	reply chan error
}

// Status is a snapshot of one known bot.
type Status struct {
	Name        string
	Running     bool
	Unit        string
	Since       time.Time
	Restarts    int
	LastOutcome string
}

// Registry is the supervisor's public face: a read-only view of the bots
// plus a request queue served by the supervisor loop. It is safe for
// concurrent use, including from a bot's own handler.
type Registry struct {
	sup *Supervisor

	mu     sync.RWMutex
	status map[string]*Status
}

func newRegistry(s *Supervisor) *Registry {
	r := &Registry{sup: s, status: make(map[string]*Status, len(s.order))}
	for _, name := range s.order {
		r.status[name] = &Status{Name: name}
	}
	return r
}

func (r *Registry) record(name string, fn func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.status[name]; ok {
		fn(st)
	}
}

// Bots returns every known bot sorted by name.
func (r *Registry) Bots() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.status))
	for _, st := range r.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the named bot's status.
func (r *Registry) Lookup(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Stop cancels the named bot. It returns once the request is accepted,
// not when the bot has exited.
func (r *Registry) Stop(ctx context.Context, name string) error {
	return r.send(ctx, request{op: opStop, name: name})
}

// Start launches a known bot that is not running.
func (r *Registry) Start(ctx context.Context, name string) error {
	return r.send(ctx, request{op: opStart, name: name})
}

// Restart replaces a running bot's unit, or starts it if it is not running.
func (r *Registry) Restart(ctx context.Context, name string) error {
	return r.send(ctx, request{op: opRestart, name: name})
}

// Shutdown stops every bot and makes Run return.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.send(ctx, request{op: opShutdown})
}

// Events returns up to limit recent lifecycle events, optionally for one
// bot.
func (r *Registry) Events(bot string, limit int) []bus.Event {
	if r.sup.events == nil {
		return nil
	}
	return r.sup.events.Recent(bot, limit)
}

func (r *Registry) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case r.sup.requests <- req:
	case <-r.sup.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve answers one registry request. It reports whether the supervisor
// must shut down.
func (s *Supervisor) serve(ctx context.Context, req request) bool {
	if req.op == opShutdown {
		req.reply <- nil
		return true
	}

	b, known := s.known[req.name]
	if !known {
		req.reply <- fmt.Errorf("%w: %s", ErrUnknownBot, req.name)
		return false
	}
	u := s.units[req.name]

	switch req.op {
	case opStop:
		if u == nil {
			req.reply <- fmt.Errorf("%w: %s", ErrNotRunning, req.name)
			return false
		}
		s.logger.Info("stop requested", "bot", req.name, "unit", u.id)
		u.relaunch = false
		u.cancel()
		req.reply <- nil

	case opStart:
		if u != nil {
			req.reply <- fmt.Errorf("%w: %s", ErrAlreadyRunning, req.name)
			return false
		}
		if !s.launch(ctx, b) {
			req.reply <- fmt.Errorf("bot %s failed to start", req.name)
			return false
		}
		req.reply <- nil

	case opRestart:
		if u == nil {
			if !s.launch(ctx, b) {
				req.reply <- fmt.Errorf("bot %s failed to start", req.name)
				return false
			}
			req.reply <- nil
			return false
		}
		s.logger.Info("restart requested", "bot", req.name, "unit", u.id)
		u.relaunch = true
		u.cancel()
		req.reply <- nil
	}
	return false
}
