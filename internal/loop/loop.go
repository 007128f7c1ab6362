// Package loop implements the single-threaded command queue described in
// spec §5: a process-wide event loop that every component may post work
// onto. Posting provides a well-defined yield point so that Start/Stop
// requests originating synchronously from within an adapter callback don't
// unwind back into that adapter before it returns.
//
// The loop itself does not provide mutual exclusion for component state —
// components that also receive calls directly from client goroutines (the
// registry's public API) guard their own state with a mutex, per the
// multi-threaded-runtime allowance in spec §5. The loop orders the
// registry's posted adapter Start/Stop calls relative to one another;
// channel queries and retry timers run on their own goroutines, not here.
package loop

import (
	"context"
	"log/slog"
)

// Command is a unit of work posted to the loop.
type Command struct {
	Name string
	Run  func()
}

// Loop is a single-consumer command queue. One goroutine (Run) drains it;
// any number of producer goroutines may Post to it.
type Loop struct {
	log  *slog.Logger
	cmds chan Command
	done chan struct{}
}

// New returns a Loop with the given queue depth. A depth of 0 makes Post
// block until the loop goroutine is ready to accept the command, which is
// fine for a single-threaded core where producers are themselves running on
// the loop or on short-lived client goroutines.
func New(log *slog.Logger, depth int) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		log:  log,
		cmds: make(chan Command, depth),
		done: make(chan struct{}),
	}
}

// Post enqueues a command for execution on the loop goroutine. Safe to call
// from any goroutine, including from within a command already running on
// the loop (it will simply run after the current one completes).
func (l *Loop) Post(name string, f func()) {
	select {
	case l.cmds <- Command{Name: name, Run: f}:
	case <-l.done:
		l.log.Warn("loop: dropped command posted after shutdown", "command", name)
	}
}

// Run drains the command queue until ctx is cancelled. Each command runs to
// completion before the next is dequeued — there is never more than one
// command executing at a time.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-l.cmds:
			l.runOne(cmd)
		}
	}
}

func (l *Loop) runOne(cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop: command panicked", "command", cmd.Name, "panic", r)
		}
	}()
	cmd.Run()
}
