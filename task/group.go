// Package task runs groups of cancellable goroutines of long-lived commands.
package task

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which are executed concurrently, and are
// collectively waited on. Tasks must return upon cancellation of the Group
// Context, and the first task to return a non-nil error cancels the Group.
// Group is not itself safe for concurrent use.
type Group struct {
	// Context of the Group, cancelled by a task returning a non-nil error,
	// by Cancel, or by cancellation of the parent Context.
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group of the parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a function for execution with the Group. Queue panics if called
// after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// QueuePeriodic queues a task which invokes |fn| every |interval| until
// the Group Context is cancelled. Errors of |fn| are logged, and don't
// end the task.
func (g *Group) QueuePeriodic(desc string, interval time.Duration, fn func(context.Context) error) {
	g.Queue(desc, func() error {
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-g.ctx.Done():
				return nil
			case <-ticker.C:
			}
			if err := fn(g.ctx); err != nil && g.ctx.Err() == nil {
				log.WithFields(log.Fields{"task": desc, "err": err}).Warn("periodic task failed")
			}
		}
	})
}

// GoRun all queued functions. GoRun panics if called more than once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.desc) })
	}
}

// Wait for started functions, returning the first non-nil error of the
// Group after all complete. Wait panics if GoRun wasn't called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
