// Package supervisor owns the root cancellation scope: it starts every
// long-lived task (provider warm pools, UDP listeners) under one
// errgroup, cancels all of them together on the first failure or on
// Ctrl-C, and waits for a clean shutdown.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	gologme "github.com/gologme/log"
	"golang.org/x/sync/errgroup"
)

// ShieldBudget is the grace window a unit of work already in flight gets
// once the process starts shutting down, before it is force-cancelled.
const ShieldBudget = time.Second

// Task is a long-lived unit of work that runs until ctx is cancelled.
type Task func(ctx context.Context) error

// Supervisor runs a fixed set of Tasks under one cancellation scope.
type Supervisor struct {
	tasks []namedTask
}

type namedTask struct {
	name string
	run  Task
}

// New returns an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Add registers a task to run once Run is called. Tasks are started in the
// order they were added.
func (s *Supervisor) Add(name string, task Task) {
	s.tasks = append(s.tasks, namedTask{name: name, run: task})
}

// Run starts every registered task and blocks until they all exit: either
// because one of them returned an error (which cancels the rest), or
// because ctx was cancelled, or because the process received SIGINT/SIGTERM.
// It returns the first non-nil error any task returned; when shutdown came
// from ctx or a signal, that is the context's own error (e.g.
// context.Canceled).
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			gologme.Infof("supervisor: starting %s", t.name)
			err := t.run(gctx)
			if err != nil && gctx.Err() == nil {
				gologme.Errorf("supervisor: %s exited: %v", t.name, err)
			} else {
				gologme.Infof("supervisor: %s stopped", t.name)
			}
			return err
		})
	}

	return g.Wait()
}
