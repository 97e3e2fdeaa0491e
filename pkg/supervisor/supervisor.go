// SPDX-License-Identifier: BSD-3-Clause

// Package supervisor wraps a process's long-running goroutines in a
// restart-on-failure oversight tree: if a supervised Process exits
// abnormally or panics, it is restarted rather than silently taking the
// rest of the process down with it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cirello.io/oversight/v2"
)

// Process is one long-running component a Supervisor manages: it blocks
// until ctx is done or a fatal, non-restartable error occurs.
type Process func(ctx context.Context) error

// Supervisor is a restart-on-failure tree over a fixed set of named
// Processes, each independent of the others' failures.
type Supervisor struct {
	tree *oversight.Tree
}

// New builds a Supervisor. Every Process later added to it runs under a
// Transient restart strategy: it is restarted only if it exits
// abnormally, never on a clean shutdown.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		tree: oversight.New(
			oversight.NeverHalt(),
			oversight.DefaultRestartStrategy(),
			oversight.WithLogger(newOversightLogger(logger)),
		),
	}
}

// Add registers a named Process with the supervision tree, restarted
// under a Transient strategy with the given per-attempt timeout. Add
// must be called before Run.
func (s *Supervisor) Add(name string, timeout time.Duration, p Process) error {
	if err := s.tree.Add(wrap(name, p), oversight.Transient(), oversight.Timeout(timeout), name); err != nil {
		return fmt.Errorf("supervisor: add %s: %w", name, err)
	}
	return nil
}

// Run starts every registered Process and blocks until ctx is done or the
// tree itself gives up (NeverHalt means it otherwise runs forever,
// restarting failed children).
func (s *Supervisor) Run(ctx context.Context) error {
	return s.tree.Start(ctx)
}

// wrap recovers a Process's panics into errors tagged with its name, so a
// single misbehaving component is restarted rather than crashing the
// whole tree.
func wrap(name string, p Process) oversight.ChildProcess {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return p(ctx)
	}
}

// newOversightLogger adapts a slog.Logger to oversight's own logging
// hook, at debug level since tree bookkeeping (child started/restarted)
// is noise outside of troubleshooting.
func newOversightLogger(l *slog.Logger) oversight.Logger {
	return func(args ...any) {
		l.Debug("supervisor: oversight", "msg", fmt.Sprint(args...))
	}
}
