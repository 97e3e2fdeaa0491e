// SPDX-License-Identifier: BSD-3-Clause

package persistence

import (
	"context"
	"log/slog"
	"time"
)

// Maintainer periodically drops partitions older than a provider's
// configured retention window. It never touches the active period: that
// guarantee lives in each Provider's DeletePartitionsOlderThan.
type Maintainer struct {
	provider Provider
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintainer builds a Maintainer that runs DeletePartitionsOlderThan
// against now-window every interval.
func NewMaintainer(provider Provider, window, interval time.Duration, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{provider: provider, window: window, interval: interval, logger: logger}
}

// Start launches the background retention loop in its own goroutine.
// Calling Start twice without an intervening Stop is a programmer error.
func (m *Maintainer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		m.runLoop(ctx)
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (m *Maintainer) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Run blocks, ticking the retention loop until ctx is done, and returns
// nil when it is. Unlike Start/Stop, Run does not spawn its own
// goroutine: it is the shape a supervisor.Supervisor expects from a
// supervised process it restarts on its own schedule.
func (m *Maintainer) Run(ctx context.Context) error {
	m.runLoop(ctx)
	return nil
}

func (m *Maintainer) runLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.window)
			if err := m.provider.DeletePartitionsOlderThan(ctx, cutoff); err != nil {
				m.logger.Warn("persistence: partition maintenance failed", "error", err, "cutoff", cutoff)
			}
		}
	}
}
