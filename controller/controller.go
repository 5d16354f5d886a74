// Package controller hosts the three background controllers (warmup,
// idle-timeout, retention-policy). Each runs the shared Loop: one immediate
// cycle at start, then one cycle per interval until stopped.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/mellea-ai/mellea-platform/controlplane/logger"
)

// Cycle is one controller iteration. Errors are logged, never fatal: the
// loop keeps ticking.
type Cycle func(ctx context.Context) error

// Loop drives a named Cycle on a fixed interval.
type Loop struct {
	name     string
	interval time.Duration
	cycle    Cycle

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLoop(name string, interval time.Duration, cycle Cycle) *Loop {
	return &Loop{name: name, interval: interval, cycle: cycle}
}

// Start launches the loop. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true

	logger.Infof("%s controller started (interval %s)", l.name, l.interval)
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("%s controller stopped", l.name)
			return
		case <-ticker.C:
			l.runCycle(ctx)
		}
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	if err := l.cycle(ctx); err != nil {
		logger.Errorf("%s cycle failed: %s", l.name, err)
	}
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	cancel()
	<-done
}

// IsRunning reports whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
