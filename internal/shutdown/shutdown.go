// Package shutdown coordinates graceful teardown of long-running taskly
// processes (serve, tui --follow): signal handling, then named cleanups in
// reverse registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"taskly/internal/utils"
)

var log = utils.Scoped("shutdown")

// CleanupFunc releases one resource. ctx is cancelled when the shutdown deadline passes.
type CleanupFunc func(ctx context.Context) error

type cleanupEntry struct {
	name string
	fn   CleanupFunc
}

// Manager handles graceful shutdown coordination.
type Manager struct {
	mu       sync.Mutex
	cleanups []cleanupEntry
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	waitOnce sync.Once
	waitErr  error
}

// NewManager creates a manager whose Context is derived from parent.
func NewManager(parent context.Context) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{ctx: ctx, cancel: cancel}
}

// RegisterCleanup adds a cleanup. Cleanups run last registered, first called,
// so register the store before the server that uses it.
func (m *Manager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, cleanupEntry{name: name, fn: fn})
}

// Shutdown cancels Context. Only the first call has effect.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		log.Debugf("shutdown requested")
		m.cancel()
	})
}

// HandleSignals calls Shutdown on SIGINT or SIGTERM. The returned stop func
// detaches the handler.
func (m *Manager) HandleSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			log.Infof("received %s, shutting down", sig)
			m.Shutdown()
		case <-done:
		}
	}()
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// Wait runs every cleanup and returns their joined errors, or ctx.Err() if
// the cleanups outlive ctx. Later calls return the first result.
func (m *Manager) Wait(ctx context.Context) error {
	m.waitOnce.Do(func() {
		m.Shutdown()

		m.mu.Lock()
		cleanups := make([]cleanupEntry, len(m.cleanups))
		copy(cleanups, m.cleanups)
		m.mu.Unlock()

		done := make(chan error, 1)
		go func() {
			var errs []error
			for i := len(cleanups) - 1; i >= 0; i-- {
				c := cleanups[i]
				if err := c.fn(ctx); err != nil {
					log.Warnf("cleanup %s failed: %v", c.name, err)
					errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
				}
			}
			done <- errors.Join(errs...)
		}()

		select {
		case m.waitErr = <-done:
		case <-ctx.Done():
			m.waitErr = ctx.Err()
		}
	})
	return m.waitErr
}

// IsShutdown reports whether shutdown has been initiated.
func (m *Manager) IsShutdown() bool {
	return m.ctx.Err() != nil
}

// Context is cancelled when shutdown starts or the parent is cancelled.
func (m *Manager) Context() context.Context {
	return m.ctx
}
