package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownFunc releases one resource during shutdown
type ShutdownFunc func(context.Context) error

type shutdownHook struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the HTTP server and then releases resources in
// registration order. Hooks run one at a time so that a resource registered
// later (tracing) can still observe earlier hooks closing.
type ShutdownManager struct {
	log     *logrus.Entry
	server  *http.Server
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook
}

// NewShutdownManager creates a manager for server. A zero timeout uses 30s.
func NewShutdownManager(log *logrus.Entry, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ShutdownManager{log: log, server: server, timeout: timeout}
}

// Register adds a named hook. Nil hooks are ignored.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks = append(sm.hooks, shutdownHook{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM and then calls Shutdown
// bounded by the configured timeout
func (sm *ShutdownManager) WaitForShutdown() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()
	sm.log.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	return sm.Shutdown(ctx)
}

// Shutdown stops accepting requests, waits for in-flight ones, then runs
// every hook even if an earlier one failed. It gives up when ctx ends.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to drain http server: %w", err)
		}
		sm.log.Info("HTTP server drained")
	}

	sm.mu.Lock()
	hooks := append([]shutdownHook(nil), sm.hooks...)
	sm.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := sm.runHook(ctx, h); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("shutdown interrupted at %s: %w", h.name, err)
			}
			sm.log.WithError(err).WithField("hook", h.name).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sm.log.Info("Shutdown complete")
	return nil
}

func (sm *ShutdownManager) runHook(ctx context.Context, h shutdownHook) error {
	done := make(chan error, 1)
	go func() { done <- h.fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
