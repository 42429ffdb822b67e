// Package lock serializes scheduled batch jobs across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrNotAcquired is returned when a lock could not be taken within the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

const (
	DefaultWait = 20 * time.Second
	DefaultTTL  = 5 * time.Minute

	tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Backend stores lock ownership. TryAcquire must be atomic: it succeeds only
// if nobody holds name. Extend and Release must only touch the lock while
// token still owns it; Extend reports false once ownership is lost.
type Backend interface {
	TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, token string) error
}

// RunLock runs jobs under a named exclusive lock with a bounded wait.
type RunLock struct {
	backend Backend
	logger  *slog.Logger
	wait    time.Duration
	ttl     time.Duration
	retry   time.Duration
	renew   time.Duration
}

// New creates a RunLock. Zero durations fall back to DefaultWait and DefaultTTL.
func New(backend Backend, logger *slog.Logger, wait, ttl time.Duration) *RunLock {
	if logger == nil {
		logger = slog.Default()
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RunLock{backend: backend, logger: logger, wait: wait, ttl: ttl, retry: 250 * time.Millisecond, renew: ttl / 3}
}

// Do acquires name, runs fn and releases the lock. If the lock cannot be
// taken within the wait budget Do fails with ErrNotAcquired and fn never runs.
// The lock is extended while fn runs, so a job slower than the TTL keeps it.
func (l *RunLock) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	token, err := gonanoid.Generate(tokenAlphabet, 21)
	if err != nil {
		return fmt.Errorf("failed to generate lock token: %w", err)
	}

	if err := l.acquire(ctx, name, token); err != nil {
		return err
	}
	l.logger.Debug("Lock acquired.", "lock", name)

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.keepAlive(ctx, name, token, stop)
	}()

	defer func() {
		close(stop)
		<-renewed
		// The job's context may already be cancelled; release regardless.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.backend.Release(releaseCtx, name, token); err != nil {
			l.logger.Error("Failed to release lock", "lock", name, "error", err)
			return
		}
		l.logger.Debug("Lock released.", "lock", name)
	}()

	return fn(ctx)
}

// keepAlive extends the lock every renew interval until stop is closed.
func (l *RunLock) keepAlive(ctx context.Context, name, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		extendCtx, cancel := context.WithTimeout(ctx, l.renew)
		ok, err := l.backend.Extend(extendCtx, name, token, l.ttl)
		cancel()
		switch {
		case err != nil:
			l.logger.Warn("Failed to extend lock", "lock", name, "error", err)
		case !ok:
			l.logger.Error("Lock lost while the job was running", "lock", name)
			return
		}
	}
}

func (l *RunLock) acquire(ctx context.Context, name, token string) error {
	deadline := time.NewTimer(l.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.backend.TryAcquire(ctx, name, token, l.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			l.logger.Warn("Could not acquire lock in time.", "lock", name, "wait", l.wait)
			return fmt.Errorf("%w: %s after %s", ErrNotAcquired, name, l.wait)
		case <-ticker.C:
		}
	}
}

// Local is an in-process Backend for single-instance deployments and tests.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal creates an empty in-process lock table.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), clock: time.Now}
}

func (m *Local) TryAcquire(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if e, ok := m.held[name]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.held[name] = localEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Local) Extend(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	e, ok := m.held[name]
	if !ok || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	m.held[name] = localEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Local) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.held[name]; ok && e.token == token {
		delete(m.held, name)
	}
	return nil
}
