// Package lock provides the per-webroot deployment lock: a pid file held
// under flock(2), so operators can read the holder's pid and inspect it when
// a deployment appears stuck.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// PollInterval is how often a contended acquire retries.
	PollInterval = 10 * time.Second

	// DefaultTimeout bounds a contended acquire for general use. The
	// deployment path passes a shorter bound.
	DefaultTimeout = 600 * time.Second
)

// ErrContended reports that another process holds the lock.
var ErrContended = errors.New("lock held by another process")

// DeployLock owns exclusive access to one deployment target. Keep the lock
// alive by keeping the file descriptor open; release on every exit path.
type DeployLock struct {
	path string
	f    *os.File
}

// TryAcquire attempts an immediate non-blocking acquire at lockPath and
// writes the current pid into the file on success. Contention returns
// ErrContended.
func TryAcquire(lockPath string) (*DeployLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrContended
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		releaseFd(f)
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		releaseFd(f)
		return nil, fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		releaseFd(f)
		return nil, fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		releaseFd(f)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &DeployLock{path: lockPath, f: f}, nil
}

// Acquire tries an immediate acquire, then polls at PollInterval until
// acquisition succeeds, timeout elapses, or ctx is cancelled. The blocking
// holder's pid is logged once on first contention.
func Acquire(ctx context.Context, lockPath string, timeout time.Duration, logger *slog.Logger) (*DeployLock, error) {
	return acquire(ctx, lockPath, timeout, PollInterval, logger)
}

func acquire(ctx context.Context, lockPath string, timeout, interval time.Duration, logger *slog.Logger) (*DeployLock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	l, err := TryAcquire(lockPath)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ErrContended) {
		return nil, err
	}

	if pid, perr := HolderPID(lockPath); perr == nil {
		logger.Info("deployment lock contended, waiting", "lock", lockPath, "holder_pid", pid)
	} else {
		logger.Info("deployment lock contended, waiting", "lock", lockPath)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock wait cancelled: %w", ctx.Err())
		case <-ticker.C:
			l, err := TryAcquire(lockPath)
			if err == nil {
				return l, nil
			}
			if !errors.Is(err, ErrContended) {
				return nil, err
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timed out after %s waiting for lock %s", timeout, lockPath)
			}
		}
	}
}

// HolderPID reads the pid recorded in the lock file.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse holder pid: %w", err)
	}
	return pid, nil
}

func (l *DeployLock) Path() string { return l.path }

// Release drops the flock, clears the pid record and closes the descriptor.
// Safe to call on all exit paths.
func (l *DeployLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func releaseFd(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
