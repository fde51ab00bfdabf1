// Package deploy performs the crash-safe publication of a verified artifact
// to a live webroot: lock, fetch, extract to a fresh version directory,
// atomic symlink swap, confined removal of the superseded version.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/liveswap/internal/githost"
	"github.com/mattjoyce/liveswap/internal/lock"
)

// deployLockTimeout bounds the lock wait on the deployment path. Shorter
// than the general-purpose default: a webhook-triggered deployment that
// cannot get the target within this window should fail and be re-triggered.
const deployLockTimeout = 300 * time.Second

// Fetcher downloads the verified artifact to dest and returns a cleanup that
// removes the local copy. The manager never re-validates trust; it receives
// only integrity-verified bytes.
type Fetcher func(ctx context.Context, dest string) (cleanup func(), err error)

// Reporter receives deployment lifecycle state transitions.
type Reporter interface {
	Report(ctx context.Context, state string)
}

// Manager runs one deployment for one target. States move
// queued → in_progress → success|failure; "queued" is reported before the
// lock wait so observers can tell "accepted but waiting" from "actively
// deploying".
type Manager struct {
	// Webroot is the published symlink path. Version directories, the lock
	// file and temporaries are colocated in its parent directory.
	Webroot      string
	SHA          string
	DeploymentID int64

	Fetch    Fetcher
	Reporter Reporter
	Logger   *slog.Logger

	// now is swappable for tests.
	Now func() time.Time
}

// Run executes the deployment and returns the published version directory.
// Any failure in any step, including lock acquisition, transitions to
// failure. No filesystem mutation happens before the lock is held; the
// previous version is deleted only after the new symlink is durably in
// place.
func (m *Manager) Run(ctx context.Context) (string, error) {
	reporter := m.Reporter
	if reporter == nil {
		reporter = noopReporter{}
	}
	if m.Now == nil {
		m.Now = time.Now
	}

	reporter.Report(ctx, githost.StateQueued)

	lockPath := m.Webroot + ".lock"
	l, err := lock.Acquire(ctx, lockPath, deployLockTimeout, m.Logger)
	if err != nil {
		reporter.Report(ctx, githost.StateFailure)
		return "", fmt.Errorf("acquire deployment lock: %w", err)
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			m.Logger.Warn("release deployment lock", "error", rerr)
		}
	}()

	reporter.Report(ctx, githost.StateInProgress)

	versionDir, err := m.publish(ctx)
	if err != nil {
		reporter.Report(ctx, githost.StateFailure)
		return "", err
	}

	reporter.Report(ctx, githost.StateSuccess)
	return versionDir, nil
}

func (m *Manager) publish(ctx context.Context) (string, error) {
	base := filepath.Dir(m.Webroot)

	previous, err := m.resolvePrevious(base)
	if err != nil {
		return "", err
	}

	version := fmt.Sprintf("%s_%s_%d", m.Now().UTC().Format("20060102T150405"), m.SHA, m.DeploymentID)
	newDir := filepath.Join(base, version)

	// Temp download colocated with the target so the later rename stays on
	// one filesystem.
	archivePath := filepath.Join(base, ".artifact-"+version+".tar.gz")
	cleanup, err := m.Fetch(ctx, archivePath)
	if err != nil {
		return "", err
	}
	defer cleanup()

	entries, err := ListEntries(archivePath)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive is empty")
	}
	m.Logger.Info("archive verified", "entries", len(entries))

	if err := os.Mkdir(newDir, 0o755); err != nil {
		return "", fmt.Errorf("create version directory: %w", err)
	}
	if err := Extract(archivePath, newDir); err != nil {
		_ = os.RemoveAll(newDir)
		return "", err
	}

	if err := m.swap(base, version); err != nil {
		_ = os.RemoveAll(newDir)
		return "", err
	}
	m.Logger.Info("webroot swapped", "version", version)

	if err := m.removePrevious(base, previous, newDir); err != nil {
		return "", err
	}

	return newDir, nil
}

// resolvePrevious captures the currently published version directory, if
// any. A webroot path that exists but is not a symlink is a configuration
// error requiring manual intervention; it is never overwritten.
func (m *Manager) resolvePrevious(base string) (string, error) {
	fi, err := os.Lstat(m.Webroot)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat webroot: %w", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("webroot %s exists but is not a symlink; manual intervention required", m.Webroot)
	}

	target, err := os.Readlink(m.Webroot)
	if err != nil {
		return "", fmt.Errorf("read webroot symlink: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	return filepath.Clean(target), nil
}

// swap points the live webroot at version through one atomic rename. The
// temporary symlink target is relative so the tree stays relocatable.
func (m *Manager) swap(base, version string) error {
	tmpLink := filepath.Join(base, "."+filepath.Base(m.Webroot)+".next")
	// A stale temp link from a crashed run would fail the symlink call.
	_ = os.Remove(tmpLink)

	if err := os.Symlink(version, tmpLink); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	if err := os.Rename(tmpLink, m.Webroot); err != nil {
		_ = os.Remove(tmpLink)
		return fmt.Errorf("swap webroot symlink: %w", err)
	}
	return nil
}

// removePrevious deletes the superseded version directory, but only when its
// resolved path lies strictly under base. A previous target outside base is
// skipped with a warning rather than risking unrelated data.
func (m *Manager) removePrevious(base, previous, newDir string) error {
	if previous == "" || previous == newDir {
		return nil
	}

	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		m.Logger.Warn("cannot resolve base directory, keeping previous version", "base", base, "error", err)
		return nil
	}
	resolvedPrev, err := filepath.EvalSymlinks(previous)
	if err != nil {
		m.Logger.Warn("cannot resolve previous version, skipping removal", "previous", previous, "error", err)
		return nil
	}

	rel, err := filepath.Rel(resolvedBase, resolvedPrev)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.Logger.Warn("previous version resolves outside base directory, skipping removal",
			"previous", resolvedPrev, "base", resolvedBase)
		return nil
	}

	if err := os.RemoveAll(resolvedPrev); err != nil {
		return fmt.Errorf("remove previous version: %w", err)
	}
	m.Logger.Info("previous version removed", "previous", resolvedPrev)
	return nil
}

type noopReporter struct{}

func (noopReporter) Report(context.Context, string) {}
