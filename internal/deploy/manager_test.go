package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/mattjoyce/liveswap/internal/githost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSHA = "feedfacefeedfacefeedfacefeedfacefeedface"

// buildArchive produces a tar.gz with the given files. Keys ending in "/"
// become directories.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     name,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// fetchBytes fakes the artifact fetcher: the manager receives only
// integrity-verified bytes, so tests hand it content directly.
func fetchBytes(content []byte) Fetcher {
	return func(_ context.Context, dest string) (func(), error) {
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return nil, err
		}
		return func() { _ = os.Remove(dest) }, nil
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *stateRecorder) Report(_ context.Context, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(webroot string, fetch Fetcher, rec *stateRecorder) *Manager {
	return &Manager{
		Webroot:      webroot,
		SHA:          testSHA,
		DeploymentID: 7,
		Fetch:        fetch,
		Reporter:     rec,
		Logger:       discard(),
	}
}

func siteArchive(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"index.html":     "<html>v2</html>",
		"assets/":        "",
		"assets/app.css": "body{}",
	})
}

func TestManagerFirstDeploy(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")
	rec := &stateRecorder{}

	versionDir, err := newManager(webroot, fetchBytes(siteArchive(t)), rec).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{githost.StateQueued, githost.StateInProgress, githost.StateSuccess}, rec.all())

	// The symlink target is relative so the tree stays relocatable.
	target, err := os.Readlink(webroot)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(target))
	assert.Equal(t, filepath.Join(base, target), versionDir)
	assert.Contains(t, target, testSHA)
	assert.Contains(t, target, "_7")

	content, err := os.ReadFile(filepath.Join(webroot, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(content))

	// The lock file no longer shows an active holder.
	b, err := os.ReadFile(webroot + ".lock")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(b)))

	// No download temporaries remain.
	assertNoTempFiles(t, base)
}

func TestManagerReplacesPrevious(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")

	oldDir := filepath.Join(base, "20240101T000000_"+testSHA+"_6")
	require.NoError(t, os.Mkdir(oldDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(oldDir, "index.html"), []byte("v1"), 0o644))
	require.NoError(t, os.Symlink(filepath.Base(oldDir), webroot))

	rec := &stateRecorder{}
	versionDir, err := newManager(webroot, fetchBytes(siteArchive(t)), rec).Run(context.Background())
	require.NoError(t, err)

	// Live site now serves the new version.
	content, err := os.ReadFile(filepath.Join(webroot, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>v2</html>", string(content))

	resolved, err := filepath.EvalSymlinks(webroot)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(versionDir)
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)

	// The superseded version was removed after the swap.
	_, err = os.Stat(oldDir)
	assert.True(t, os.IsNotExist(err))
}

func TestManagerWebrootNotSymlink(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")
	require.NoError(t, os.Mkdir(webroot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "keep.html"), []byte("keep"), 0o644))

	rec := &stateRecorder{}
	_, err := newManager(webroot, fetchBytes(siteArchive(t)), rec).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual intervention")
	assert.Equal(t, githost.StateFailure, rec.all()[len(rec.all())-1])

	// Never overwritten automatically.
	_, err = os.Stat(filepath.Join(webroot, "keep.html"))
	assert.NoError(t, err)
}

func TestManagerEmptyArchive(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")

	empty := buildArchive(t, map[string]string{})
	rec := &stateRecorder{}
	_, err := newManager(webroot, fetchBytes(empty), rec).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	// Nothing was published.
	_, err = os.Lstat(webroot)
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, base)
}

func TestManagerCorruptArchive(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")

	rec := &stateRecorder{}
	_, err := newManager(webroot, fetchBytes([]byte("not a tarball")), rec).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, githost.StateFailure, rec.all()[len(rec.all())-1])

	_, err = os.Lstat(webroot)
	assert.True(t, os.IsNotExist(err))
	assertNoTempFiles(t, base)
}

func TestManagerPreviousOutsideBaseIsKept(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")

	// Adversarial previous target pointing outside the base directory.
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "unrelated.txt"), []byte("keep"), 0o644))
	require.NoError(t, os.Symlink(outside, webroot))

	rec := &stateRecorder{}
	_, err := newManager(webroot, fetchBytes(siteArchive(t)), rec).Run(context.Background())
	require.NoError(t, err)

	// Deployment succeeded but the outside tree was not touched.
	_, err = os.Stat(filepath.Join(outside, "unrelated.txt"))
	assert.NoError(t, err)
}

func TestManagerFetchFailure(t *testing.T) {
	base := t.TempDir()
	webroot := filepath.Join(base, "webroot")

	failing := func(context.Context, string) (func(), error) {
		return nil, os.ErrDeadlineExceeded
	}
	rec := &stateRecorder{}
	_, err := newManager(webroot, failing, rec).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, githost.StateFailure, rec.all()[len(rec.all())-1])
}

func TestListEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.tar.gz")
	require.NoError(t, os.WriteFile(path, siteArchive(t), 0o644))

	entries, err := ListEntries(path)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Contains(t, entries, "index.html")
}

func TestListEntriesCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := ListEntries(path)
	require.Error(t, err)
}

// assertNoTempFiles checks that no download or symlink temporaries survive.
func assertNoTempFiles(t *testing.T, base string) {
	t.Helper()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".artifact-") || strings.HasSuffix(e.Name(), ".next") {
			t.Fatalf("temporary file left behind: %s", e.Name())
		}
	}
}
