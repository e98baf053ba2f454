package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent writes a small shell script standing in for rclone: it
// understands "copy" (prints a Transferred progress line then exits
// 0), "copyto" (copies the source file to the destination argument,
// when both are plain filesystem paths) and "lsf" (prints a line iff
// the given path exists on disk). It lets these tests exercise Pool's
// subprocess plumbing without a real rclone binary or network.
func fakeAgent(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script is POSIX shell only")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "rclone")
	script := `#!/bin/sh
cmd="$1"; shift
case "$cmd" in
  copy)
    echo "Transferred:   1 / 2, 50%"
    echo "Transferred:   2 / 2, 100%"
    exit 0
    ;;
  copyto)
    src="$1"; dst="$2"
    if [ -f "$src" ]; then
      cp "$src" "$dst"
      exit 0
    fi
    echo "ERROR: source not found" 1>&2
    exit 1
    ;;
  lsf)
    target="$1"
    if [ -e "$target" ]; then
      echo "found"
    fi
    exit 0
    ;;
  *)
    exit 1
    ;;
esac
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestPool(t *testing.T, remoteBase string) *Pool {
	p := New(remoteBase, 4, 2, nil)
	p.binary = fakeAgent(t)
	return p
}

func TestCopyDirReportsProgressAndSucceeds(t *testing.T) {
	local := t.TempDir()
	p := newTestPool(t, t.TempDir())

	var seen []int
	ok, err := p.CopyDir(context.Background(), local, "prefix/00", func(pct int) {
		seen = append(seen, pct)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{50, 100}, seen)
}

func TestCopyFileSucceedsWhenSourceExists(t *testing.T) {
	remoteDir := t.TempDir()
	p := newTestPool(t, remoteDir)

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "hashes.zip")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	ok, err := p.CopyFile(context.Background(), src, "hashes.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	_, statErr := os.Stat(filepath.Join(remoteDir, "hashes.zip"))
	assert.NoError(t, statErr)
}

func TestFetchFileFailsWhenSourceMissing(t *testing.T) {
	p := newTestPool(t, t.TempDir())

	ok, err := p.FetchFile(context.Background(), "missing.zip", filepath.Join(t.TempDir(), "out.zip"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchFileSucceedsAndVerifiesLocalExistence(t *testing.T) {
	remoteDir := t.TempDir()
	remoteFile := filepath.Join(remoteDir, "hashes.zip")
	require.NoError(t, os.WriteFile(remoteFile, []byte("data"), 0o644))

	p := newTestPool(t, remoteDir)
	dest := filepath.Join(t.TempDir(), "hashes.zip")

	ok, err := p.FetchFile(context.Background(), "hashes.zip", dest)
	require.NoError(t, err)
	assert.True(t, ok)
	_, statErr := os.Stat(dest)
	assert.NoError(t, statErr)
}

func TestExistsReflectsRemotePresence(t *testing.T) {
	remoteDir := t.TempDir()
	present := filepath.Join(remoteDir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	p := newTestPool(t, remoteDir)

	ok, err := p.Exists(context.Background(), "present.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists(context.Background(), "absent.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPoolCompletesConcurrentCopyDirCalls(t *testing.T) {
	p := newTestPool(t, t.TempDir())

	ctx := context.Background()
	errCh := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			local := t.TempDir()
			_, err := p.CopyDir(ctx, local, fmt.Sprintf("prefix/%02d", i), nil)
			errCh <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errCh)
	}
}
