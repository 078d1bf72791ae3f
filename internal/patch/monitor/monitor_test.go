package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorFiresOnDirectoryActivity(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nginx")
	require.NoError(t, os.WriteFile(target, []byte("elf"), 0o755))

	fired := make(chan string, 8)
	ctx, cancel := context.Background(), func() {}
	ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	m, err := New(ctx, func(targetELF string) { fired <- targetELF })
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WatchFile(target))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-file"), []byte("x"), 0o644))

	select {
	case got := <-fired:
		assert.Equal(t, target, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for monitor callback")
	}
}

func TestMonitorIgnoreFileStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nginx")
	require.NoError(t, os.WriteFile(target, []byte("elf"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan string, 8)
	m, err := New(ctx, func(targetELF string) { fired <- targetELF })
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WatchFile(target))
	require.NoError(t, m.IgnoreFile(target))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-file"), []byte("x"), 0o644))

	select {
	case got := <-fired:
		t.Fatalf("unexpected callback after IgnoreFile: %s", got)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMonitorSharedDirectoryRefCount(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("elf"), 0o755))
	require.NoError(t, os.WriteFile(b, []byte("elf"), 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := New(ctx, func(string) {})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WatchFile(a))
	require.NoError(t, m.WatchFile(b))
	assert.Equal(t, 2, m.dirRefs[dir])

	require.NoError(t, m.IgnoreFile(a))
	assert.Equal(t, 1, m.dirRefs[dir])

	require.NoError(t, m.IgnoreFile(b))
	_, stillWatched := m.dirRefs[dir]
	assert.False(t, stillWatched)
}
