package fsabs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWriteFile(t *testing.T) {
	fs := Memory()
	require.NoError(t, fs.WriteFile("a/b.txt", []byte("hello"), 0o644))

	data, err := fs.ReadFile("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, fs.Exists("a/b.txt"))
	assert.False(t, fs.Exists("a/missing.txt"))
}

func TestMemoryCopyFile(t *testing.T) {
	fs := Memory()
	require.NoError(t, fs.WriteFile("src.txt", []byte("payload"), 0o644))
	require.NoError(t, fs.CopyFile("src.txt", "nested/dst.txt"))

	data, err := fs.ReadFile("nested/dst.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMemoryRimRaf(t *testing.T) {
	fs := Memory()
	require.NoError(t, fs.WriteFile("dir/a.txt", []byte("1"), 0o644))
	require.NoError(t, fs.WriteFile("dir/b.txt", []byte("2"), 0o644))

	require.NoError(t, fs.RimRaf("dir"))
	assert.False(t, fs.Exists("dir/a.txt"))
	assert.False(t, fs.Exists("dir/b.txt"))
}

func TestOSFilesystemRoundTrip(t *testing.T) {
	root := t.TempDir()
	fs := OS(root)

	require.NoError(t, fs.MkdirAll("pkg", 0o755))
	require.NoError(t, fs.WriteFile("pkg/main.go", []byte("package pkg"), 0o644))

	data, err := fs.ReadFile("pkg/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package pkg", string(data))

	entries, err := fs.ReadDir("pkg")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.go", entries[0].Name())
}

func TestWriteSnapshotAndGetEventsSinceDetectsCreate(t *testing.T) {
	root := t.TempDir()
	snapshot := filepath.Join(root, "..", "snapshot.txt")
	watcher := NewWatcher()

	require.NoError(t, watcher.WriteSnapshot(root, snapshot, WatchOptions{}))
	defer os.Remove(snapshot)

	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0o644))
	// ensure distinguishable modtime resolution on fast filesystems
	time.Sleep(time.Millisecond)

	events, err := watcher.GetEventsSince(root, snapshot, WatchOptions{})
	require.NoError(t, err)

	found := false
	for _, ev := range events {
		if ev.Type == Create && filepath.Base(ev.Path) == "new.txt" {
			found = true
		}
	}
	assert.True(t, found, "expected a Create event for new.txt, got %+v", events)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "update", Update.String())
	assert.Equal(t, "delete", Delete.String())
}
