package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dropFile(t *testing.T, dir, name, content string) {
	t.Helper()
	tmp := filepath.Join(dir, name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestInboxDrainAppliesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	in, err := NewInbox(dir, sink)
	require.NoError(t, err)
	t.Cleanup(func() { in.watcher.Close() })

	dropFile(t, dir, "0003.json", `{"type":"tabClosed","tabId":1}`)
	dropFile(t, dir, "0001.json", `{"type":"tabCreated","tabId":1}`)
	dropFile(t, dir, "0002.json", `{"type":"tabUpdated","tabId":1,"url":"https://a.example/","status":"complete"}`)
	dropFile(t, dir, "0002b.json", `{"type":"tabUpdated","tabId":1,"url":"https://a.example/","status":"loading"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	assert.Equal(t, 3, in.Drain(context.Background()))
	assert.Equal(t, []string{"created 1", "updated 1 https://a.example/", "closed 1"}, sink.Calls())
	assert.Equal(t, []string{"notes.txt"}, listDir(t, dir))
}

func TestInboxRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	in, err := NewInbox(dir, sink)
	require.NoError(t, err)
	t.Cleanup(func() { in.watcher.Close() })

	dropFile(t, dir, "a.json", `{"type":"tabClosed"}`)
	dropFile(t, dir, "b.json", `{"type":"command","id":"c","action":"getStatus"}`)
	dropFile(t, dir, "c.json", `{"type":"tabClosed","tabId":2}`)

	assert.Equal(t, 1, in.Drain(context.Background()))
	assert.Equal(t, []string{"closed 2"}, sink.Calls())
	assert.ElementsMatch(t, []string{"a.json.rejected", "b.json.rejected"}, listDir(t, dir))

	// rejected files are not retried
	assert.Equal(t, 0, in.Drain(context.Background()))
}

func TestInboxResolvesRelativeDir(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	in, err := NewInbox("drop", &recordingSink{})
	require.NoError(t, err)
	t.Cleanup(func() { in.watcher.Close() })

	assert.Equal(t, filepath.Join(root, "drop"), in.Dir())
	assert.DirExists(t, filepath.Join(root, "drop"))
}

func TestInboxRunWatchesForNewFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	sink := &recordingSink{}
	in, err := NewInbox(dir, sink)
	require.NoError(t, err)
	in.debounce = 10 * time.Millisecond
	assert.Equal(t, dir, in.Dir())

	dropFile(t, dir, "001.json", `{"type":"tabCreated","tabId":5}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond,
		"files present at start are drained")

	dropFile(t, dir, "002.json", `{"type":"tabActivated","tabId":5,"url":"https://a.example/"}`)
	dropFile(t, dir, "003.json", `{"type":"tabClosed","tabId":5}`)

	require.Eventually(t, func() bool { return len(sink.Calls()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"created 5", "activated 5 https://a.example/", "closed 5"}, sink.Calls())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInboxPollsWithoutEvents(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	in, err := NewInbox(dir, sink)
	require.NoError(t, err)
	// simulate a mount that never reports file events
	require.NoError(t, in.watcher.Remove(dir))
	in.SetPollInterval(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = in.Run(ctx) }()

	dropFile(t, dir, "001.json", `{"type":"tabClosed","tabId":8}`)
	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"closed 8"}, sink.Calls())
}
