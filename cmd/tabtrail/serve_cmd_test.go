package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/tabtrail/internal/statedb"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
	"github.com/asheshgoplani/tabtrail/internal/web"
)

func startServe(t *testing.T, opts serveOptions) (*web.Client, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ln, opts) }()
	t.Cleanup(cancel)

	c := web.NewClient(ln.Addr().String(), opts.token)
	require.Eventually(t, func() bool {
		h, err := c.Health(context.Background())
		return err == nil && h.OK
	}, 5*time.Second, 20*time.Millisecond)
	return c, cancel, done
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestRunServeInboxAndPersistence(t *testing.T) {
	dir := t.TempDir()
	inbox := filepath.Join(dir, "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o700))
	event := `{"type":"tabUpdated","tabId":4,"url":"https://a.example/","title":"A","status":"complete"}`
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "0001.json"), []byte(event), 0o600))

	dbPath := filepath.Join(dir, "state.db")
	opts := serveOptions{
		dbPath:       dbPath,
		compress:     true,
		probeTimeout: 100 * time.Millisecond,
		inboxDir:     inbox,
	}
	c, cancel, done := startServe(t, opts)

	require.Eventually(t, func() bool {
		trees, err := c.Tabs(context.Background())
		return err == nil && len(trees) == 1 && trees[0].TabID == 4
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	waitServe(t, done)

	// the snapshot outlives the process
	db, err := statedb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())
	tr := tracker.New(tracker.Options{})
	require.NoError(t, tr.Load(db))
	rec, ok := tr.Record(4)
	require.True(t, ok)
	assert.Equal(t, "A", rec.Entries[0].Title)

	// a restarted server picks the history back up
	c, cancel, done = startServe(t, serveOptions{dbPath: dbPath, memory: false})
	trees, err := c.Tabs(context.Background())
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, 4, trees[0].TabID)

	o, out, _ := bufferOutput(false, false)
	require.NoError(t, runStatus(context.Background(), c, o))
	assert.Regexp(t, `Saved:    (\d+s ago|just now)`, out.String())
	cancel()
	waitServe(t, done)
}

func TestRunServeMemoryReadOnly(t *testing.T) {
	c, cancel, done := startServe(t, serveOptions{memory: true, readOnly: true, token: "tok"})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.ReadOnly)

	o, _, _ := bufferOutput(false, false)
	err = runClear(context.Background(), c, o, false)
	require.Error(t, err)
	assert.Equal(t, "READ_ONLY", errorCode(err))

	cancel()
	waitServe(t, done)
}

func TestOpenStoreBadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err := openStore(filepath.Join(file, "state.db"))
	assert.Error(t, err)
}
