package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// DefaultDebounce coalesces bursts of file events before the inbox drains.
const DefaultDebounce = 100 * time.Millisecond

// DefaultPollInterval is used when the filesystem does not deliver events.
const DefaultPollInterval = 2 * time.Second

// rejectedSuffix is appended to inbox files that fail validation.
const rejectedSuffix = ".rejected"

// Inbox applies event files dropped into a directory by a host adapter.
// Each *.json file holds one message; files are applied in name order and
// removed afterwards. Writers should create "name.json.tmp" and rename it.
type Inbox struct {
	dir      string
	sink     tracker.EventSink
	debounce time.Duration
	poll     time.Duration
	watcher  *fsnotify.Watcher
}

// NewInbox creates dir if needed and starts watching it.
func NewInbox(dir string, sink tracker.EventSink) (*Inbox, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox dir: %w", err)
	}
	return &Inbox{dir: dir, sink: sink, debounce: DefaultDebounce, watcher: watcher}, nil
}

// SetPollInterval makes Run rescan the directory every d in addition to
// reacting to file events. Zero disables polling.
func (in *Inbox) SetPollInterval(d time.Duration) { in.poll = d }

// Dir returns the watched directory as an absolute path.
func (in *Inbox) Dir() string { return in.dir }

// Run drains files already present, then applies new ones until ctx is
// done. It closes the watcher on return.
func (in *Inbox) Run(ctx context.Context) error {
	defer in.watcher.Close()

	in.Drain(ctx)

	timer := time.NewTimer(in.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pollC <-chan time.Time
	if in.poll > 0 {
		ticker := time.NewTicker(in.poll)
		defer ticker.Stop()
		pollC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pollC:
			in.Drain(ctx)

		case event, ok := <-in.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(in.debounce)

		case <-timer.C:
			in.Drain(ctx)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil
			}
			sourceLog.Warn("inbox_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Drain applies every pending file in name order and returns how many
// events were applied.
func (in *Inbox) Drain(ctx context.Context) int {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		sourceLog.Warn("inbox_read_failed", slog.String("dir", in.dir), slog.String("error", err.Error()))
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if in.applyFile(ctx, filepath.Join(in.dir, name)) {
			applied++
		}
	}
	if len(names) > 0 {
		sourceLog.Debug("inbox_drained", slog.Int("files", len(names)), slog.Int("applied", applied))
	}
	return applied
}

func (in *Inbox) applyFile(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// removed by someone else between ReadDir and here
		return false
	}

	msg, err := Decode(data)
	if err == nil {
		var applied bool
		applied, err = Apply(ctx, in.sink, msg)
		if err == nil {
			if rmErr := os.Remove(path); rmErr != nil {
				sourceLog.Warn("inbox_remove_failed", slog.String("file", path), slog.String("error", rmErr.Error()))
			}
			return applied
		}
	}

	sourceLog.Warn("inbox_file_rejected", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
	if mvErr := os.Rename(path, path+rejectedSuffix); mvErr != nil {
		os.Remove(path)
	}
	return false
}
