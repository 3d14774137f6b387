// Package tracker keeps one navigation timeline per browser tab and turns
// host navigation events into branching history trees.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/tabtrail/internal/history"
	"github.com/asheshgoplani/tabtrail/internal/logging"
)

var trackerLog = logging.ForComponent(logging.CompTracker)

// ErrNoProber is reported when navigation info is requested but no prober
// has been attached.
var ErrNoProber = errors.New("tracker: no navigation prober")

// DefaultProbeTimeout bounds a single FetchNavInfo call.
const DefaultProbeTimeout = 750 * time.Millisecond

// Store is the key-value blob store snapshots are persisted to.
type Store interface {
	GetBlob(key string) ([]byte, error)
	SetBlob(key string, value []byte) error
}

// NavProber asks the host for a tab's current navigation capability.
type NavProber interface {
	FetchNavInfo(ctx context.Context, tabID int) (history.NavInfo, error)
}

// EventSink receives navigation events from a host adapter.
type EventSink interface {
	TabCreated(ctx context.Context, tabID int, createdAt time.Time)
	TabUpdated(ctx context.Context, ev NavEvent)
	TabActivated(ctx context.Context, ev NavEvent)
	TabClosed(ctx context.Context, tabID int)
	DiscoverOpenTabs(ctx context.Context, tabs []OpenTab)
}

// NavEvent is a completed navigation or activation of a tab. A non-nil
// NavInfo is used as is and skips the probe.
type NavEvent struct {
	TabID   int
	URL     string
	Title   string
	NavInfo *history.NavInfo
}

// OpenTab describes a tab that already exists when the source connects.
type OpenTab struct {
	TabID int    `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// TabRecord is a tab's timeline plus its lifecycle metadata.
type TabRecord struct {
	TabID        int    `json:"tabId"`
	CreationTime int64  `json:"creationTime"`
	Closed       bool   `json:"closed"`
	ClosedAt     *int64 `json:"closedAt"`
	history.SessionLog
}

// Clone returns a deep copy.
func (r *TabRecord) Clone() *TabRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ClosedAt != nil {
		at := *r.ClosedAt
		c.ClosedAt = &at
	}
	c.SessionLog = *r.SessionLog.Clone()
	return &c
}

// Options configures a Tracker.
type Options struct {
	Store        Store
	Prober       NavProber
	ProbeTimeout time.Duration
	// Compress writes zstd snapshots.
	Compress bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Tracker owns every tab record. All methods are safe for concurrent use;
// events for one tab must be delivered in order by the caller.
type Tracker struct {
	mu     sync.Mutex
	active map[int]*TabRecord
	// closed holds every closed record in close order. Browsers reuse tab
	// ids across sessions, so one id can own several closed records.
	closed  []*TabRecord
	created map[int]int64

	prober       atomic.Pointer[proberBox]
	probeTimeout time.Duration
	probes       singleflight.Group

	compress bool
	now      func() time.Time
	store    Store
	writer   *snapshotWriter
	revision atomic.Uint64
}

type proberBox struct{ p NavProber }

// New creates an empty tracker. Call Load to restore a saved snapshot.
func New(opts Options) *Tracker {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Tracker{
		active:       make(map[int]*TabRecord),
		created:      make(map[int]int64),
		probeTimeout: opts.ProbeTimeout,
		compress:     opts.Compress,
		now:          opts.Now,
		store:        opts.Store,
	}
	if opts.Store != nil {
		t.writer = newSnapshotWriter(opts.Store, SnapshotKey)
	}
	t.SetProber(opts.Prober)
	return t
}

// SetProber attaches (or with nil, detaches) the navigation prober.
func (t *Tracker) SetProber(p NavProber) {
	if p == nil {
		t.prober.Store(nil)
		return
	}
	t.prober.Store(&proberBox{p: p})
}

// Revision increases on every state change; readers use it to detect updates.
func (t *Tracker) Revision() uint64 {
	return t.revision.Load()
}

// Flush blocks until the latest snapshot has been handed to the store.
func (t *Tracker) Flush() {
	if t.writer != nil {
		t.writer.Flush()
	}
}

// Close flushes and stops the background writer.
func (t *Tracker) Close() {
	if t.writer != nil {
		t.writer.Close()
	}
}

// TabCreated remembers when a tab was opened. The record itself is created
// by the first trackable navigation.
func (t *Tracker) TabCreated(_ context.Context, tabID int, createdAt time.Time) {
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	t.mu.Lock()
	t.created[tabID] = history.Millis(createdAt)
	t.mu.Unlock()
	trackerLog.Debug("tab_created", slog.Int("tab_id", tabID))
}

// TabUpdated applies a completed page load.
func (t *Tracker) TabUpdated(ctx context.Context, ev NavEvent) {
	t.navigate(ctx, ev, history.KindNavigation)
}

// TabActivated applies a tab becoming the focused tab.
func (t *Tracker) TabActivated(ctx context.Context, ev NavEvent) {
	t.navigate(ctx, ev, history.KindActivation)
}

// TabClosed moves the tab's record, tree included, to the closed set.
func (t *Tracker) TabClosed(_ context.Context, tabID int) {
	t.mu.Lock()
	delete(t.created, tabID)
	rec, ok := t.active[tabID]
	if !ok {
		t.mu.Unlock()
		trackerLog.Debug("tab_closed_untracked", slog.Int("tab_id", tabID))
		return
	}
	delete(t.active, tabID)
	closedAt := history.Millis(t.now())
	rec.Closed = true
	rec.ClosedAt = &closedAt
	t.closed = append(t.closed, rec)
	t.changedLocked()
	t.mu.Unlock()

	trackerLog.Info("tab_closed", slog.Int("tab_id", tabID), slog.Int("entries", len(rec.Entries)))
}

// DiscoverOpenTabs seeds records for tabs that were open before the source
// connected. Tabs that already have a record are left alone.
func (t *Tracker) DiscoverOpenTabs(_ context.Context, tabs []OpenTab) {
	now := t.now()
	seeded := 0

	t.mu.Lock()
	for _, tab := range tabs {
		if !history.IsTrackable(tab.URL) {
			logging.Aggregate(logging.CompTracker, "ignored_url", slog.String("url", tab.URL))
			continue
		}
		if _, ok := t.active[tab.TabID]; ok {
			continue
		}
		t.active[tab.TabID] = t.bootstrapLocked(tab.TabID, tab.URL, tab.Title, history.DefaultNavInfo(), now)
		seeded++
	}
	if seeded > 0 {
		t.changedLocked()
	}
	t.mu.Unlock()

	trackerLog.Info("open_tabs_discovered", slog.Int("reported", len(tabs)), slog.Int("seeded", seeded))
}

func (t *Tracker) navigate(ctx context.Context, ev NavEvent, kind history.NavigationKind) {
	if !history.IsTrackable(ev.URL) {
		logging.Aggregate(logging.CompTracker, "ignored_url", slog.String("url", ev.URL))
		return
	}

	info := ev.NavInfo
	if info == nil && !t.isRefresh(ev.TabID, ev.URL) {
		fetched := t.fetchNavInfo(ctx, ev.TabID)
		info = &fetched
	}
	if info == nil {
		d := history.DefaultNavInfo()
		info = &d
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[ev.TabID]
	if !ok {
		t.active[ev.TabID] = t.bootstrapLocked(ev.TabID, ev.URL, ev.Title, *info, now)
		t.changedLocked()
		trackerLog.Info("tab_tracked", slog.Int("tab_id", ev.TabID), slog.String("kind", string(kind)))
		return
	}

	tr := rec.Apply(ev.URL, ev.Title, kind, *info, now)
	if !tr.Mutates() {
		logging.Aggregate(logging.CompTracker, "refresh_noop", slog.Int("tab_id", ev.TabID))
		return
	}
	t.changedLocked()
	trackerLog.Debug("navigation_applied",
		slog.Int("tab_id", ev.TabID),
		slog.String("transition", string(tr)),
		slog.String("kind", string(kind)),
		slog.Int("current_index", rec.CurrentIndex),
		slog.Int("entries", len(rec.Entries)))
}

// bootstrapLocked builds a record whose single initial entry is the visit
// that first made the tab trackable.
func (t *Tracker) bootstrapLocked(tabID int, rawURL, title string, info history.NavInfo, now time.Time) *TabRecord {
	created, ok := t.created[tabID]
	if !ok {
		created = history.Millis(now)
	}
	first := history.NewEntry(rawURL, title, history.KindInitial, time.UnixMilli(created), info)
	return &TabRecord{
		TabID:        tabID,
		CreationTime: created,
		SessionLog:   *history.NewSessionLog(first, now),
	}
}

func (t *Tracker) isRefresh(tabID int, rawURL string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[tabID]
	if !ok {
		return false
	}
	cur := rec.Current()
	return cur != nil && cur.URL == rawURL
}

// fetchNavInfo probes the host outside the lock. Any failure yields the
// conservative defaults.
func (t *Tracker) fetchNavInfo(ctx context.Context, tabID int) history.NavInfo {
	box := t.prober.Load()
	if box == nil {
		trackerLog.Debug("probe_skipped", slog.Int("tab_id", tabID), slog.String("error", ErrNoProber.Error()))
		return history.DefaultNavInfo()
	}

	v, err, shared := t.probes.Do(strconv.Itoa(tabID), func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
		defer cancel()
		return box.p.FetchNavInfo(pctx, tabID)
	})
	if err != nil {
		trackerLog.Warn("probe_failed",
			slog.Int("tab_id", tabID),
			slog.Bool("shared", shared),
			slog.String("error", err.Error()))
		return history.DefaultNavInfo()
	}
	return v.(history.NavInfo)
}

// changedLocked bumps the revision and queues a snapshot write.
func (t *Tracker) changedLocked() {
	t.revision.Add(1)
	if t.writer == nil {
		return
	}
	data, err := EncodeSnapshot(t.snapshotLocked(), t.compress)
	if err != nil {
		trackerLog.Error("snapshot_encode_failed", slog.String("error", err.Error()))
		return
	}
	t.writer.Submit(data)
}
