package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/asheshgoplani/tabtrail/internal/history"
)

// Actions understood by Dispatch.
const (
	ActionGetAllTabTrees    = "getAllTabTrees"
	ActionGetStatus         = "getStatus"
	ActionClearHistory      = "clearHistory"
	ActionClearClosedTabs   = "clearClosedTabs"
	ActionRefreshTabHistory = "refreshTabHistory"
	ActionDebugInfo         = "debugInfo"
	ActionSearchHistory     = "searchHistory"
)

// IsMutating reports whether action changes tracker state.
func IsMutating(action string) bool {
	return action == ActionClearHistory || action == ActionClearClosedTabs
}

// Request is one query or command.
type Request struct {
	Action string `json:"action"`
	TabID  *int   `json:"tabId,omitempty"`
	Query  string `json:"query,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Response is the result of Dispatch. Failures carry Error and never Data.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data"`
}

// TabTree is one tab in the getAllTabTrees listing.
type TabTree struct {
	TabID          int                    `json:"tabId"`
	Tree           *history.TreeNode      `json:"tree"`
	SessionHistory []history.HistoryEntry `json:"sessionHistory"`
	CurrentIndex   int                    `json:"currentIndex"`
	LastUpdated    int64                  `json:"lastUpdated"`
	CreationTime   int64                  `json:"creationTime"`
	IsClosed       bool                   `json:"isClosed"`
	ClosedAt       *int64                 `json:"closedAt,omitempty"`
}

// TabHistory is the refreshTabHistory result.
type TabHistory struct {
	Tree           *history.TreeNode      `json:"tree"`
	SessionHistory []history.HistoryEntry `json:"sessionHistory"`
	CurrentIndex   int                    `json:"currentIndex"`
}

// Status is the getStatus result.
type Status struct {
	TrackedTabs         int `json:"trackedTabs"`
	ActiveTabs          int `json:"activeTabs"`
	ClosedTabs          int `json:"closedTabs"`
	TotalSessionEntries int `json:"totalSessionEntries"`
	// LastSavedAt is when the store last took a snapshot (unix ms). Zero
	// for memory-only trackers and stores that do not timestamp writes.
	LastSavedAt int64 `json:"lastSavedAt,omitempty"`
}

// ClearResult is returned by the clear actions.
type ClearResult struct {
	ClearedActive int `json:"clearedActive"`
	ClearedClosed int `json:"clearedClosed"`
}

// DebugTab is one record in the debugInfo dump.
type DebugTab struct {
	TabID        int                 `json:"tabId"`
	Closed       bool                `json:"closed"`
	EntryCount   int                 `json:"entryCount"`
	CurrentIndex int                 `json:"currentIndex"`
	URLs         []string            `json:"urls"`
	TreeSize     int                 `json:"treeSize"`
	Tree         *history.SimpleNode `json:"tree"`
}

// DebugInfo is the debugInfo result.
type DebugInfo struct {
	Revision      uint64     `json:"revision"`
	ProbeAttached bool       `json:"probeAttached"`
	PendingTabs   []int      `json:"pendingTabs"`
	Active        []DebugTab `json:"active"`
	Closed        []DebugTab `json:"closed"`
}

// Dispatch runs req. It never panics on bad input and never returns a Go
// error; failures come back as Success false.
func (t *Tracker) Dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case ActionGetAllTabTrees:
		return ok(t.AllTabTrees())
	case ActionGetStatus:
		return ok(t.Status())
	case ActionClearHistory:
		return ok(t.ClearHistory())
	case ActionClearClosedTabs:
		return ok(t.ClearClosedTabs())
	case ActionRefreshTabHistory:
		if req.TabID == nil {
			return fail("refreshTabHistory requires tabId")
		}
		h := t.RefreshTabHistory(*req.TabID)
		if h == nil {
			return ok(nil)
		}
		return ok(h)
	case ActionDebugInfo:
		return ok(t.DebugInfo())
	case ActionSearchHistory:
		return ok(t.Search(req.Query, req.Limit))
	default:
		trackerLog.Warn("unknown_action", slog.String("action", req.Action))
		return fail(fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func ok(data any) Response { return Response{Success: true, Data: data} }

func fail(msg string) Response { return Response{Success: false, Error: msg} }

// AllTabTrees lists every record, active and closed, most recently updated
// first. The result is a deep copy.
func (t *Tracker) AllTabTrees() []TabTree {
	t.mu.Lock()
	out := make([]TabTree, 0, len(t.active)+len(t.closed))
	for _, rec := range t.active {
		out = append(out, tabTreeOf(rec.Clone()))
	}
	for _, rec := range t.closed {
		out = append(out, tabTreeOf(rec.Clone()))
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastUpdated != out[j].LastUpdated {
			return out[i].LastUpdated > out[j].LastUpdated
		}
		return out[i].TabID < out[j].TabID
	})
	return out
}

func tabTreeOf(rec *TabRecord) TabTree {
	return TabTree{
		TabID:          rec.TabID,
		Tree:           rec.Tree,
		SessionHistory: rec.Entries,
		CurrentIndex:   rec.CurrentIndex,
		LastUpdated:    rec.LastUpdatedAt,
		CreationTime:   rec.CreationTime,
		IsClosed:       rec.Closed,
		ClosedAt:       rec.ClosedAt,
	}
}

// Record returns a copy of the record for tabID, active first.
func (t *Tracker) Record(tabID int) (*TabRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.active[tabID]; ok {
		return rec.Clone(), true
	}
	if rec := t.lastClosedLocked(tabID); rec != nil {
		return rec.Clone(), true
	}
	return nil, false
}

// lastClosedLocked returns the most recently closed record for tabID.
func (t *Tracker) lastClosedLocked(tabID int) *TabRecord {
	for i := len(t.closed) - 1; i >= 0; i-- {
		if t.closed[i].TabID == tabID {
			return t.closed[i]
		}
	}
	return nil
}

// Status counts records and entries.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	s := Status{ActiveTabs: len(t.active), ClosedTabs: len(t.closed)}
	s.TrackedTabs = s.ActiveTabs + s.ClosedTabs
	for _, rec := range t.active {
		s.TotalSessionEntries += len(rec.Entries)
	}
	for _, rec := range t.closed {
		s.TotalSessionEntries += len(rec.Entries)
	}
	t.mu.Unlock()

	s.LastSavedAt = t.lastSavedAt()
	return s
}

// writeTimer is implemented by stores that timestamp each write.
type writeTimer interface {
	BlobUpdatedAt(key string) (time.Time, error)
}

func (t *Tracker) lastSavedAt() int64 {
	wt, ok := t.store.(writeTimer)
	if !ok {
		return 0
	}
	at, err := wt.BlobUpdatedAt(SnapshotKey)
	if err != nil {
		trackerLog.Debug("last_saved_unavailable", slog.String("error", err.Error()))
		return 0
	}
	if at.IsZero() {
		return 0
	}
	return history.Millis(at)
}

// ClearHistory drops every record, active and closed.
func (t *Tracker) ClearHistory() ClearResult {
	t.mu.Lock()
	res := ClearResult{ClearedActive: len(t.active), ClearedClosed: len(t.closed)}
	t.active = make(map[int]*TabRecord)
	t.closed = nil
	t.changedLocked()
	t.mu.Unlock()

	trackerLog.Info("history_cleared", slog.Int("active", res.ClearedActive), slog.Int("closed", res.ClearedClosed))
	return res
}

// ClearClosedTabs drops the closed retention set only.
func (t *Tracker) ClearClosedTabs() ClearResult {
	t.mu.Lock()
	res := ClearResult{ClearedClosed: len(t.closed)}
	t.closed = nil
	t.changedLocked()
	t.mu.Unlock()

	trackerLog.Info("closed_tabs_cleared", slog.Int("closed", res.ClearedClosed))
	return res
}

// RefreshTabHistory rebuilds the tab's tree and returns a copy, or nil when
// the tab is not tracked. Closed records keep their saved tree.
func (t *Tracker) RefreshTabHistory(tabID int) *TabHistory {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.active[tabID]
	if ok {
		rec.Rebuild()
	} else if rec = t.lastClosedLocked(tabID); rec == nil {
		return nil
	}
	c := rec.Clone()
	return &TabHistory{Tree: c.Tree, SessionHistory: c.Entries, CurrentIndex: c.CurrentIndex}
}

// DebugInfo dumps every log with a simplified tree.
func (t *Tracker) DebugInfo() DebugInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := DebugInfo{
		Revision:      t.revision.Load(),
		ProbeAttached: t.prober.Load() != nil,
		PendingTabs:   make([]int, 0),
		Active:        make([]DebugTab, 0, len(t.active)),
		Closed:        make([]DebugTab, 0, len(t.closed)),
	}
	for id := range t.created {
		if _, tracked := t.active[id]; !tracked {
			info.PendingTabs = append(info.PendingTabs, id)
		}
	}
	sort.Ints(info.PendingTabs)
	for _, p := range pairsOf(t.active) {
		info.Active = append(info.Active, debugTabOf(p.Record))
	}
	for _, rec := range t.closed {
		info.Closed = append(info.Closed, debugTabOf(rec))
	}
	return info
}

func debugTabOf(rec *TabRecord) DebugTab {
	urls := make([]string, len(rec.Entries))
	for i, e := range rec.Entries {
		urls[i] = e.URL
	}
	return DebugTab{
		TabID:        rec.TabID,
		Closed:       rec.Closed,
		EntryCount:   len(rec.Entries),
		CurrentIndex: rec.CurrentIndex,
		URLs:         urls,
		TreeSize:     rec.Tree.Size(),
		Tree:         rec.Tree.Simplify(),
	}
}
