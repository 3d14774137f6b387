package tracker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/tabtrail/internal/history"
)

func intPtr(v int) *int { return &v }

func TestDispatchUnknownAction(t *testing.T) {
	tr := newTestTracker(t, Options{})
	for _, action := range []string{"", "dropTables", "GETSTATUS"} {
		resp := tr.Dispatch(context.Background(), Request{Action: action})
		assert.False(t, resp.Success)
		assert.Equal(t, "unknown action: "+action, resp.Error)
		assert.Nil(t, resp.Data)
	}

	data, err := json.Marshal(tr.Dispatch(context.Background(), Request{Action: "nope"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"unknown action: nope","data":null}`, string(data))
}

func TestDispatchGetAllTabTreesSortedByLastUpdated(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})

	tr.TabUpdated(ctx, nav(1, urlA, plain()))
	tr.TabUpdated(ctx, nav(2, urlB, plain()))
	tr.TabUpdated(ctx, nav(3, urlC, plain()))
	tr.TabUpdated(ctx, nav(1, urlD, plain()))
	tr.TabClosed(ctx, 2)

	resp := tr.Dispatch(ctx, Request{Action: ActionGetAllTabTrees})
	require.True(t, resp.Success)
	trees, ok := resp.Data.([]TabTree)
	require.True(t, ok)
	require.Len(t, trees, 3)

	assert.Equal(t, []int{1, 3, 2}, []int{trees[0].TabID, trees[1].TabID, trees[2].TabID})
	assert.Len(t, trees[0].SessionHistory, 2)
	assert.Equal(t, 1, trees[0].CurrentIndex)
	assert.False(t, trees[0].IsClosed)
	assert.Nil(t, trees[0].ClosedAt)
	assert.True(t, trees[2].IsClosed)
	assert.NotNil(t, trees[2].ClosedAt)
	for i := 1; i < len(trees); i++ {
		assert.GreaterOrEqual(t, trees[i-1].LastUpdated, trees[i].LastUpdated)
	}

	data, err := json.Marshal(trees[0])
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	for _, key := range []string{"tabId", "tree", "sessionHistory", "currentIndex", "lastUpdated", "creationTime", "isClosed"} {
		assert.Contains(t, wire, key)
	}
	assert.NotContains(t, wire, "closedAt")
}

func TestDispatchGetStatus(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})
	tr.TabUpdated(ctx, nav(1, urlA, plain()))
	tr.TabUpdated(ctx, nav(1, urlB, plain()))
	tr.TabUpdated(ctx, nav(2, urlC, plain()))
	tr.TabClosed(ctx, 2)

	resp := tr.Dispatch(ctx, Request{Action: ActionGetStatus})
	require.True(t, resp.Success)
	assert.Equal(t, Status{TrackedTabs: 2, ActiveTabs: 1, ClosedTabs: 1, TotalSessionEntries: 3}, resp.Data)
}

func TestDispatchClearActions(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := newTestTracker(t, Options{Store: store})
	tr.TabUpdated(ctx, nav(1, urlA, plain()))
	tr.TabUpdated(ctx, nav(2, urlB, plain()))
	tr.TabClosed(ctx, 2)

	resp := tr.Dispatch(ctx, Request{Action: ActionClearClosedTabs})
	require.True(t, resp.Success)
	assert.Equal(t, ClearResult{ClearedClosed: 1}, resp.Data)
	assert.Equal(t, 1, tr.Status().ActiveTabs)

	resp = tr.Dispatch(ctx, Request{Action: ActionClearHistory})
	require.True(t, resp.Success)
	assert.Equal(t, ClearResult{ClearedActive: 1}, resp.Data)
	tr.Flush()

	// the cleared state is what gets persisted
	restored := newTestTracker(t, Options{})
	require.NoError(t, restored.Load(store))
	assert.Equal(t, Status{}, restored.Status())

	assert.True(t, IsMutating(ActionClearHistory))
	assert.True(t, IsMutating(ActionClearClosedTabs))
	assert.False(t, IsMutating(ActionGetStatus))
}

func TestDispatchRefreshTabHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})
	tr.TabUpdated(ctx, nav(1, urlA, plain()))
	tr.TabUpdated(ctx, nav(1, urlB, plain()))
	tr.TabUpdated(ctx, nav(5, urlC, plain()))
	tr.TabClosed(ctx, 5)

	resp := tr.Dispatch(ctx, Request{Action: ActionRefreshTabHistory})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "tabId")

	resp = tr.Dispatch(ctx, Request{Action: ActionRefreshTabHistory, TabID: intPtr(42)})
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	resp = tr.Dispatch(ctx, Request{Action: ActionRefreshTabHistory, TabID: intPtr(1)})
	require.True(t, resp.Success)
	h, ok := resp.Data.(*TabHistory)
	require.True(t, ok)
	assert.Equal(t, 1, h.CurrentIndex)
	assert.Len(t, h.SessionHistory, 2)
	require.Len(t, h.Tree.CurrentNodes(), 1)
	assert.Equal(t, urlB, h.Tree.CurrentNodes()[0].Entry.URL)

	resp = tr.Dispatch(ctx, Request{Action: ActionRefreshTabHistory, TabID: intPtr(5)})
	require.True(t, resp.Success)
	h = resp.Data.(*TabHistory)
	assert.Equal(t, urlC, h.SessionHistory[0].URL)
}

func TestDispatchDebugInfo(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})
	tr.TabCreated(ctx, 9, epoch)
	tr.TabUpdated(ctx, nav(1, urlA, plain()))
	tr.TabUpdated(ctx, nav(1, urlB, plain()))
	tr.TabUpdated(ctx, nav(1, urlA, back()))
	tr.TabUpdated(ctx, nav(2, urlC, plain()))
	tr.TabClosed(ctx, 2)

	resp := tr.Dispatch(ctx, Request{Action: ActionDebugInfo})
	require.True(t, resp.Success)
	info := resp.Data.(DebugInfo)

	assert.Equal(t, []int{9}, info.PendingTabs)
	require.Len(t, info.Active, 1)
	assert.Equal(t, DebugTab{
		TabID:        1,
		EntryCount:   2,
		CurrentIndex: 0,
		URLs:         []string{urlA, urlB},
		TreeSize:     2,
		Tree: &history.SimpleNode{
			URL: urlA, Title: "a.example", IsCurrent: true,
			Children: []*history.SimpleNode{{URL: urlB, Title: "b.example", Children: []*history.SimpleNode{}}},
		},
	}, info.Active[0])
	require.Len(t, info.Closed, 1)
	assert.True(t, info.Closed[0].Closed)
	assert.Equal(t, tr.Revision(), info.Revision)
}

func TestDispatchSearchHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})

	tr.TabUpdated(ctx, NavEvent{TabID: 1, URL: "https://go.dev/doc/effective_go", Title: "Effective Go", NavInfo: plain()})
	tr.TabUpdated(ctx, NavEvent{TabID: 1, URL: "https://pkg.go.dev/sync", Title: "sync package", NavInfo: plain()})
	tr.TabUpdated(ctx, NavEvent{TabID: 1, URL: "https://go.dev/doc/effective_go", Title: "Effective Go", NavInfo: plain()})
	tr.TabUpdated(ctx, NavEvent{TabID: 2, URL: "https://news.example.com/", Title: "News", NavInfo: plain()})
	tr.TabUpdated(ctx, NavEvent{TabID: 3, URL: "https://blog.example.org/effective-teams", Title: "Effective teams", NavInfo: plain()})
	tr.TabClosed(ctx, 3)

	resp := tr.Dispatch(ctx, Request{Action: ActionSearchHistory, Query: "effective"})
	require.True(t, resp.Success)
	hits := resp.Data.([]SearchHit)
	require.Len(t, hits, 2, "repeat visits collapse per tab")

	byTab := map[int]SearchHit{}
	for _, h := range hits {
		byTab[h.TabID] = h
	}
	assert.Equal(t, 2, byTab[1].Index, "latest visit wins a tie")
	assert.True(t, byTab[1].Current)
	assert.True(t, byTab[3].Closed)
	assert.False(t, byTab[3].Current)

	resp = tr.Dispatch(ctx, Request{Action: ActionSearchHistory, Query: "effective", Limit: 1})
	assert.Len(t, resp.Data.([]SearchHit), 1)

	resp = tr.Dispatch(ctx, Request{Action: ActionSearchHistory, Query: "zzzzqqq"})
	assert.Empty(t, resp.Data.([]SearchHit))

	resp = tr.Dispatch(ctx, Request{Action: ActionSearchHistory})
	assert.Empty(t, resp.Data.([]SearchHit))
}

func TestSearchKeepsHitsOfReusedTabIDsApart(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t, Options{})

	tr.TabUpdated(ctx, NavEvent{TabID: 5, URL: urlA, Title: "Alpha", NavInfo: plain()})
	tr.TabUpdated(ctx, NavEvent{TabID: 5, URL: urlB, Title: "Beta", NavInfo: plain()})
	tr.TabClosed(ctx, 5)
	tr.TabUpdated(ctx, NavEvent{TabID: 5, URL: urlA, Title: "Alpha", NavInfo: plain()})

	hits := tr.Search("alpha", 0)
	require.Len(t, hits, 2)
	var closed, active int
	for _, h := range hits {
		assert.Equal(t, 5, h.TabID)
		assert.Equal(t, urlA, h.URL)
		if h.Closed {
			closed++
		} else {
			active++
			assert.True(t, h.Current)
		}
	}
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, active)
}
