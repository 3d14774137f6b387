package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func logOf(t *testing.T, currentIndex int, urls ...string) *SessionLog {
	t.Helper()
	l := NewSessionLog(NewEntry(urls[0], "", KindInitial, t0, DefaultNavInfo()), t0)
	for i, u := range urls[1:] {
		l.Apply(u, "", KindNavigation, DefaultNavInfo(), t0.Add(time.Duration(i+1)*time.Second))
	}
	require.Len(t, l.Entries, len(urls))
	l.CurrentIndex = currentIndex
	l.Rebuild()
	return l
}

func urlsOf(l *SessionLog) []string {
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.URL
	}
	return out
}

func TestNewSessionLog(t *testing.T) {
	l := NewSessionLog(NewEntry(urlA, "Home", KindInitial, t0, DefaultNavInfo()), t0)
	require.Len(t, l.Entries, 1)
	assert.Equal(t, 0, l.CurrentIndex)
	assert.Equal(t, t0.UnixMilli(), l.LastUpdatedAt)
	require.NotNil(t, l.Tree)
	assert.True(t, l.Tree.IsCurrent)
	assert.Equal(t, "Home", l.Current().Title)
}

func TestNewEntry_TitleFallsBackToHost(t *testing.T) {
	e := NewEntry("https://news.example.com/a/b?c=d", "  ", KindNavigation, t0, DefaultNavInfo())
	assert.Equal(t, "news.example.com", e.Title)
	assert.Equal(t, t0.UnixMilli(), e.Timestamp)
	assert.Equal(t, 1, e.HistoryLength)
	assert.False(t, e.CanGoBack)
}

func TestNewEntry_CopiesNavInfo(t *testing.T) {
	info := NavInfo{HistoryLength: 4, CanGoBack: true, State: json.RawMessage(`{"k":1}`)}
	e := NewEntry(urlB, "B", KindNavigation, t0, info)
	assert.Equal(t, 4, e.HistoryLength)
	assert.True(t, e.CanGoBack)
	assert.False(t, e.CanGoForward)
	assert.JSONEq(t, `{"k":1}`, string(e.State))
}

func TestApply_RefreshIsNoOp(t *testing.T) {
	l := logOf(t, 1, urlA, urlB)
	treeBefore := l.Tree

	later := t0.Add(time.Hour)
	tr := l.Apply(urlB, "B again", KindNavigation, DefaultNavInfo(), later)

	assert.Equal(t, TransitionRefresh, tr)
	assert.Equal(t, []string{urlA, urlB}, urlsOf(l))
	assert.Equal(t, 1, l.CurrentIndex)
	assert.Equal(t, later.UnixMilli(), l.LastUpdatedAt)
	assert.Same(t, treeBefore, l.Tree, "refresh must not rebuild")
	assert.NotEqual(t, "B again", l.Entries[1].Title)
}

func TestApply_BackForwardRoundTrip(t *testing.T) {
	l := logOf(t, 2, urlA, urlB, urlC)

	tr := l.Apply(urlB, "", KindNavigation, NavInfo{HistoryLength: 3, CanGoBack: true}, t0.Add(time.Minute))
	assert.Equal(t, TransitionBack, tr)
	assert.Equal(t, 1, l.CurrentIndex)
	assert.Equal(t, []string{urlA, urlB, urlC}, urlsOf(l))
	assert.Equal(t, urlB, l.Tree.CurrentNodes()[0].Entry.URL)

	tr = l.Apply(urlC, "", KindNavigation, NavInfo{HistoryLength: 3, CanGoForward: true}, t0.Add(2*time.Minute))
	assert.Equal(t, TransitionForward, tr)
	assert.Equal(t, 2, l.CurrentIndex)
	assert.Equal(t, []string{urlA, urlB, urlC}, urlsOf(l))
	assert.Equal(t, urlC, l.Tree.CurrentNodes()[0].Entry.URL)
}

func TestApply_BackRequiresCapability(t *testing.T) {
	l := logOf(t, 2, urlA, urlB, urlC)

	// Without canGoBack the revisit is a fresh navigation.
	tr := l.Apply(urlB, "", KindNavigation, DefaultNavInfo(), t0.Add(time.Minute))
	assert.Equal(t, TransitionNew, tr)
	assert.Equal(t, []string{urlA, urlB, urlC, urlB}, urlsOf(l))
	assert.Equal(t, 3, l.CurrentIndex)

	// The builder folds the revisit onto the existing B node.
	assert.Equal(t, 3, l.Tree.Size())
	assert.Equal(t, urlB, l.Tree.CurrentNodes()[0].Entry.URL)
}

func TestApply_ForwardRequiresCapability(t *testing.T) {
	l := logOf(t, 1, urlA, urlB, urlC)

	tr := l.Apply(urlC, "", KindNavigation, NavInfo{CanGoBack: true}, t0.Add(time.Minute))
	assert.Equal(t, TransitionNew, tr)
	assert.Equal(t, []string{urlA, urlB, urlC}, urlsOf(l))
	assert.Equal(t, 2, l.CurrentIndex)
}

func TestApply_TruncatesOnBranch(t *testing.T) {
	l := logOf(t, 1, urlA, urlB, urlC)

	tr := l.Apply(urlD, "D", KindNavigation, NavInfo{HistoryLength: 3, CanGoBack: true}, t0.Add(time.Minute))
	assert.Equal(t, TransitionNew, tr)
	assert.Equal(t, []string{urlA, urlB, urlD}, urlsOf(l))
	assert.Equal(t, 2, l.CurrentIndex)

	require.Len(t, l.Tree.Children, 1)
	b := l.Tree.Children[0]
	assert.Equal(t, urlB, b.Entry.URL)
	require.Len(t, b.Children, 1)
	assert.Equal(t, urlD, b.Children[0].Entry.URL)
	assert.True(t, b.Children[0].IsCurrent)
}

func TestApply_TruncationLeavesOldTreeIntact(t *testing.T) {
	l := logOf(t, 1, urlA, urlB, urlC)
	old := l.Tree
	require.Equal(t, urlC, old.Children[0].Children[0].Entry.URL)

	l.Apply(urlD, "", KindNavigation, DefaultNavInfo(), t0.Add(time.Minute))

	assert.Equal(t, urlC, old.Children[0].Children[0].Entry.URL)
}

func TestApply_BackPreferredOverForward(t *testing.T) {
	// Both neighbours are B; back is checked first.
	l := logOf(t, 1, urlB, urlA, urlB)
	tr := l.Apply(urlB, "", KindNavigation, NavInfo{CanGoBack: true, CanGoForward: true}, t0.Add(time.Minute))
	assert.Equal(t, TransitionBack, tr)
	assert.Equal(t, 0, l.CurrentIndex)
}

func TestApply_NewEntryRecordsKindAndTime(t *testing.T) {
	l := logOf(t, 0, urlA)
	at := t0.Add(42 * time.Second)
	l.Apply(urlB, "", KindActivation, NavInfo{HistoryLength: 2, CanGoBack: true}, at)

	e := l.Current()
	require.NotNil(t, e)
	assert.Equal(t, KindActivation, e.NavigationKind)
	assert.Equal(t, at.UnixMilli(), e.Timestamp)
	assert.Equal(t, "b.example", e.Title)
	assert.True(t, e.CanGoBack)
}

func TestRebuild_EmptyLogKeepsTree(t *testing.T) {
	l := logOf(t, 0, urlA)
	tree := l.Tree
	l.Entries = nil
	assert.NotPanics(t, l.Rebuild)
	assert.Same(t, tree, l.Tree)

	empty := &SessionLog{}
	assert.NotPanics(t, empty.Rebuild)
	assert.Nil(t, empty.Tree)
	assert.Nil(t, empty.Current())
}

func TestSessionLog_Clone(t *testing.T) {
	l := logOf(t, 2, urlA, urlB, urlC)
	c := l.Clone()

	c.Entries[0].URL = "https://mutated.example/"
	c.CurrentIndex = 0
	c.Tree.IsCurrent = true

	assert.Equal(t, urlA, l.Entries[0].URL)
	assert.Equal(t, 2, l.CurrentIndex)
	assert.False(t, l.Tree.IsCurrent)

	var nilLog *SessionLog
	assert.Nil(t, nilLog.Clone())
}

func TestIsTrackable(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/", true},
		{"http://localhost:8080/x", true},
		{"HTTPS://EXAMPLE.COM", true},
		{"chrome://extensions", false},
		{"about:blank", false},
		{"file:///etc/hosts", false},
		{"chrome-extension://abc/x", false},
		{"moz-extension://uuid/popup", false},
		{"javascript:alert(1)", false},
		{"https://", false},
		{"not a url", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTrackable(tc.url), tc.url)
	}
}
