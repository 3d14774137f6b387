package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// recordingSink captures calls as short strings.
type recordingSink struct {
	mu     sync.Mutex
	calls  []string
	events []tracker.NavEvent
	times  []time.Time
}

func (s *recordingSink) add(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingSink) TabCreated(_ context.Context, tabID int, at time.Time) {
	s.mu.Lock()
	s.times = append(s.times, at)
	s.mu.Unlock()
	s.add(fmt.Sprintf("created %d", tabID))
}

func (s *recordingSink) TabUpdated(_ context.Context, ev tracker.NavEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.add(fmt.Sprintf("updated %d %s", ev.TabID, ev.URL))
}

func (s *recordingSink) TabActivated(_ context.Context, ev tracker.NavEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.add(fmt.Sprintf("activated %d %s", ev.TabID, ev.URL))
}

func (s *recordingSink) TabClosed(_ context.Context, tabID int) {
	s.add(fmt.Sprintf("closed %d", tabID))
}

func (s *recordingSink) DiscoverOpenTabs(_ context.Context, tabs []tracker.OpenTab) {
	s.add(fmt.Sprintf("open %d", len(tabs)))
}

func TestDecodeValidMessages(t *testing.T) {
	cases := []struct {
		name string
		json string
		typ  string
	}{
		{"created", `{"type":"tabCreated","tabId":3,"timestamp":1700000000000}`, TypeTabCreated},
		{"updated", `{"type":"tabUpdated","tabId":3,"url":"https://a.example/","title":"A","status":"complete"}`, TypeTabUpdated},
		{"updated with navInfo", `{"type":"tabUpdated","tabId":3,"url":"https://a.example/","status":"complete","navInfo":{"historyLength":2,"canGoBack":true,"canGoForward":false,"state":{"k":1}}}`, TypeTabUpdated},
		{"activated", `{"type":"tabActivated","tabId":3,"url":"https://a.example/"}`, TypeTabActivated},
		{"closed", `{"type":"tabClosed","tabId":3}`, TypeTabClosed},
		{"open", `{"type":"tabsOpen","tabs":[{"tabId":1,"url":"https://a.example/","title":"A"}]}`, TypeTabsOpen},
		{"probe reply", `{"type":"navInfo","id":"p-1","tabId":3,"navInfo":{"historyLength":1,"canGoBack":false,"canGoForward":false}}`, TypeNavInfo},
		{"probe error", `{"type":"navInfo","id":"p-1","error":"No tab with id: 3"}`, TypeNavInfo},
		{"command", `{"type":"command","id":"c-1","action":"getStatus"}`, TypeCommand},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.json))
			require.NoError(t, err)
			assert.Equal(t, tc.typ, msg.Type)
		})
	}
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	cases := map[string]string{
		"not json":            `{"type":`,
		"no type":             `{"tabId":1}`,
		"unknown type":        `{"type":"tabMoved","tabId":1}`,
		"missing tabId":       `{"type":"tabClosed"}`,
		"negative tabId":      `{"type":"tabClosed","tabId":-4}`,
		"string tabId":        `{"type":"tabClosed","tabId":"4"}`,
		"updated no status":   `{"type":"tabUpdated","tabId":1,"url":"https://a.example/"}`,
		"bad status":          `{"type":"tabUpdated","tabId":1,"url":"https://a.example/","status":"done"}`,
		"navInfo wrong types": `{"type":"tabActivated","tabId":1,"url":"x","navInfo":{"historyLength":"2","canGoBack":true,"canGoForward":false}}`,
		"command no action":   `{"type":"command","id":"c-1"}`,
		"array":               `[1,2]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}

	_, err := Decode([]byte(`{"type":"tabClosed"}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Errors)
	assert.Contains(t, verr.Error(), "invalid message")
}

func TestApplyDispatchesToSink(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}

	inputs := []string{
		`{"type":"tabCreated","tabId":1,"timestamp":1700000000000}`,
		`{"type":"tabUpdated","tabId":1,"url":"https://a.example/","status":"loading"}`,
		`{"type":"tabUpdated","tabId":1,"url":"https://a.example/","status":"complete","navInfo":{"historyLength":2,"canGoBack":true,"canGoForward":false}}`,
		`{"type":"tabActivated","tabId":1,"url":"https://a.example/","title":"A"}`,
		`{"type":"tabsOpen","tabs":[{"tabId":2,"url":"https://b.example/"},{"tabId":3,"url":"https://c.example/"}]}`,
		`{"type":"tabClosed","tabId":1}`,
	}
	var applied []bool
	for _, raw := range inputs {
		msg, err := Decode([]byte(raw))
		require.NoError(t, err)
		ok, err := Apply(ctx, sink, msg)
		require.NoError(t, err)
		applied = append(applied, ok)
	}

	assert.Equal(t, []bool{true, false, true, true, true, true}, applied)
	assert.Equal(t, []string{
		"created 1",
		"updated 1 https://a.example/",
		"activated 1 https://a.example/",
		"open 2",
		"closed 1",
	}, sink.Calls())

	require.Len(t, sink.times, 1)
	assert.Equal(t, int64(1700000000000), sink.times[0].UnixMilli())
	require.NotNil(t, sink.events[0].NavInfo)
	assert.True(t, sink.events[0].NavInfo.CanGoBack)
	assert.Nil(t, sink.events[1].NavInfo, "no inline navInfo means probe")
	assert.Equal(t, "A", sink.events[1].Title)
}

func TestApplyCreatedWithoutTimestamp(t *testing.T) {
	sink := &recordingSink{}
	msg, err := Decode([]byte(`{"type":"tabCreated","tabId":8}`))
	require.NoError(t, err)
	_, err = Apply(context.Background(), sink, msg)
	require.NoError(t, err)
	require.Len(t, sink.times, 1)
	assert.True(t, sink.times[0].IsZero())
}

func TestApplyRejectsTransportMessages(t *testing.T) {
	sink := &recordingSink{}
	for _, raw := range []string{
		`{"type":"navInfo","id":"p-1","error":"gone"}`,
		`{"type":"command","id":"c-1","action":"getStatus"}`,
	} {
		msg, err := Decode([]byte(raw))
		require.NoError(t, err)
		ok, err := Apply(context.Background(), sink, msg)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrNotEvent)
	}
	assert.Empty(t, sink.Calls())
}

func TestCommandRequest(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"command","id":"c-9","action":"refreshTabHistory","tabId":4}`))
	require.NoError(t, err)
	req := msg.Request()
	assert.Equal(t, "refreshTabHistory", req.Action)
	require.NotNil(t, req.TabID)
	assert.Equal(t, 4, *req.TabID)
	assert.Equal(t, 4, msg.Tab())

	assert.Equal(t, -1, (&Message{}).Tab())
}
