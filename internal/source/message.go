// Package source decodes navigation events sent by a browser host and
// applies them to the tracker.
package source

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/asheshgoplani/tabtrail/internal/history"
	"github.com/asheshgoplani/tabtrail/internal/logging"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

var sourceLog = logging.ForComponent(logging.CompSource)

// Message types.
const (
	TypeTabCreated   = "tabCreated"
	TypeTabUpdated   = "tabUpdated"
	TypeTabActivated = "tabActivated"
	TypeTabClosed    = "tabClosed"
	TypeTabsOpen     = "tabsOpen"
	TypeNavInfo      = "navInfo"
	TypeCommand      = "command"

	// Outbound only.
	TypeProbe  = "probe"
	TypeResult = "result"
	TypeError  = "error"
)

// StatusComplete is the only tabUpdated status that is applied.
const StatusComplete = "complete"

// ErrNotEvent is returned by Apply for messages that belong to the
// transport (probe replies, commands).
var ErrNotEvent = errors.New("source: not a navigation event")

//go:embed schema.json
var schemaJSON []byte

var messageSchema = mustSchema(schemaJSON)

func mustSchema(data []byte) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(fmt.Sprintf("source: invalid embedded schema: %v", err))
	}
	return s
}

// Message is one JSON object exchanged with a host. Which fields are set
// depends on Type.
type Message struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	TabID     *int              `json:"tabId,omitempty"`
	URL       string            `json:"url,omitempty"`
	Title     string            `json:"title,omitempty"`
	Status    string            `json:"status,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	NavInfo   *history.NavInfo  `json:"navInfo,omitempty"`
	Tabs      []tracker.OpenTab `json:"tabs,omitempty"`
	Error     string            `json:"error,omitempty"`
	Action    string            `json:"action,omitempty"`
	Query     string            `json:"query,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Result    *tracker.Response `json:"result,omitempty"`
}

// Tab returns the tab id, or -1 when absent.
func (m *Message) Tab() int {
	if m.TabID == nil {
		return -1
	}
	return *m.TabID
}

// Request converts a command message into a tracker request.
func (m *Message) Request() tracker.Request {
	return tracker.Request{Action: m.Action, TabID: m.TabID, Query: m.Query, Limit: m.Limit}
}

// ValidationError lists every schema violation of a rejected message.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + strings.Join(e.Errors, "; ")
}

// Decode validates data against the message schema and parses it.
func Decode(data []byte) (*Message, error) {
	result, err := messageSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &ValidationError{Errors: msgs}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// Apply feeds an event message to sink. It reports false for messages that
// are valid but deliberately skipped (tabUpdated still loading).
func Apply(ctx context.Context, sink tracker.EventSink, msg *Message) (bool, error) {
	switch msg.Type {
	case TypeTabCreated:
		var at time.Time
		if msg.Timestamp > 0 {
			at = time.UnixMilli(msg.Timestamp)
		}
		sink.TabCreated(ctx, msg.Tab(), at)
	case TypeTabUpdated:
		if msg.Status != StatusComplete {
			return false, nil
		}
		sink.TabUpdated(ctx, msg.navEvent())
	case TypeTabActivated:
		sink.TabActivated(ctx, msg.navEvent())
	case TypeTabClosed:
		sink.TabClosed(ctx, msg.Tab())
	case TypeTabsOpen:
		sink.DiscoverOpenTabs(ctx, msg.Tabs)
	default:
		return false, fmt.Errorf("%w: %s", ErrNotEvent, msg.Type)
	}
	return true, nil
}

func (m *Message) navEvent() tracker.NavEvent {
	return tracker.NavEvent{TabID: m.Tab(), URL: m.URL, Title: m.Title, NavInfo: m.NavInfo}
}
