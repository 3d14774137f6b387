package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec), string(line))
		out = append(out, rec)
	}
	return out
}

func TestAggregatorFlushSummarises(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)

	base := time.UnixMilli(1_700_000_000_000)
	tick := base
	agg.now = func() time.Time { return tick }

	agg.Record(CompTracker, "refresh_noop", slog.Int("tab_id", 7))
	tick = base.Add(time.Second)
	agg.Record(CompTracker, "refresh_noop", slog.Int("tab_id", 9))
	agg.Record(CompSource, "ignored_url")
	assert.Equal(t, 2, agg.pending())

	agg.Flush()
	assert.Equal(t, 0, agg.pending())

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 2)

	// sorted by component then event
	assert.Equal(t, CompSource, records[0]["component"])
	assert.Equal(t, "ignored_url", records[0]["event"])
	assert.EqualValues(t, 1, records[0]["count"])

	assert.Equal(t, CompTracker, records[1]["component"])
	assert.EqualValues(t, 2, records[1]["count"])
	assert.EqualValues(t, 9, records[1]["tab_id"], "latest fields win")
	assert.EqualValues(t, base.UnixMilli(), records[1]["first_seen_ms"])
	assert.EqualValues(t, base.Add(time.Second).UnixMilli(), records[1]["last_seen_ms"])
}

func TestAggregatorFlushEmptyWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Flush()
	assert.Zero(t, buf.Len())
}

func TestAggregatorNilLoggerDrops(t *testing.T) {
	agg := NewAggregator(nil, 0)
	agg.Record(CompTracker, "x")
	assert.Equal(t, 0, agg.pending())
	assert.Equal(t, 30*time.Second, agg.interval)
}

func TestAggregatorStopFlushesAndIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()
	agg.Record(CompWeb, "ws_message")
	agg.Stop()
	agg.Stop()

	records := decodeLines(t, buf.Bytes())
	require.Len(t, records, 1)
	assert.Equal(t, "event_summary", records[0]["msg"])
}
