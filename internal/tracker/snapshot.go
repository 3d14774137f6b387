package tracker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/asheshgoplani/tabtrail/internal/history"
	"github.com/asheshgoplani/tabtrail/internal/statedb"
)

// SnapshotKey is the store key holding every tab record.
const SnapshotKey = "tab_histories"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Snapshot is the persisted form of the tracker.
type Snapshot struct {
	ActiveRecords []RecordPair `json:"activeRecords"`
	ClosedRecords []RecordPair `json:"closedRecords"`
	SavedAt       int64        `json:"savedAt"`
}

// RecordPair serializes as the two element array [tabId, record].
type RecordPair struct {
	TabID  int
	Record *TabRecord
}

// MarshalJSON implements json.Marshaler.
func (p RecordPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.TabID, p.Record})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RecordPair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("record pair: want 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.TabID); err != nil {
		return fmt.Errorf("record pair tab id: %w", err)
	}
	p.Record = &TabRecord{}
	if err := json.Unmarshal(raw[1], p.Record); err != nil {
		return fmt.Errorf("record pair %d: %w", p.TabID, err)
	}
	return nil
}

// EncodeSnapshot renders snap as JSON, zstd-compressed when compress is set.
func EncodeSnapshot(snap *Snapshot, compress bool) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if !compress {
		return data, nil
	}
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/3)), nil
}

// DecodeSnapshot parses a blob written by EncodeSnapshot in either form.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
		data = plain
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// snapshotLocked captures every record: active ones ordered by tab id,
// closed ones in close order. The records are shared, so the caller must
// encode before releasing the lock.
func (t *Tracker) snapshotLocked() *Snapshot {
	closed := make([]RecordPair, len(t.closed))
	for i, rec := range t.closed {
		closed[i] = RecordPair{TabID: rec.TabID, Record: rec}
	}
	return &Snapshot{
		ActiveRecords: pairsOf(t.active),
		ClosedRecords: closed,
		SavedAt:       history.Millis(t.now()),
	}
}

func pairsOf(m map[int]*TabRecord) []RecordPair {
	out := make([]RecordPair, 0, len(m))
	for id, rec := range m {
		out = append(out, RecordPair{TabID: id, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Load restores the saved snapshot from store. A missing or unreadable blob
// leaves the tracker empty; only store I/O errors are returned.
func (t *Tracker) Load(store Store) error {
	data, err := store.GetBlob(SnapshotKey)
	if errors.Is(err, statedb.ErrNotFound) {
		trackerLog.Info("snapshot_missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		trackerLog.Warn("snapshot_corrupt", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
		return nil
	}

	active := make(map[int]*TabRecord, len(snap.ActiveRecords))
	for _, p := range snap.ActiveRecords {
		if !restorable(p) {
			trackerLog.Warn("snapshot_record_dropped", slog.Int("tab_id", p.TabID))
			continue
		}
		p.Record.TabID = p.TabID
		p.Record.Rebuild()
		active[p.TabID] = p.Record
	}
	closed := make([]*TabRecord, 0, len(snap.ClosedRecords))
	for _, p := range snap.ClosedRecords {
		if !restorable(p) {
			trackerLog.Warn("snapshot_record_dropped", slog.Int("tab_id", p.TabID), slog.Bool("closed", true))
			continue
		}
		p.Record.TabID = p.TabID
		p.Record.Closed = true
		if p.Record.Tree == nil {
			p.Record.Rebuild()
		}
		closed = append(closed, p.Record)
	}
	// older snapshots listed closed records by tab id
	sort.SliceStable(closed, func(i, j int) bool { return closedAtOf(closed[i]) < closedAtOf(closed[j]) })

	t.mu.Lock()
	t.active = active
	t.closed = closed
	t.revision.Add(1)
	t.mu.Unlock()

	trackerLog.Info("snapshot_loaded",
		slog.Int("active", len(active)),
		slog.Int("closed", len(closed)),
		slog.Int64("saved_at", snap.SavedAt),
		slog.Bool("compressed", bytes.HasPrefix(data, zstdMagic)))
	return nil
}

func closedAtOf(rec *TabRecord) int64 {
	if rec.ClosedAt == nil {
		return 0
	}
	return *rec.ClosedAt
}

// restorable rejects records whose log cannot satisfy the index invariant.
func restorable(p RecordPair) bool {
	if p.Record == nil || len(p.Record.Entries) == 0 {
		return false
	}
	return p.Record.CurrentIndex >= 0 && p.Record.CurrentIndex < len(p.Record.Entries)
}
