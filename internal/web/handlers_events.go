package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

var (
	treeEventsPollInterval      = 2 * time.Second
	treeEventsHeartbeatInterval = 15 * time.Second
)

// handleTreeEvents streams getAllTabTrees as "trees" events, re-sent only
// when the content fingerprint changes.
func (s *Server) handleTreeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// subscribe before the first snapshot so no change is missed
	changes := s.subscribeTreeChanges()
	defer s.unsubscribeTreeChanges(changes)

	lastRevision := s.tracker.Revision()
	trees := s.tracker.AllTabTrees()
	lastFingerprint := treesFingerprint(trees)
	if err := writeSSEEvent(w, flusher, "trees", trees); err != nil {
		return
	}

	pollTicker := time.NewTicker(treeEventsPollInterval)
	defer pollTicker.Stop()

	heartbeatTicker := time.NewTicker(treeEventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	emitIfChanged := func() error {
		rev := s.tracker.Revision()
		if rev == lastRevision {
			return nil
		}
		lastRevision = rev

		next := s.tracker.AllTabTrees()
		fp := treesFingerprint(next)
		if fp == lastFingerprint {
			return nil
		}
		if err := writeSSEEvent(w, flusher, "trees", next); err != nil {
			return err
		}
		lastFingerprint = fp
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-changes:
			if err := emitIfChanged(); err != nil {
				return
			}
		case <-pollTicker.C:
			if err := emitIfChanged(); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// treesFingerprint ignores lastUpdated so that refresh-only changes are not
// re-sent.
func treesFingerprint(trees []tracker.TabTree) string {
	type fingerprintTab struct {
		TabID          int    `json:"tabId"`
		CurrentIndex   int    `json:"currentIndex"`
		IsClosed       bool   `json:"isClosed"`
		SessionHistory any    `json:"sessionHistory"`
		Tree           any    `json:"tree"`
		ClosedAt       *int64 `json:"closedAt"`
	}
	payload := make([]fingerprintTab, 0, len(trees))
	for _, t := range trees {
		payload = append(payload, fingerprintTab{
			TabID:          t.TabID,
			CurrentIndex:   t.CurrentIndex,
			IsClosed:       t.IsClosed,
			SessionHistory: t.SessionHistory,
			Tree:           t.Tree,
			ClosedAt:       t.ClosedAt,
		})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
