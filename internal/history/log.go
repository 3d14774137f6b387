package history

import "time"

// Transition is the outcome of classifying one navigation against a log.
type Transition string

const (
	TransitionRefresh Transition = "refresh"
	TransitionBack    Transition = "back"
	TransitionForward Transition = "forward"
	TransitionNew     Transition = "new"
)

// Mutates reports whether the transition changed entries or currentIndex.
func (t Transition) Mutates() bool {
	return t != TransitionRefresh
}

// SessionLog is the authoritative navigation timeline of one tab.
// Tree is a derived cache; only Rebuild writes it.
type SessionLog struct {
	Entries       []HistoryEntry `json:"entries"`
	CurrentIndex  int            `json:"currentIndex"`
	LastUpdatedAt int64          `json:"lastUpdated"`
	Tree          *TreeNode      `json:"tree"`
}

// NewSessionLog starts a log holding a single entry, built and marked current.
func NewSessionLog(first HistoryEntry, at time.Time) *SessionLog {
	l := &SessionLog{
		Entries:       []HistoryEntry{first},
		LastUpdatedAt: Millis(at),
	}
	l.Rebuild()
	return l
}

// Current returns the entry at CurrentIndex, or nil for an empty or
// inconsistent log.
func (l *SessionLog) Current() *HistoryEntry {
	if l.CurrentIndex < 0 || l.CurrentIndex >= len(l.Entries) {
		return nil
	}
	return &l.Entries[l.CurrentIndex]
}

// Classify decides which transition a visit to rawURL represents without
// touching the log. Checks run refresh, back, forward, new; first match wins.
func (l *SessionLog) Classify(rawURL string, info NavInfo) Transition {
	if cur := l.Current(); cur != nil && cur.URL == rawURL {
		return TransitionRefresh
	}
	i := l.CurrentIndex
	if i > 0 && i-1 < len(l.Entries) && l.Entries[i-1].URL == rawURL && info.CanGoBack {
		return TransitionBack
	}
	if i >= 0 && i < len(l.Entries)-1 && l.Entries[i+1].URL == rawURL && info.CanGoForward {
		return TransitionForward
	}
	return TransitionNew
}

// Apply classifies the visit and performs the matching state change. Any
// mutating transition stamps LastUpdatedAt and rebuilds the tree; a refresh
// only stamps LastUpdatedAt.
func (l *SessionLog) Apply(rawURL, title string, kind NavigationKind, info NavInfo, now time.Time) Transition {
	t := l.Classify(rawURL, info)
	switch t {
	case TransitionBack:
		l.CurrentIndex--
	case TransitionForward:
		l.CurrentIndex++
	case TransitionNew:
		if l.CurrentIndex < len(l.Entries)-1 {
			// forward history is discarded for good; copy so trees built
			// from the old backing array never see the slot reused
			l.Entries = append([]HistoryEntry(nil), l.Entries[:l.CurrentIndex+1]...)
		}
		l.Entries = append(l.Entries, NewEntry(rawURL, title, kind, now, info))
		l.CurrentIndex = len(l.Entries) - 1
	}
	l.LastUpdatedAt = Millis(now)
	if t.Mutates() {
		l.Rebuild()
	}
	return t
}

// Rebuild replaces Tree with a fresh build from Entries and CurrentIndex.
// An empty log leaves Tree untouched.
func (l *SessionLog) Rebuild() {
	if tree := BuildTree(l.Entries, l.CurrentIndex); tree != nil {
		l.Tree = tree
	}
}

// Clone returns a deep copy safe to hand to readers.
func (l *SessionLog) Clone() *SessionLog {
	if l == nil {
		return nil
	}
	c := &SessionLog{
		Entries:       make([]HistoryEntry, len(l.Entries)),
		CurrentIndex:  l.CurrentIndex,
		LastUpdatedAt: l.LastUpdatedAt,
	}
	copy(c.Entries, l.Entries)
	c.Tree = l.Tree.Clone()
	return c
}
