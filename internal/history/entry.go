package history

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// NavigationKind records how a history entry came into existence.
type NavigationKind string

const (
	KindInitial    NavigationKind = "initial"
	KindNavigation NavigationKind = "navigation"
	KindActivation NavigationKind = "activation"
	KindBack       NavigationKind = "back"
	KindForward    NavigationKind = "forward"
	KindRoot       NavigationKind = "root"
)

// NavInfo is the host-reported navigation capability of a tab at visit time.
type NavInfo struct {
	HistoryLength int             `json:"historyLength"`
	CanGoBack     bool            `json:"canGoBack"`
	CanGoForward  bool            `json:"canGoForward"`
	State         json.RawMessage `json:"state"`
}

// DefaultNavInfo is substituted whenever the probe cannot answer.
func DefaultNavInfo() NavInfo {
	return NavInfo{HistoryLength: 1}
}

// HistoryEntry is one immutable visit record.
type HistoryEntry struct {
	URL            string          `json:"url"`
	Title          string          `json:"title"`
	Timestamp      int64           `json:"timestamp"`
	NavigationKind NavigationKind  `json:"navigationKind"`
	HistoryLength  int             `json:"historyLength"`
	CanGoBack      bool            `json:"canGoBack"`
	CanGoForward   bool            `json:"canGoForward"`
	State          json.RawMessage `json:"state"`
}

// NewEntry builds an entry, falling back to the URL host when title is empty.
func NewEntry(rawURL, title string, kind NavigationKind, at time.Time, info NavInfo) HistoryEntry {
	if strings.TrimSpace(title) == "" {
		title = HostOf(rawURL)
	}
	return HistoryEntry{
		URL:            rawURL,
		Title:          title,
		Timestamp:      Millis(at),
		NavigationKind: kind,
		HistoryLength:  info.HistoryLength,
		CanGoBack:      info.CanGoBack,
		CanGoForward:   info.CanGoForward,
		State:          info.State,
	}
}

// HostOf returns the host component of rawURL, or rawURL itself when it does
// not parse.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// IsTrackable reports whether rawURL uses a scheme the tracker records.
func IsTrackable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u.Host != ""
	}
	return false
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
