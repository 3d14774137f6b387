package tracker

import (
	"sort"

	"github.com/sahilm/fuzzy"
)

// DefaultSearchLimit caps searchHistory results when no limit is given.
const DefaultSearchLimit = 50

// SearchHit is one entry matching a history search.
type SearchHit struct {
	TabID     int    `json:"tabId"`
	Index     int    `json:"index"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
	Closed    bool   `json:"closed"`
	Current   bool   `json:"current"`
	Score     int    `json:"score"`
}

// searchSource adapts the flattened entries to fuzzy.Source.
type searchSource []SearchHit

func (s searchSource) String(i int) string { return s[i].Title + " " + s[i].URL }
func (s searchSource) Len() int            { return len(s) }

// Search fuzzy-matches query against the title and url of every entry in
// every record. Repeat visits of the same url in one tab collapse to the
// best scoring entry.
func (t *Tracker) Search(query string, limit int) []SearchHit {
	if query == "" {
		return []SearchHit{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	t.mu.Lock()
	records := make([]*TabRecord, 0, len(t.active)+len(t.closed))
	for _, rec := range t.active {
		records = append(records, rec)
	}
	records = append(records, t.closed...)

	var source searchSource
	// owner[i] is the position in records of the record source[i] came from
	var owner []int
	for r, rec := range records {
		for i, e := range rec.Entries {
			source = append(source, SearchHit{
				TabID:     rec.TabID,
				Index:     i,
				URL:       e.URL,
				Title:     e.Title,
				Timestamp: e.Timestamp,
				Closed:    rec.Closed,
				Current:   !rec.Closed && i == rec.CurrentIndex,
			})
			owner = append(owner, r)
		}
	}
	t.mu.Unlock()

	// a tab id can own an active record and closed ones; each record keeps
	// its own hits
	type recordURL struct {
		record int
		url    string
	}
	seen := make(map[recordURL]int)
	hits := make([]SearchHit, 0)
	for _, m := range fuzzy.FindFrom(query, source) {
		hit := source[m.Index]
		hit.Score = m.Score
		key := recordURL{owner[m.Index], hit.URL}
		if at, dup := seen[key]; dup {
			if hits[at].Score < hit.Score || (hits[at].Score == hit.Score && hits[at].Index < hit.Index) {
				hits[at] = hit
			}
			continue
		}
		seen[key] = len(hits)
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Timestamp != hits[j].Timestamp {
			return hits[i].Timestamp > hits[j].Timestamp
		}
		return hits[i].TabID < hits[j].TabID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
