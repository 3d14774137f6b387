package render

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

var tableHeaders = []string{"TAB", "STATE", "PAGES", "POS", "UPDATED", "CURRENT"}

// Table lists tabs one per row. The last column holds the current page
// title and absorbs truncation.
func Table(tabs []tracker.TabTree, opts Options) string {
	t := opts.theme()
	if len(tabs) == 0 {
		return t.Dim.Render("no tabs tracked")
	}
	now := opts.now()

	rows := make([][]string, 0, len(tabs))
	for _, tab := range tabs {
		state := "active"
		if tab.IsClosed {
			state = "closed"
		}
		title := ""
		if tab.CurrentIndex >= 0 && tab.CurrentIndex < len(tab.SessionHistory) {
			title = tab.SessionHistory[tab.CurrentIndex].Title
		}
		rows = append(rows, []string{
			fmt.Sprint(tab.TabID),
			state,
			fmt.Sprint(tab.Tree.Size()),
			fmt.Sprintf("%d/%d", tab.CurrentIndex+1, len(tab.SessionHistory)),
			Age(tab.LastUpdated, now),
			title,
		})
	}

	widths := make([]int, len(tableHeaders)-1)
	for i := range widths {
		widths[i] = runewidth.StringWidth(tableHeaders[i])
		for _, r := range rows {
			widths[i] = max(widths[i], runewidth.StringWidth(r[i]))
		}
	}
	lead := 0
	for _, w := range widths {
		lead += w + 2
	}

	line := func(cells []string, style func(col int, s string) string) string {
		var b strings.Builder
		for i, w := range widths {
			b.WriteString(style(i, runewidth.FillRight(cells[i], w)))
			b.WriteString("  ")
		}
		last := cells[len(cells)-1]
		if opts.Width > 0 {
			last = Truncate(last, opts.Width-lead)
		}
		b.WriteString(style(len(widths), last))
		return strings.TrimRight(b.String(), " ")
	}

	out := make([]string, 0, len(rows)+1)
	out = append(out, line(tableHeaders, func(_ int, s string) string { return t.Header.Render(s) }))
	for _, r := range rows {
		closed := r[1] == "closed"
		out = append(out, line(r, func(col int, s string) string {
			switch col {
			case 1:
				if closed {
					return t.Closed.Render(s)
				}
				return t.Active.Render(s)
			case 4:
				return t.Dim.Render(s)
			default:
				return t.Title.Render(s)
			}
		}))
	}
	return strings.Join(out, "\n")
}
