package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/tabtrail/internal/history"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

// Node markers.
const (
	MarkerCurrent = "●"
	MarkerVisited = "○"
	Ellipsis      = "…"
)

const (
	connMid  = "├── "
	connLast = "└── "
	pipeMid  = "│   "
	pipeLast = "    "
)

// Options control the layout. A zero Width disables truncation.
type Options struct {
	Width   int
	ShowURL bool
	Theme   *Theme
	Now     func() time.Time
}

func (o Options) theme() *Theme {
	if o.Theme == nil {
		return NewTheme(ThemeDark)
	}
	return o.Theme
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Tree draws root and its descendants one node per line, children under
// their parent in order. The current node gets MarkerCurrent.
func Tree(root *history.TreeNode, opts Options) string {
	t := opts.theme()
	if root == nil {
		return t.Dim.Render("(no history)")
	}

	var lines []string
	var walk func(n *history.TreeNode, prefix, connector string)
	walk = func(n *history.TreeNode, prefix, connector string) {
		lines = append(lines, nodeLine(n, prefix+connector, t, opts))
		for i, c := range n.Children {
			last := i == len(n.Children)-1
			next := prefix
			switch connector {
			case connMid:
				next += pipeMid
			case connLast:
				next += pipeLast
			}
			if last {
				walk(c, next, connLast)
			} else {
				walk(c, next, connMid)
			}
		}
	}
	walk(root, "", "")
	return strings.Join(lines, "\n")
}

func nodeLine(n *history.TreeNode, lead string, t *Theme, opts Options) string {
	marker, markerStyle, titleStyle := MarkerVisited, t.Dim, t.Title
	if n.IsCurrent {
		marker, markerStyle, titleStyle = MarkerCurrent, t.Current, t.Current
	}

	title, url := "", ""
	if n.Entry != nil {
		title, url = n.Entry.Title, n.Entry.URL
	}
	if !opts.ShowURL {
		url = ""
	}
	if opts.Width > 0 {
		avail := opts.Width - runewidth.StringWidth(lead) - runewidth.StringWidth(marker) - 1
		title, url = fit(title, url, avail)
	}

	var b strings.Builder
	b.WriteString(t.Branch.Render(lead))
	b.WriteString(markerStyle.Render(marker))
	b.WriteString(" ")
	b.WriteString(titleStyle.Render(title))
	if url != "" {
		b.WriteString("  ")
		b.WriteString(t.URL.Render(url))
	}
	return b.String()
}

// fit shortens title then url so that "title  url" is at most avail cells.
// The url is dropped when fewer than four cells would remain for it.
func fit(title, url string, avail int) (string, string) {
	if avail <= 0 {
		return "", ""
	}
	tw := runewidth.StringWidth(title)
	if tw >= avail {
		return Truncate(title, avail), ""
	}
	if url == "" {
		return title, ""
	}
	rest := avail - tw - 2
	if rest < 4 {
		return title, ""
	}
	return title, Truncate(url, rest)
}

// Truncate cuts s to width cells, ending in an ellipsis when shortened.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, Ellipsis)
}

// Log lists the linear session history, oldest first, marking the current
// index.
func Log(entries []history.HistoryEntry, currentIndex int, opts Options) string {
	t := opts.theme()
	if len(entries) == 0 {
		return t.Dim.Render("(no history)")
	}

	idxWidth := len(fmt.Sprint(len(entries) - 1))
	kindWidth := 0
	for _, e := range entries {
		kindWidth = max(kindWidth, runewidth.StringWidth(string(e.NavigationKind)))
	}

	lines := make([]string, 0, len(entries))
	for i, e := range entries {
		pointer, style := " ", t.Title
		if i == currentIndex {
			pointer, style = ">", t.Current
		}
		lead := fmt.Sprintf("%s %*d  %s  ", pointer, idxWidth, i, runewidth.FillRight(string(e.NavigationKind), kindWidth))

		title, url := e.Title, e.URL
		if !opts.ShowURL {
			url = ""
		}
		if opts.Width > 0 {
			title, url = fit(title, url, opts.Width-runewidth.StringWidth(lead))
		}

		line := t.Dim.Render(lead) + style.Render(title)
		if url != "" {
			line += "  " + t.URL.Render(url)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Summary is a one-line header for a tab.
func Summary(tab tracker.TabTree, opts Options) string {
	t := opts.theme()
	state := t.Active.Render("active")
	if tab.IsClosed {
		state = t.Closed.Render("closed")
	}
	pos := fmt.Sprintf("%d/%d", tab.CurrentIndex+1, len(tab.SessionHistory))
	return fmt.Sprintf("%s %s  %s  %d pages  at %s  updated %s",
		t.Header.Render("Tab"),
		t.Header.Render(fmt.Sprint(tab.TabID)),
		state,
		tab.Tree.Size(),
		pos,
		Age(tab.LastUpdated, opts.now()))
}

// Age formats a unix-millisecond timestamp relative to now.
func Age(ms int64, now time.Time) string {
	if ms <= 0 {
		return "never"
	}
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
