// Package ui is the terminal browser for tab history trees.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/tabtrail/internal/clipboard"
	"github.com/asheshgoplani/tabtrail/internal/logging"
	"github.com/asheshgoplani/tabtrail/internal/render"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
)

var uiLog = logging.ForComponent(logging.CompUI)

// DefaultRefresh is the polling interval when Options.Refresh is zero.
const DefaultRefresh = time.Second

const (
	loadTimeout       = 5 * time.Second
	minTerminalWidth  = 40
	minTerminalHeight = 8
)

// Loader fetches every tab tree; *web.Client satisfies it.
type Loader interface {
	Tabs(ctx context.Context) ([]tracker.TabTree, error)
}

// Options configure the TUI.
type Options struct {
	Loader  Loader
	Refresh time.Duration
	// Theme is "dark" or "light".
	Theme string
	// FollowSystem switches theme when the OS dark mode changes.
	FollowSystem bool
	Now          func() time.Time
	// Copy puts text on the clipboard. Default: clipboard.Copy with OSC 52.
	Copy func(text string) (*clipboard.CopyResult, error)
}

type tabsLoadedMsg struct {
	tabs []tracker.TabTree
	err  error
}

type tickMsg time.Time

type themeChangedMsg bool

// Model is the bubbletea model: a tab list on the left and the selected
// tab's tree on the right.
type Model struct {
	opts         Options
	ctx          context.Context
	theme        *render.Theme
	themeWatcher *ThemeWatcher

	tabs     []tracker.TabTree
	visible  []int
	cursor   int
	selected tabKey

	filter    textinput.Model
	filtering bool
	showURLs  bool
	showLog   bool
	tree      viewport.Model

	width, height int
	loaded        bool
	err           error
	notice        string
}

// New creates the model. ctx bounds background loads and the theme watcher.
func New(ctx context.Context, opts Options) *Model {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Copy == nil {
		opts.Copy = func(text string) (*clipboard.CopyResult, error) { return clipboard.Copy(text, true) }
	}

	ti := textinput.New()
	ti.Placeholder = "filter tabs..."
	ti.Prompt = "/ "
	ti.CharLimit = 100

	m := &Model{
		opts:     opts,
		ctx:      ctx,
		theme:    render.NewTheme(opts.Theme),
		selected: noSelection,
		filter:   ti,
		tree:     viewport.New(0, 0),
	}
	if opts.FollowSystem {
		m.themeWatcher = NewThemeWatcher(ctx)
	}
	return m
}

// Init starts the first load, the refresh ticker and the theme watcher.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick(), m.listenForThemeChanges())
}

func (m *Model) load() tea.Cmd {
	loader, parent := m.opts.Loader, m.ctx
	return func() tea.Msg {
		if loader == nil {
			return tabsLoadedMsg{err: fmt.Errorf("no loader configured")}
		}
		ctx, cancel := context.WithTimeout(parent, loadTimeout)
		defer cancel()
		tabs, err := loader.Tabs(ctx)
		return tabsLoadedMsg{tabs: tabs, err: err}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) listenForThemeChanges() tea.Cmd {
	tw := m.themeWatcher
	if tw == nil {
		return nil
	}
	return func() tea.Msg {
		isDark, ok := <-tw.ChangeChannel()
		if !ok {
			return nil
		}
		return themeChangedMsg(isDark)
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tabsLoadedMsg:
		if msg.err != nil {
			if m.err == nil {
				uiLog.Warn("tabs_load_failed", slog.String("error", msg.err.Error()))
			}
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.loaded = true
		m.setTabs(msg.tabs)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case themeChangedMsg:
		name := render.ThemeLight
		if bool(msg) {
			name = render.ThemeDark
		}
		m.theme = render.NewTheme(name)
		m.refreshTree()
		return m, m.listenForThemeChanges()

	case tea.KeyMsg:
		if m.filtering {
			return m.handleFilterKey(msg)
		}
		return m.handleMainKey(msg)
	}
	return m, nil
}

func (m *Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, m.quit()
	case "esc":
		m.filtering = false
		m.filter.Blur()
		m.filter.SetValue("")
		m.applyFilter()
		return m, nil
	case "enter":
		m.filtering = false
		m.filter.Blur()
		return m, nil
	case "up", "down":
		return m.handleMainKey(msg)
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *Model) handleMainKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	switch {
	case key.Matches(msg, keys.Quit):
		return m, m.quit()
	case key.Matches(msg, keys.Up):
		m.moveCursor(m.cursor - 1)
	case key.Matches(msg, keys.Down):
		m.moveCursor(m.cursor + 1)
	case key.Matches(msg, keys.Top):
		m.moveCursor(0)
	case key.Matches(msg, keys.Bottom):
		m.moveCursor(len(m.visible) - 1)
	case key.Matches(msg, keys.PageUp):
		m.tree.HalfViewUp()
	case key.Matches(msg, keys.PageDown):
		m.tree.HalfViewDown()
	case key.Matches(msg, keys.Filter):
		m.filtering = true
		return m, m.filter.Focus()
	case key.Matches(msg, keys.Clear):
		if m.filter.Value() != "" {
			m.filter.SetValue("")
			m.applyFilter()
		}
	case key.Matches(msg, keys.Refresh):
		return m, m.load()
	case key.Matches(msg, keys.URLs):
		m.showURLs = !m.showURLs
		m.refreshTree()
	case key.Matches(msg, keys.Log):
		m.showLog = !m.showLog
		m.refreshTree()
	case key.Matches(msg, keys.Copy):
		m.copySelectedURL()
	}
	return m, nil
}

func (m *Model) copySelectedURL() {
	tab, ok := m.Selected()
	if !ok || currentURL(tab) == "" {
		m.notice = "nothing to copy"
		return
	}
	res, err := m.opts.Copy(currentURL(tab))
	if err != nil {
		uiLog.Warn("copy_failed", slog.String("error", err.Error()))
		m.notice = "copy failed: " + err.Error()
		return
	}
	m.notice = fmt.Sprintf("copied %s (%s)", currentURL(tab), res.Method)
}

func (m *Model) quit() tea.Cmd {
	if m.themeWatcher != nil {
		m.themeWatcher.Close()
	}
	return tea.Quit
}

// setTabs replaces the data and keeps the selected tab when it survives.
func (m *Model) setTabs(tabs []tracker.TabTree) {
	m.tabs = tabs
	m.applyFilter()
}

// tabKey identifies a listed tab across reloads. A reused tab id can show
// up once as active and again for each time it was closed.
type tabKey struct {
	tabID    int
	closedAt int64
}

var noSelection = tabKey{tabID: -1}

func keyOf(t tracker.TabTree) tabKey {
	k := tabKey{tabID: t.TabID}
	if t.ClosedAt != nil {
		k.closedAt = *t.ClosedAt
	}
	return k
}

type tabSource []tracker.TabTree

func (s tabSource) String(i int) string { return tabLabel(s[i]) + " " + currentURL(s[i]) }
func (s tabSource) Len() int            { return len(s) }

func (m *Model) applyFilter() {
	query := strings.TrimSpace(m.filter.Value())
	m.visible = m.visible[:0]
	if query == "" {
		for i := range m.tabs {
			m.visible = append(m.visible, i)
		}
	} else {
		for _, match := range fuzzy.FindFrom(query, tabSource(m.tabs)) {
			m.visible = append(m.visible, match.Index)
		}
	}

	cursor := 0
	for i, idx := range m.visible {
		if keyOf(m.tabs[idx]) == m.selected {
			cursor = i
			break
		}
	}
	m.moveCursor(cursor)
}

func (m *Model) moveCursor(pos int) {
	if len(m.visible) == 0 {
		m.cursor = 0
		m.selected = noSelection
		m.refreshTree()
		return
	}
	pos = max(0, min(pos, len(m.visible)-1))
	changed := m.cursor != pos || m.selected != keyOf(m.tabs[m.visible[pos]])
	m.cursor = pos
	m.selected = keyOf(m.tabs[m.visible[pos]])
	m.refreshTree()
	if changed {
		m.tree.GotoTop()
	}
}

// Selected returns the highlighted tab.
func (m *Model) Selected() (tracker.TabTree, bool) {
	if len(m.visible) == 0 {
		return tracker.TabTree{}, false
	}
	return m.tabs[m.visible[m.cursor]], true
}

func tabLabel(t tracker.TabTree) string {
	if t.CurrentIndex >= 0 && t.CurrentIndex < len(t.SessionHistory) {
		return t.SessionHistory[t.CurrentIndex].Title
	}
	return fmt.Sprintf("tab %d", t.TabID)
}

func currentURL(t tracker.TabTree) string {
	if t.CurrentIndex >= 0 && t.CurrentIndex < len(t.SessionHistory) {
		return t.SessionHistory[t.CurrentIndex].URL
	}
	return ""
}

func (m *Model) listWidth() int {
	return max(24, m.width/3)
}

func (m *Model) layout() {
	// borders take two columns and two rows; header and footer one row each
	m.tree.Width = max(0, m.width-m.listWidth()-4)
	m.tree.Height = max(0, m.height-4-1)
	m.refreshTree()
}

func (m *Model) refreshTree() {
	tab, ok := m.Selected()
	if !ok {
		m.tree.SetContent(m.theme.Dim.Render("no tab selected"))
		return
	}
	opts := render.Options{Width: m.tree.Width, ShowURL: m.showURLs, Theme: m.theme, Now: m.opts.Now}
	body := render.Tree(tab.Tree, opts)
	if m.showLog {
		body = render.Log(tab.SessionHistory, tab.CurrentIndex, opts)
	}
	m.tree.SetContent(body)
}

// View renders the screen.
func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.width < minTerminalWidth || m.height < minTerminalHeight {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
			m.theme.Error.Render(fmt.Sprintf("Terminal too small (%dx%d)\nMinimum: %dx%d",
				m.width, m.height, minTerminalWidth, minTerminalHeight)))
	}

	paneHeight := m.height - 2 - 2
	pane := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.theme.Border).
		Height(paneHeight)

	list := pane.Width(m.listWidth()).Render(m.renderList(m.listWidth(), paneHeight))
	treePane := pane.Width(m.tree.Width).Render(m.treeHeader() + "\n" + m.tree.View())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		lipgloss.JoinHorizontal(lipgloss.Top, list, treePane),
		m.renderFooter(),
	)
}

func (m *Model) renderHeader() string {
	active, closed := 0, 0
	for _, t := range m.tabs {
		if t.IsClosed {
			closed++
		} else {
			active++
		}
	}
	status := fmt.Sprintf("%d active · %d closed", active, closed)
	if !m.loaded && m.err == nil {
		status = "loading..."
	}
	line := m.theme.Header.Render("tabtrail") + "  " + m.theme.Dim.Render(status)
	if m.err != nil {
		line += "  " + m.theme.Error.Render(render.Truncate(m.err.Error(), max(0, m.width-40)))
	}
	return line
}

func (m *Model) renderFooter() string {
	if m.notice != "" {
		return m.theme.Highlight.Render(render.Truncate(m.notice, m.width))
	}
	if m.filtering || m.filter.Value() != "" {
		return m.filter.View()
	}
	return m.theme.Dim.Render(render.Truncate(keys.helpLine(), m.width))
}

func (m *Model) treeHeader() string {
	tab, ok := m.Selected()
	if !ok {
		return ""
	}
	return render.Truncate(render.Summary(tab, render.Options{Theme: m.theme, Now: m.opts.Now}), m.tree.Width)
}

func (m *Model) renderList(width, height int) string {
	if len(m.visible) == 0 {
		if m.filter.Value() != "" {
			return m.theme.Dim.Render("no matches")
		}
		return m.theme.Dim.Render("no tabs tracked")
	}

	// keep the cursor in view
	start := 0
	if m.cursor >= height {
		start = m.cursor - height + 1
	}
	end := min(len(m.visible), start+height)

	lines := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		t := m.tabs[m.visible[i]]
		marker, markerStyle := render.MarkerCurrent, m.theme.Active
		if t.IsClosed {
			marker, markerStyle = "x", m.theme.Closed
		}
		count := fmt.Sprintf(" %d", len(t.SessionHistory))
		label := render.Truncate(tabLabel(t), max(0, width-2-len(count)))

		style := m.theme.Title
		if i == m.cursor {
			style = m.theme.Selected
		}
		lines = append(lines, markerStyle.Render(marker)+" "+style.Render(label)+m.theme.Dim.Render(count))
	}
	return strings.Join(lines, "\n")
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, opts Options) error {
	m := New(ctx, opts)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if m.themeWatcher != nil {
		m.themeWatcher.Close()
	}
	return err
}
