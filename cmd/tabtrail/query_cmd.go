package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/tabtrail/internal/config"
	"github.com/asheshgoplani/tabtrail/internal/render"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
	"github.com/asheshgoplani/tabtrail/internal/web"
)

const commandTimeout = 15 * time.Second

// cliError carries an error code for JSON output.
type cliError struct {
	code string
	msg  string
}

func (e *cliError) Error() string { return e.msg }

func newCLIError(code, format string, args ...any) error {
	return &cliError{code: code, msg: fmt.Sprintf(format, args...)}
}

// errorCode classifies err for CLIOutput.Error.
func errorCode(err error) string {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	var ae *web.APIError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ErrCodeUnreachable
	}
	return ErrCodeCommandFailed
}

func exitOnError(out *CLIOutput, err error) {
	if err == nil {
		return
	}
	out.Error(err.Error(), errorCode(err))
	os.Exit(1)
}

// clientFlags are shared by every command that talks to a running server.
type clientFlags struct {
	server  *string
	token   *string
	jsonOut *bool
	quiet   *bool
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	srv := config.GetServerSettings()
	return &clientFlags{
		server:  fs.String("server", firstNonEmpty(os.Getenv(ServerEnv), srv.Listen), "Server address"),
		token:   fs.String("token", firstNonEmpty(os.Getenv(TokenEnv), srv.Token), "Bearer token"),
		jsonOut: fs.Bool("json", false, "Output as JSON"),
		quiet:   fs.Bool("q", false, "Quiet mode"),
	}
}

func (f *clientFlags) client() *web.Client { return web.NewClient(*f.server, *f.token) }

func (f *clientFlags) output() *CLIOutput { return NewCLIOutput(*f.jsonOut, *f.quiet) }

// commandContext is cancelled by Ctrl+C or after commandTimeout.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func renderOptions(width int) render.Options {
	return render.Options{Width: width, Theme: render.NewTheme(config.ResolveTheme())}
}

// --- status ---

type statusReport struct {
	Server string         `json:"server"`
	Health *web.Health    `json:"health"`
	Status tracker.Status `json:"status"`
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(normalizeArgs(fs, args))

	ctx, cancel := commandContext()
	defer cancel()
	out := cf.output()
	exitOnError(out, runStatus(ctx, cf.client(), out))
}

func runStatus(ctx context.Context, c *web.Client, out *CLIOutput) error {
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	var st tracker.Status
	if err := c.Run(ctx, tracker.Request{Action: tracker.ActionGetStatus}, &st); err != nil {
		return err
	}

	mode := "read-write"
	if health.ReadOnly {
		mode = "read-only"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s tabtrail server at %s\n", successSymbol, c.BaseURL())
	fmt.Fprintf(&b, "  %s Tabs:     %d tracked (%d active, %d closed)\n", bulletSymbol, st.TrackedTabs, st.ActiveTabs, st.ClosedTabs)
	fmt.Fprintf(&b, "  %s Entries:  %d\n", bulletSymbol, st.TotalSessionEntries)
	saved := "not persisted"
	if st.LastSavedAt > 0 {
		saved = render.Age(st.LastSavedAt, time.Now())
	}
	fmt.Fprintf(&b, "  %s Saved:    %s\n", bulletSymbol, saved)
	fmt.Fprintf(&b, "  %s Sources:  %d connected\n", bulletSymbol, health.Sources)
	fmt.Fprintf(&b, "  %s Mode:     %s\n", bulletSymbol, mode)
	fmt.Fprintf(&b, "  %s Revision: %d\n", bulletSymbol, health.Revision)
	out.Print(b.String(), statusReport{Server: c.BaseURL(), Health: health, Status: st})
	return nil
}

// --- tabs ---

type tabsOptions struct {
	activeOnly bool
	closedOnly bool
	render     render.Options
}

func handleTabs(args []string) {
	fs := flag.NewFlagSet("tabs", flag.ExitOnError)
	cf := addClientFlags(fs)
	active := fs.Bool("active", false, "Only open tabs")
	closed := fs.Bool("closed", false, "Only closed tabs")
	_ = fs.Parse(normalizeArgs(fs, args))

	out := cf.output()
	if *active && *closed {
		exitOnError(out, newCLIError(ErrCodeInvalidArgs, "--active and --closed are exclusive"))
	}

	ctx, cancel := commandContext()
	defer cancel()
	exitOnError(out, runTabs(ctx, cf.client(), out, tabsOptions{
		activeOnly: *active,
		closedOnly: *closed,
		render:     renderOptions(terminalWidth()),
	}))
}

func runTabs(ctx context.Context, c *web.Client, out *CLIOutput, opts tabsOptions) error {
	trees, err := c.Tabs(ctx)
	if err != nil {
		return err
	}
	filtered := make([]tracker.TabTree, 0, len(trees))
	for _, t := range trees {
		if (opts.activeOnly && t.IsClosed) || (opts.closedOnly && !t.IsClosed) {
			continue
		}
		filtered = append(filtered, t)
	}
	out.Print(render.Table(filtered, opts.render), filtered)
	return nil
}

// --- tree ---

type treeOptions struct {
	showLog bool
	render  render.Options
}

func handleTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	cf := addClientFlags(fs)
	urls := fs.Bool("urls", false, "Show URLs next to titles")
	showLog := fs.Bool("log", false, "Print the linear log instead of the tree")
	fs.Usage = func() {
		fmt.Println("Usage: tabtrail tree <tabId> [options]")
		fmt.Println()
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	out := cf.output()
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	tabID, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		exitOnError(out, newCLIError(ErrCodeInvalidArgs, "invalid tab id %q", fs.Arg(0)))
	}

	ctx, cancel := commandContext()
	defer cancel()
	opts := treeOptions{showLog: *showLog, render: renderOptions(terminalWidth())}
	opts.render.ShowURL = *urls
	exitOnError(out, runTree(ctx, cf.client(), out, tabID, opts))
}

func runTree(ctx context.Context, c *web.Client, out *CLIOutput, tabID int, opts treeOptions) error {
	var h *tracker.TabHistory
	if err := c.Run(ctx, tracker.Request{Action: tracker.ActionRefreshTabHistory, TabID: &tabID}, &h); err != nil {
		return err
	}
	if h == nil {
		return newCLIError(ErrCodeNotFound, "tab %d is not tracked", tabID)
	}

	// the listing carries the timestamps and closed state for the header
	tab := tracker.TabTree{TabID: tabID, Tree: h.Tree, SessionHistory: h.SessionHistory, CurrentIndex: h.CurrentIndex}
	if trees, err := c.Tabs(ctx); err == nil {
		for _, t := range trees {
			if t.TabID == tabID {
				t.Tree, t.SessionHistory, t.CurrentIndex = h.Tree, h.SessionHistory, h.CurrentIndex
				tab = t
				break
			}
		}
	}

	body := render.Tree(h.Tree, opts.render)
	if opts.showLog {
		body = render.Log(h.SessionHistory, h.CurrentIndex, opts.render)
	}
	out.Print(render.Summary(tab, opts.render)+"\n\n"+body, h)
	return nil
}

// --- search ---

func handleSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	cf := addClientFlags(fs)
	limit := fs.Int("limit", tracker.DefaultSearchLimit, "Maximum results")
	_ = fs.Parse(normalizeArgs(fs, args))

	out := cf.output()
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		exitOnError(out, newCLIError(ErrCodeInvalidArgs, "usage: tabtrail search <query>"))
	}

	ctx, cancel := commandContext()
	defer cancel()
	exitOnError(out, runSearch(ctx, cf.client(), out, query, *limit, terminalWidth()))
}

func runSearch(ctx context.Context, c *web.Client, out *CLIOutput, query string, limit, width int) error {
	var hits []tracker.SearchHit
	req := tracker.Request{Action: tracker.ActionSearchHistory, Query: query, Limit: limit}
	if err := c.Run(ctx, req, &hits); err != nil {
		return err
	}
	if hits == nil {
		hits = []tracker.SearchHit{}
	}
	out.Print(formatHits(hits, width), hits)
	return nil
}

// formatHits prints one hit per line: tab, position, marker, title, url.
func formatHits(hits []tracker.SearchHit, width int) string {
	if len(hits) == 0 {
		return "no matches"
	}
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		marker := " "
		switch {
		case h.Current:
			marker = render.MarkerCurrent
		case h.Closed:
			marker = errorSymbol
		}
		lead := fmt.Sprintf("%s %s %s ",
			runewidth.FillRight(strconv.Itoa(h.TabID), 5),
			runewidth.FillLeft("#"+strconv.Itoa(h.Index), 4),
			marker)
		line := lead + h.Title + "  " + h.URL
		if width > 0 {
			line = render.Truncate(line, width)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// --- debug ---

func handleDebug(args []string) {
	fs := flag.NewFlagSet("debug", flag.ExitOnError)
	cf := addClientFlags(fs)
	_ = fs.Parse(normalizeArgs(fs, args))

	ctx, cancel := commandContext()
	defer cancel()
	out := cf.output()
	exitOnError(out, runDebug(ctx, cf.client(), out))
}

func runDebug(ctx context.Context, c *web.Client, out *CLIOutput) error {
	res, err := c.Command(ctx, tracker.Request{Action: tracker.ActionDebugInfo})
	if err != nil {
		return err
	}
	if !res.Success {
		return newCLIError(ErrCodeCommandFailed, "debugInfo failed: %s", res.Error)
	}
	var pretty any
	if err := json.Unmarshal(res.Data, &pretty); err != nil {
		return fmt.Errorf("decode debug info: %w", err)
	}
	data, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	out.Print(string(data), pretty)
	return nil
}

// --- clear / clear-closed ---

func handleClear(args []string, closedOnly bool) {
	name := "clear"
	if closedOnly {
		name = "clear-closed"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := addClientFlags(fs)
	yes := fs.Bool("y", false, "Do not ask for confirmation")
	_ = fs.Parse(normalizeArgs(fs, args))

	out := cf.output()
	if !*yes && !*cf.jsonOut {
		question := "Delete all tracked history?"
		if closedOnly {
			question = "Delete history of closed tabs?"
		}
		if !confirm(os.Stdin, os.Stdout, question) {
			fmt.Println("Aborted.")
			return
		}
	}

	ctx, cancel := commandContext()
	defer cancel()
	exitOnError(out, runClear(ctx, cf.client(), out, closedOnly))
}

func runClear(ctx context.Context, c *web.Client, out *CLIOutput, closedOnly bool) error {
	action := tracker.ActionClearHistory
	if closedOnly {
		action = tracker.ActionClearClosedTabs
	}
	var res tracker.ClearResult
	if err := c.Run(ctx, tracker.Request{Action: action}, &res); err != nil {
		return err
	}
	if closedOnly {
		out.Success(fmt.Sprintf("Removed %d closed tabs", res.ClearedClosed), res)
	} else {
		out.Success(fmt.Sprintf("Removed %d active and %d closed tabs", res.ClearedActive, res.ClearedClosed), res)
	}
	return nil
}

// --- export ---

// Export is the file format written by "tabtrail export".
type Export struct {
	Version    string            `json:"version"`
	Server     string            `json:"server"`
	ExportedAt int64             `json:"exportedAt"`
	Tabs       []tracker.TabTree `json:"tabs"`
}

func handleExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := addClientFlags(fs)
	output := fs.String("o", "", "Output file (default stdout; .zst compresses)")
	_ = fs.Parse(normalizeArgs(fs, args))

	ctx, cancel := commandContext()
	defer cancel()
	out := cf.output()

	if *output == "" {
		exitOnError(out, runExport(ctx, cf.client(), os.Stdout, false))
		return
	}
	n, err := exportToFile(ctx, cf.client(), *output)
	exitOnError(out, err)
	out.Success(fmt.Sprintf("Exported %d tabs to %s", n, *output), map[string]any{"path": *output, "tabs": n})
}

// exportToFile writes the export next to path and renames it into place.
func exportToFile(ctx context.Context, c *web.Client, path string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tabtrail-export-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	compress := strings.HasSuffix(path, ".zst")
	n, err := writeExport(ctx, c, tmp, compress)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename export: %w", err)
	}
	return n, nil
}

func runExport(ctx context.Context, c *web.Client, w io.Writer, compress bool) error {
	_, err := writeExport(ctx, c, w, compress)
	return err
}

func writeExport(ctx context.Context, c *web.Client, w io.Writer, compress bool) (int, error) {
	trees, err := c.Tabs(ctx)
	if err != nil {
		return 0, err
	}
	exp := Export{Version: Version, Server: c.BaseURL(), ExportedAt: time.Now().UnixMilli(), Tabs: trees}

	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return len(trees), enc.Encode(exp)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(exp); err != nil {
		zw.Close()
		return 0, fmt.Errorf("encode export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish zstd stream: %w", err)
	}
	return len(trees), nil
}
