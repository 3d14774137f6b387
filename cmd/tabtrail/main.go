package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/tabtrail/internal/config"
)

const Version = "0.4.0"

// Environment overrides for the client commands.
const (
	ServerEnv = "TABTRAIL_SERVER"
	TokenEnv  = "TABTRAIL_TOKEN"
	ColorEnv  = "TABTRAIL_COLOR"
)

func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// Prefers TrueColor for best visuals, falls back to ANSI256 for compatibility.
func initColorProfile() {
	// TABTRAIL_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv(ColorEnv); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	// Piped output stays plain so tables can be grepped
	if !isTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	for _, t := range []string{"xterm-256color", "screen-256color", "tmux-256color", "xterm-direct", "alacritty", "kitty", "wezterm"} {
		if strings.Contains(term, t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	if os.Getenv("WT_SESSION") != "" || // Windows Terminal
		os.Getenv("ITERM_SESSION_ID") != "" || // iTerm2
		os.Getenv("TERMINAL_EMULATOR") != "" || // JetBrains terminals
		os.Getenv("KONSOLE_VERSION") != "" { // Konsole
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}

	args := os.Args[1:]
	if len(args) == 0 {
		handleTUI(nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("tabtrail v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(args[1:])
	case "status":
		handleStatus(args[1:])
	case "tabs", "ls":
		handleTabs(args[1:])
	case "tree":
		handleTree(args[1:])
	case "search":
		handleSearch(args[1:])
	case "debug":
		handleDebug(args[1:])
	case "clear":
		handleClear(args[1:], false)
	case "clear-closed":
		handleClear(args[1:], true)
	case "export":
		handleExport(args[1:])
	case "tui":
		handleTUI(args[1:])
	case "init":
		handleInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func handleInit() {
	path, err := config.Path()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.CreateExample(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s Config at %s\n", successSymbol, path)
}

func printHelp() {
	fmt.Printf("tabtrail v%s\n", Version)
	fmt.Println("Per-tab browsing history trees.")
	fmt.Println()
	fmt.Println("Usage: tabtrail [command] [options]")
	fmt.Println()
	fmt.Println("Server:")
	fmt.Println("  serve                 Run the tracker (HTTP, WebSocket source, inbox)")
	fmt.Println("  init                  Write an example config.toml")
	fmt.Println()
	fmt.Println("Queries (talk to a running server):")
	fmt.Println("  status                Tracker counts and server health")
	fmt.Println("  tabs, ls              List tracked tabs")
	fmt.Println("  tree <tabId>          Rebuild and print one tab's tree")
	fmt.Println("  search <query>        Fuzzy search titles and URLs")
	fmt.Println("  debug                 Dump every log with its tree")
	fmt.Println("  export [-o file]      Write all trees as JSON (.zst compresses)")
	fmt.Println("  clear                 Delete all history")
	fmt.Println("  clear-closed          Delete closed tabs")
	fmt.Println("  tui                   Interactive browser (default with no command)")
	fmt.Println()
	fmt.Println("Common options:")
	fmt.Println("  --server <addr>       Server address (env TABTRAIL_SERVER)")
	fmt.Println("  --token <token>       Bearer token (env TABTRAIL_TOKEN)")
	fmt.Println("  --json                JSON output")
	fmt.Println("  -q                    Quiet")
	fmt.Println()
	fmt.Println("Other:")
	fmt.Println("  version               Print version")
	fmt.Println("  help                  Show this help")
}
