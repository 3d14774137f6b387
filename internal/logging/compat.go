package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer so stdlib loggers (http.Server.ErrorLog,
// log.Printf from dependencies) land in the structured log. A leading
// "[CATEGORY] " or "pkg: " prefix selects the component.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that logs at warn level under
// defaultComponent unless the line names another component.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelWarn}
}

// NewStdLogger returns a *log.Logger that writes through a BridgeWriter.
func NewStdLogger(defaultComponent string) *log.Logger {
	return log.New(NewBridgeWriter(defaultComponent), "", 0)
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = canonicalComponent(strings.ToLower(msg[1:idx]))
			msg = msg[idx+2:]
		}
	} else if idx := strings.Index(msg, ": "); idx > 0 && !strings.ContainsAny(msg[:idx], " /") {
		if c := canonicalComponent(strings.ToLower(msg[:idx])); c != strings.ToLower(msg[:idx]) {
			component = c
		}
	}

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds).
func stripLogTimestamp(s string) string {
	// "15:04:05.000000 "
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	// "15:04:05 "
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known prefixes to component names. Unknown
// prefixes are returned unchanged.
func canonicalComponent(cat string) string {
	switch cat {
	case "tracker", "history", "tree":
		return CompTracker
	case "http", "websocket", "ws", "sse", "web":
		return CompWeb
	case "sqlite", "statedb", "storage", "zstd":
		return CompStorage
	case "inbox", "fsnotify", "source":
		return CompSource
	case "ui", "tui":
		return CompUI
	case "perf", "pprof":
		return CompPerf
	default:
		return cat
	}
}
