package ui

import (
	"context"
	"log/slog"
	"sync"

	dark "github.com/thiagokokada/dark-mode-go"
)

// ThemeWatcher reports OS dark mode changes. Only transitions are sent;
// a slow reader sees the latest state, never a backlog.
type ThemeWatcher struct {
	changeCh  chan bool
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewThemeWatcher starts watching. It returns nil when the platform cannot
// report dark mode.
func NewThemeWatcher(parent context.Context) *ThemeWatcher {
	ctx, cancel := context.WithCancel(parent)
	events, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		cancel()
		uiLog.Warn("theme_watcher_init_failed", slog.String("error", err.Error()))
		return nil
	}

	tw := &ThemeWatcher{changeCh: make(chan bool, 1), cancel: cancel}
	go tw.loop(ctx, events, errs)
	return tw
}

func (tw *ThemeWatcher) loop(ctx context.Context, events <-chan bool, errs <-chan error) {
	defer close(tw.changeCh)
	var last *bool
	for {
		select {
		case <-ctx.Done():
			return
		case isDark, ok := <-events:
			if !ok {
				return
			}
			if last != nil && *last == isDark {
				continue
			}
			last = &isDark
			tw.publish(isDark)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				uiLog.Warn("theme_watcher_error", slog.String("error", err.Error()))
			}
		}
	}
}

// publish replaces any unread value with the newest one.
func (tw *ThemeWatcher) publish(isDark bool) {
	select {
	case <-tw.changeCh:
	default:
	}
	select {
	case tw.changeCh <- isDark:
	default:
	}
}

// ChangeChannel receives true for dark, false for light. It is closed when
// the watcher stops.
func (tw *ThemeWatcher) ChangeChannel() <-chan bool {
	return tw.changeCh
}

// Close stops the watcher. Safe to call multiple times.
func (tw *ThemeWatcher) Close() {
	tw.closeOnce.Do(tw.cancel)
}
