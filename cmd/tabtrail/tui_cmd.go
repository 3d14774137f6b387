package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/tabtrail/internal/config"
	"github.com/asheshgoplani/tabtrail/internal/ui"
)

func handleTUI(args []string) {
	settings := config.GetUISettings()

	fs := flag.NewFlagSet("tui", flag.ExitOnError)
	cf := addClientFlags(fs)
	refresh := fs.Duration("refresh", time.Duration(settings.RefreshMS)*time.Millisecond, "Polling interval")
	_ = fs.Parse(normalizeArgs(fs, args))

	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr, "Error: tui needs an interactive terminal (try: tabtrail tabs)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	err := ui.Run(ctx, ui.Options{
		Loader:       cf.client(),
		Refresh:      *refresh,
		Theme:        config.ResolveTheme(),
		FollowSystem: settings.Theme == "system",
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
