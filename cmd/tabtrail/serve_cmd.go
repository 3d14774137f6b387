package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/tabtrail/internal/config"
	"github.com/asheshgoplani/tabtrail/internal/logging"
	"github.com/asheshgoplani/tabtrail/internal/platform"
	"github.com/asheshgoplani/tabtrail/internal/source"
	"github.com/asheshgoplani/tabtrail/internal/statedb"
	"github.com/asheshgoplani/tabtrail/internal/tracker"
	"github.com/asheshgoplani/tabtrail/internal/web"
)

const (
	heartbeatInterval = 10 * time.Second
	primaryTimeout    = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var (
	serveLog   = logging.ForComponent(logging.CompWeb)
	storageLog = logging.ForComponent(logging.CompStorage)
)

type serveOptions struct {
	readOnly     bool
	token        string
	dbPath       string
	memory       bool
	compress     bool
	probeTimeout time.Duration
	inboxDir     string // empty disables the inbox
}

func handleServe(args []string) {
	srv := config.GetServerSettings()
	storage := config.GetStorageSettings()
	inbox := config.GetInboxSettings()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", srv.Listen, "Listen address")
	token := fs.String("token", firstNonEmpty(os.Getenv(TokenEnv), srv.Token), "Bearer token required on every request")
	readOnly := fs.Bool("read-only", srv.ReadOnly, "Reject clear commands")
	dbPath := fs.String("db", storage.DBPath, "SQLite snapshot database")
	memory := fs.Bool("memory", false, "Keep history in memory only")
	inboxOn := fs.Bool("inbox", inbox.Enabled, "Apply event files dropped into the inbox directory")
	inboxDir := fs.String("inbox-dir", inbox.Dir, "Inbox directory")
	foreground := fs.Bool("foreground", false, "Mirror logs to stderr")
	fs.Usage = func() {
		fmt.Println("Usage: tabtrail serve [options]")
		fmt.Println()
		fmt.Println("Run the tracker. Browser sources connect to /ws/source.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  tabtrail serve")
		fmt.Println("  tabtrail serve --listen 127.0.0.1:9000 --token secret")
		fmt.Println("  tabtrail serve --memory --foreground")
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	baseDir, err := config.BaseDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ls := config.GetLogSettings()
	logging.Init(logging.Config{
		LogDir:                baseDir,
		Level:                 ls.DebugLevel,
		Format:                ls.DebugFormat,
		MaxSizeMB:             ls.DebugMaxMB,
		MaxBackups:            ls.DebugBackups,
		MaxAgeDays:            ls.DebugRetentionDays,
		Compress:              *ls.DebugCompress,
		RingLines:             ls.RingLines,
		AggregateIntervalSecs: ls.AggregateIntervalSecs,
		PprofAddr:             ls.PprofAddr(),
		Stderr:                *foreground,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpOnSignal(ctx, baseDir)

	opts := serveOptions{
		readOnly:     *readOnly,
		token:        *token,
		dbPath:       *dbPath,
		memory:       *memory,
		compress:     storage.GetCompress(),
		probeTimeout: config.GetTrackerSettings().ProbeTimeout(),
	}
	if *inboxOn {
		opts.inboxDir = *inboxDir
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen %s: %v\n", *listen, err)
		logging.Shutdown()
		os.Exit(1)
	}
	fmt.Printf("%s tabtrail serving on http://%s\n", successSymbol, ln.Addr())
	if opts.readOnly {
		fmt.Println("  read-only: clear commands are rejected")
	}

	err = runServe(ctx, ln, opts)
	logging.Shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dumpOnSignal writes the recent log lines on SIGUSR1 for post-mortem debugging.
func dumpOnSignal(ctx context.Context, baseDir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			path := filepath.Join(baseDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRecent(path); err != nil {
				serveLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				serveLog.Info("crash_dump_written", slog.String("path", path))
			}
		}
	}
}

// runServe owns the tracker, its store, the web server and the inbox until
// ctx is done. It returns after everything is flushed and closed.
func runServe(ctx context.Context, ln net.Listener, opts serveOptions) error {
	g, gctx := errgroup.WithContext(ctx)

	var store tracker.Store
	if !opts.memory {
		db, err := openStore(opts.dbPath)
		if err != nil {
			ln.Close()
			return err
		}
		defer closeStore(db)
		store = db
		g.Go(func() error {
			heartbeat(gctx, db)
			return nil
		})
	}

	tr := tracker.New(tracker.Options{
		Store:        store,
		Compress:     opts.compress,
		ProbeTimeout: opts.probeTimeout,
	})
	defer tr.Close()
	if store != nil {
		if err := tr.Load(store); err != nil {
			storageLog.Warn("snapshot_load_failed", slog.String("error", err.Error()))
		}
	}

	srv := web.NewServer(web.Config{
		ListenAddr: ln.Addr().String(),
		ReadOnly:   opts.readOnly,
		Token:      opts.token,
		Tracker:    tr,
	})
	tr.SetProber(srv.Source())

	g.Go(func() error {
		serveLog.Info("server_listening", slog.String("addr", ln.Addr().String()), slog.Bool("read_only", opts.readOnly))
		return srv.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if opts.inboxDir != "" {
		in, err := source.NewInbox(opts.inboxDir, tr)
		if err != nil {
			serveLog.Warn("inbox_disabled", slog.String("dir", opts.inboxDir), slog.String("error", err.Error()))
		} else {
			if reason := platform.CheckFsnotifySupport(in.Dir()); reason != "" {
				serveLog.Warn("inbox_polling", slog.String("dir", in.Dir()), slog.String("reason", reason))
				in.SetPollInterval(source.DefaultPollInterval)
			}
			serveLog.Info("inbox_started", slog.String("dir", in.Dir()))
			g.Go(func() error {
				if err := in.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("inbox: %w", err)
				}
				return nil
			})
		}
	}

	err := g.Wait()
	tr.SetProber(nil)
	tr.Flush()
	return err
}

// openStore opens the database and claims it for this process. A second
// server on the same file is refused while the first one heartbeats.
func openStore(path string) (*statedb.StateDB, error) {
	db, err := statedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.RegisterProcess(); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: register process: %w", err)
	}
	primary, err := db.ElectPrimary(primaryTimeout)
	if err != nil {
		_ = db.UnregisterProcess()
		db.Close()
		return nil, err
	}
	if !primary {
		_ = db.UnregisterProcess()
		db.Close()
		return nil, fmt.Errorf("another tabtrail server is using %s", path)
	}
	storageLog.Info("store_opened", slog.String("path", path))
	return db, nil
}

func closeStore(db *statedb.StateDB) {
	_ = db.ResignPrimary()
	_ = db.UnregisterProcess()
	if err := db.Close(); err != nil {
		storageLog.Warn("store_close_failed", slog.String("error", err.Error()))
	}
}

func heartbeat(ctx context.Context, db *statedb.StateDB) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Heartbeat(); err != nil {
				storageLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}
