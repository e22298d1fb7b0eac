// offlinesync is the offline-first sync daemon for the acupressure app. Local
// edits go to a durable SQLite queue and are replayed against the backend
// whenever the device is online.
//
// Usage:
//
//	offlinesync setup                        # interactive first-run wizard
//	offlinesync daemon [--config <path>]     # watch connectivity and drain queues
//	offlinesync sync-once [--config <path>]  # one full sync pass then exit
//	offlinesync status [--config <path>]     # config, DB and queue state
//	offlinesync retry [--all | --images | <id>]
//	offlinesync clear [--all | --images | <id>] [--yes]
//	offlinesync version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appunture/offlinesync/internal/api"
	"github.com/appunture/offlinesync/internal/auth"
	"github.com/appunture/offlinesync/internal/config"
	"github.com/appunture/offlinesync/internal/connectivity"
	"github.com/appunture/offlinesync/internal/media"
	"github.com/appunture/offlinesync/internal/setup"
	"github.com/appunture/offlinesync/internal/store"
	syncp "github.com/appunture/offlinesync/internal/sync"
	"github.com/appunture/offlinesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup()
	case "daemon":
		return runSync(args, true)
	case "sync-once":
		return runSync(args, false)
	case "status":
		return runStatus(args)
	case "retry":
		return runRetry(args)
	case "clear":
		return runClear(args)
	case "version":
		fmt.Println("offlinesync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'offlinesync' for usage", cmd)
	}
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "offlinesync - offline-first sync for the acupressure app")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  offlinesync setup                        Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  offlinesync daemon [--config ...]        Run as continuous daemon")
	fmt.Fprintln(os.Stderr, "  offlinesync sync-once [--config ...]     Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  offlinesync status [--config ...]        Show config and queue state")
	fmt.Fprintln(os.Stderr, "  offlinesync retry [--all|--images|<id>]  Requeue failed entries")
	fmt.Fprintln(os.Stderr, "  offlinesync clear [--all|--images|<id>]  Discard failed entries")
	fmt.Fprintln(os.Stderr, "  offlinesync version                      Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'offlinesync setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	return wiz.Run(ctx)
}

// commonFlags registers --config and --verbose on fs.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := openApp(ctx, *cfgPath, *verbose, true)
	if err != nil {
		return err
	}
	defer a.close()

	ran, err := a.engine.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	if !daemon {
		if ran {
			a.logger.Info("first sync complete")
			return nil
		}
		if !a.engine.CheckConnection(ctx) {
			return fmt.Errorf("server at %s is unreachable", a.cfg.APIURL)
		}
		err := a.engine.SyncAll(ctx)
		s := a.engine.State().Snapshot()
		a.logger.Info("sync complete",
			"pending_operations", s.PendingOperations,
			"pending_images", s.PendingImages,
			"failed", len(s.FailedOperations),
		)
		if s.NotificationMessage != "" {
			fmt.Println(s.NotificationMessage)
		}
		return err
	}

	a.logger.Info("daemon starting", "poll_interval", a.cfg.PollInterval, "auto_sync", a.cfg.AutoSyncEnabled())
	if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// runStatus prints configuration, database, and queue state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("offlinesync status")
	fmt.Println("──────────────────")

	if setup.IsServiceActive() {
		fmt.Println("  Daemon:    running (systemd --user)")
	} else {
		fmt.Println("  Daemon:    not running")
	}

	if _, err := os.Stat(*cfgPath); err != nil {
		fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
		return nil
	}

	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath, *verbose, false)
	if err != nil {
		fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, err)
		return nil
	}
	defer a.close()

	fmt.Printf("  Config:    %s ✓\n", *cfgPath)
	fmt.Printf("  API URL:   %s\n", a.cfg.APIURL)
	fmt.Printf("  Poll:      %s\n", a.cfg.PollInterval)
	if u, ok := a.session.CurrentUser(); ok {
		fmt.Printf("  User:      %s\n", u.ID)
	} else {
		fmt.Println("  User:      not signed in")
	}

	if info, err := os.Stat(a.cfg.DBPath); err == nil {
		fmt.Printf("  Local DB:  %s (%s)\n", a.cfg.DBPath, humanSize(info.Size()))
	}

	a.engine.RefreshPendingOperations(ctx)
	a.engine.RefreshFailedOperations(ctx)
	s := a.engine.State().Snapshot()

	if !s.LastSync.IsZero() {
		fmt.Printf("  Last sync: %s\n", s.LastSync.Local().Format(time.DateTime))
	} else {
		fmt.Println("  Last sync: never")
	}
	fmt.Printf("  Pending:   %d operation(s), %d image(s)\n", s.PendingOperations, s.PendingImages)
	fmt.Printf("  Failed:    %d operation(s)\n", len(s.FailedOperations))
	for _, op := range s.FailedOperations {
		fmt.Printf("    %s  %s %s  %s  retries=%d  %s\n",
			op.ID, op.Operation, op.EntityType, op.Reference, op.RetryCount, op.LastError)
	}

	failedImages, err := a.store.GetFailedImages(ctx)
	if err == nil && len(failedImages) > 0 {
		fmt.Printf("  Failed:    %d image(s)\n", len(failedImages))
		for _, img := range failedImages {
			fmt.Printf("    #%d  point=%s  retries=%d  %s\n", img.ID, img.PointID, img.RetryCount, img.LastError)
		}
	}
	return nil
}

// runRetry requeues failed entries. It only resets them; a running daemon or
// the next sync-once replays them.
func runRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	all := fs.Bool("all", false, "retry every failed operation")
	images := fs.Bool("images", false, "retry every failed image upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exactlyOne(*all, *images, fs.NArg()); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath, *verbose, false)
	if err != nil {
		return err
	}
	defer a.close()
	a.engine.SetAutoSync(false)

	switch {
	case *all:
		n, err := a.engine.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d operation(s).\n", n)
	case *images:
		n, err := a.engine.RetryFailedImages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d image(s).\n", n)
	default:
		id := fs.Arg(0)
		if err := a.engine.RetryFailedOperation(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no failed operation with id %q", id)
			}
			return err
		}
		fmt.Printf("Requeued %s.\n", id)
	}
	return nil
}

// runClear discards failed entries after confirmation.
func runClear(args []string) error {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	all := fs.Bool("all", false, "discard every failed operation")
	images := fs.Bool("images", false, "discard every failed image upload")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exactlyOne(*all, *images, fs.NArg()); err != nil {
		return err
	}

	if !*yes {
		p := setup.NewPrompter(os.Stdin, os.Stdout)
		if !p.Confirm("Failed changes will be lost. Continue?", false) {
			fmt.Println("Nothing cleared.")
			return nil
		}
	}

	ctx := context.Background()
	a, err := openApp(ctx, *cfgPath, *verbose, false)
	if err != nil {
		return err
	}
	defer a.close()
	a.engine.SetAutoSync(false)

	switch {
	case *all:
		n, err := a.engine.ClearAllFailedOperations(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d operation(s).\n", n)
	case *images:
		n, err := a.engine.ClearFailedImages(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d image(s).\n", n)
	default:
		id := fs.Arg(0)
		if err := a.engine.ClearFailedOperation(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no failed operation with id %q", id)
			}
			return err
		}
		fmt.Printf("Cleared %s.\n", id)
	}
	return nil
}

func exactlyOne(all, images bool, nargs int) error {
	n := nargs
	if all {
		n++
	}
	if images {
		n++
	}
	if n != 1 {
		return errors.New("give exactly one of --all, --images or an operation id")
	}
	return nil
}

// --- Wiring ------------------------------------------------------------------

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	session *auth.Session
	engine  *syncp.Engine
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// openApp loads the config and builds the engine with all its collaborators.
// withTelemetry enables OTLP export for long-running commands.
func openApp(ctx context.Context, cfgPath string, verbose, withTelemetry bool) (*app, error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Debug("config loaded",
		"api_url", cfg.APIURL,
		"poll_interval", cfg.PollInterval,
		"probe", cfg.Connectivity.Probe,
	)

	a := &app{cfg: cfg}

	// --- Telemetry (optional) ------------------------------------------------

	if withTelemetry && cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			Headers:        cfg.Telemetry.Headers,
			Version:        version,
			MetricInterval: cfg.PollInterval,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewHandler(handler, telemetry.DefaultServiceName))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}
	a.logger = logger

	// --- Local DB ------------------------------------------------------------

	st, err := store.Open(cfg.DBPath, store.WithMaxRetries(cfg.Backoff.MaxRetries))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening local DB at %q: %w", cfg.DBPath, err)
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("closing local DB", "error", err)
		}
	})
	logger.Debug("local DB opened", "path", cfg.DBPath)

	// --- Session -------------------------------------------------------------

	session, err := auth.LoadSession(cfg.TokenFile)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.Token != "" {
		if err := session.SignIn(cfg.Token); err != nil {
			a.close()
			return nil, fmt.Errorf("signing in with configured token: %w", err)
		}
	}
	if _, ok := session.CurrentUser(); !ok {
		logger.Warn("no session token configured, favorites and notes stay local")
	}
	a.session = session

	// --- Backend, media, connectivity ----------------------------------------

	client := api.New(cfg.APIURL, session.BearerToken, cfg.CallTimeout, logger)
	uploader := media.NewUploader(client, media.Options{
		MaxDimension: cfg.Media.MaxDimension,
		JPEGQuality:  cfg.Media.JPEGQuality,
	}, logger)

	var probe connectivity.Probe
	switch cfg.Connectivity.Probe {
	case config.ProbeFile:
		probe = connectivity.FileProbe{Path: cfg.Connectivity.StatusFile}
	default:
		probe = connectivity.DialProbe{Address: cfg.Connectivity.Address}
	}
	monitor := connectivity.NewMonitor(probe, cfg.Connectivity.Interval, logger)

	// --- Sync engine ---------------------------------------------------------

	a.engine = syncp.NewEngine(syncp.Deps{
		Store:   st,
		Remote:  client,
		Network: monitor,
		Session: session,
		Media:   uploader,
	}, nil, syncp.Options{
		CallTimeout:  cfg.CallTimeout,
		PollInterval: cfg.PollInterval,
		Backoff: syncp.BackoffPolicy{
			Base:       cfg.Backoff.Base,
			Max:        cfg.Backoff.Max,
			MaxRetries: cfg.Backoff.MaxRetries,
		},
	}, logger)
	if !cfg.AutoSyncEnabled() {
		a.engine.SetAutoSync(false)
	}

	return a, nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
