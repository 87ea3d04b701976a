// Ecotrack queues environmental incident reports locally and pushes them to
// the reporting backend whenever it is reachable.
//
// Usage:
//
//	ecotrack setup                       # interactive first-run wizard
//	ecotrack submit --type waste ...     # queue a new report
//	ecotrack list [--type ...] [--json]  # merged local and remote listing
//	ecotrack get <id>                    # show one report
//	ecotrack update <id> [--severity ...]
//	ecotrack delete <id>
//	ecotrack sync                        # single batch pass then exit
//	ecotrack daemon                      # probe and sync on an interval
//	ecotrack stats                       # aggregate counts
//	ecotrack geocode reverse <lat> <lng> # address lookups
//	ecotrack export [--out file]         # GeoJSON feature collection
//	ecotrack status                      # config, queue and storage state
//	ecotrack repair [--yes]              # fix orphaned or missing photos
//	ecotrack clear-cache                 # drop memoized geocoding results
//	ecotrack dev-server [--addr :8080]   # in-memory backend for testing
//	ecotrack version
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

	"github.com/ecotrack/ecotrack/internal/config"
	"github.com/ecotrack/ecotrack/internal/devserver"
	"github.com/ecotrack/ecotrack/internal/gateway"
	"github.com/ecotrack/ecotrack/internal/geocode"
	"github.com/ecotrack/ecotrack/internal/media"
	"github.com/ecotrack/ecotrack/internal/setup"
	"github.com/ecotrack/ecotrack/internal/store"
	syncp "github.com/ecotrack/ecotrack/internal/sync"
	"github.com/ecotrack/ecotrack/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by args[0].
func run(args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "submit":
		return runSubmit(rest)
	case "list":
		return runList(rest)
	case "get":
		return runGet(rest)
	case "update":
		return runUpdate(rest)
	case "delete":
		return runDelete(rest)
	case "sync":
		return runSync(rest, false)
	case "daemon":
		return runSync(rest, true)
	case "stats":
		return runStats(rest)
	case "geocode":
		return runGeocode(rest)
	case "export":
		return runExport(rest)
	case "status":
		return runStatus(rest)
	case "repair":
		return runRepair(rest)
	case "clear-cache":
		return runClearCache(rest)
	case "dev-server":
		return runDevServer(rest)
	case "version":
		fmt.Println("ecotrack", version)
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'ecotrack' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "ecotrack: offline-first environmental incident reporting")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  ecotrack setup                        Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  ecotrack submit --type T [...]        Queue a new report")
	fmt.Fprintln(os.Stderr, "  ecotrack list [filters] [--json]      List local and remote reports")
	fmt.Fprintln(os.Stderr, "  ecotrack get <id>                     Show one report")
	fmt.Fprintln(os.Stderr, "  ecotrack update [flags] <id>          Edit a report and queue it again")
	fmt.Fprintln(os.Stderr, "  ecotrack delete <id>                  Delete a report")
	fmt.Fprintln(os.Stderr, "  ecotrack sync                         Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  ecotrack daemon                       Run the periodic sync loop")
	fmt.Fprintln(os.Stderr, "  ecotrack stats                        Report counts by type and severity")
	fmt.Fprintln(os.Stderr, "  ecotrack geocode <mode> <args>        reverse, forward, suggest or details")
	fmt.Fprintln(os.Stderr, "  ecotrack export [filters] [--out f]   Write reports as GeoJSON")
	fmt.Fprintln(os.Stderr, "  ecotrack status                       Show config, queue and storage state")
	fmt.Fprintln(os.Stderr, "  ecotrack repair [--yes]               Fix orphaned or missing photo blobs")
	fmt.Fprintln(os.Stderr, "  ecotrack clear-cache                  Drop cached geocoding results")
	fmt.Fprintln(os.Stderr, "  ecotrack dev-server [--addr ...]      Run an in-memory backend")
	fmt.Fprintln(os.Stderr, "  ecotrack version                      Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command accepts --config, --verbose and --offline.")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "No config file found. Run 'ecotrack setup' to get started.")
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Shared wiring -----------------------------------------------------------

// globalFlags are accepted by every subcommand that touches the store.
type globalFlags struct {
	config  string
	verbose bool
	offline bool
}

func newFlagSet(name string) (*flag.FlagSet, *globalFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g := &globalFlags{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&g.config, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&g.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&g.offline, "offline", false, "work from the local store without contacting the backend")
	return fs, g
}

// newLogger installs the default logger. Interactive commands pass
// slog.LevelWarn so routine progress stays off the terminal.
func newLogger(verbose bool, level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(telemetry.NewLogHandler(text, nil))
	slog.SetDefault(logger)
	return logger
}

// app holds everything a report command needs.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	client *gateway.Client
	sync   *syncp.Synchronizer
	geo    *geocode.Cache

	shutdownTel telemetry.ShutdownFunc
}

// openApp loads config and wires the store, gateway, synchronizer and
// geocoding cache. The caller must Close the result.
func openApp(g *globalFlags, level slog.Level) (*app, error) {
	logger := newLogger(g.verbose, level)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", g.config, err)
	}
	logger.Debug("config loaded",
		"api_url", cfg.APIURL,
		"db_path", cfg.DBPath,
		"sync_interval", cfg.SyncInterval,
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
			MetricInterval: cfg.Telemetry.MetricInterval,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.shutdownTel = shutdownTel
		}
	}

	// --- Local store ---------------------------------------------------------

	st, err := store.Open(cfg.DBPath, store.Options{Quota: cfg.StorageQuota, Logger: logger})
	if err != nil {
		// Online-only mode: nothing queued now survives this process.
		logger.Error("local store unavailable, continuing online-only", "path", cfg.DBPath, "error", err)
		st, err = store.Open(":memory:", store.Options{Logger: logger})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening in-memory store: %w", err)
		}
	}
	a.store = st

	// --- Gateway -------------------------------------------------------------

	var tokens gateway.TokenSource
	if cfg.APIToken != "" {
		tokens = gateway.StaticToken(cfg.APIToken)
	}
	client, err := gateway.New(gateway.Config{
		BaseURL:       cfg.APIURL,
		Timeout:       cfg.RequestTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
		Tokens:        tokens,
		OnAuthError: func(err error) {
			logger.Error("backend rejected the access token, update api_token and try again", "error", err)
		},
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialising gateway: %w", err)
	}
	client.SetForcedOffline(g.offline)
	a.client = client

	// --- Synchronizer and geocoding ------------------------------------------

	prep := media.New(media.Options{
		MaxDimension: cfg.Media.MaxDimension,
		JPEGQuality:  cfg.Media.JPEGQuality,
		Logger:       logger,
	})
	a.sync = syncp.New(st, gateway.NewReportsAPI(client), client, prep, syncp.Options{Logger: logger})
	a.geo = geocode.New(client, geocode.Options{Store: st, SuggestRate: cfg.SuggestRate, Logger: logger})
	return a, nil
}

// Close lets background syncs finish, then releases the store and flushes
// telemetry.
func (a *app) Close() {
	if a.sync != nil {
		a.sync.Wait()
		a.sync.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("closing local store", "error", err)
		}
	}
	if a.shutdownTel != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTel(flushCtx); err != nil {
			a.log.Error("telemetry shutdown error", "error", err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, g := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(g.verbose, slog.LevelWarn)

	ctx, stop := signalContext()
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, g.config, logger)
	_, err := wiz.Run(ctx)
	return err
}

// runSync handles both "daemon" and "sync" subcommands.
func runSync(args []string, daemon bool) error {
	fs, g := newFlagSet("sync")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := openApp(g, slog.LevelInfo)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	engine := syncp.NewEngine(a.sync, a.client, a.cfg.SyncInterval, a.log)

	if !daemon {
		a.log.Info("running single sync pass")
		res, err := engine.RunOnce(ctx)
		if err != nil {
			return err
		}
		printSyncResult(res)
		return nil
	}

	a.log.Info("daemon starting", "api_url", a.cfg.APIURL, "sync_interval", a.cfg.SyncInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

func printSyncResult(res syncp.SyncResult) {
	switch {
	case res.Offline:
		fmt.Println("Backend unreachable, reports stay queued.")
		return
	case res.Skipped:
		fmt.Println("A sync pass is already running.")
		return
	}
	fmt.Printf("Synced %d of %d pending report(s) in %s.\n", res.Synced, res.Attempted, res.Duration.Round(time.Millisecond))
	if res.TombstonesCleared > 0 || res.TombstonesRemaining > 0 {
		fmt.Printf("Deferred deletes: %d confirmed, %d still waiting.\n", res.TombstonesCleared, res.TombstonesRemaining)
	}
	for id, err := range res.Failures {
		fmt.Printf("  ✗ %s: %v\n", shortID(id), err)
	}
}

// runStatus prints the current configuration, queue and storage state.
func runStatus(args []string) error {
	fs, g := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("ecotrack status")
	fmt.Println("───────────────")

	if _, err := os.Stat(g.config); err == nil {
		fmt.Printf("  Config:    %s ✓\n", g.config)
	} else {
		fmt.Printf("  Config:    not found (%s), using environment\n", g.config)
	}

	a, err := openApp(g, slog.LevelWarn)
	if err != nil {
		fmt.Printf("  Config:    invalid: %v\n", err)
		return nil
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("  Backend:   %s", a.cfg.APIURL)
	if err := a.client.Probe(ctx); err != nil {
		fmt.Printf(" (unreachable: %s)\n", gateway.KindOf(err))
	} else {
		fmt.Printf(" (reachable)\n")
	}
	fmt.Printf("  Interval:  %s\n", a.cfg.SyncInterval)

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading storage stats: %w", err)
	}
	fmt.Printf("  Database:  %s (%s", a.cfg.DBPath, humanSize(stats.Usage))
	if stats.Quota > 0 {
		fmt.Printf(" of %s, %s free", humanSize(stats.Quota), humanSize(stats.Available))
	}
	fmt.Printf(")\n")
	fmt.Printf("  Queue:     %d report(s), %d photo blob(s)\n", stats.Reports, stats.Media)
	fmt.Printf("  Deletes:   %d waiting for the backend\n", stats.Tombstones)
	fmt.Printf("  Geocache:  %d entr(ies)\n", stats.Cache)
	return nil
}

// runDevServer serves the in-memory backend until interrupted.
func runDevServer(args []string) error {
	fs := flag.NewFlagSet("dev-server", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	secret := fs.String("jwt-secret", "", "require HS256 bearer tokens signed with this secret")
	publicURL := fs.String("public-url", "", "base URL for uploaded photo links")
	verbose := fs.Bool("verbose", false, "log every request")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(*verbose, slog.LevelInfo)

	if *secret != "" {
		tok, err := devserver.IssueToken(*secret, "ecotrack-dev", 24*time.Hour)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		fmt.Printf("Access token (24h): %s\n", tok)
	}

	ctx, stop := signalContext()
	defer stop()

	srv := devserver.New(devserver.Config{JWTSecret: *secret, PublicURL: *publicURL, Logger: logger})
	return srv.ListenAndServe(ctx, *addr)
}

// humanSize returns a human-readable byte count.
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
