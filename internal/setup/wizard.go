package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ecotrack/ecotrack/internal/config"
)

// syncIntervals are the presets offered in step 2.
var syncIntervals = []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute}

// discoverFunc matches [DiscoverBackend]; tests substitute it.
type discoverFunc func(ctx context.Context, apiURL, token string, logger *slog.Logger) (BackendInfo, error)

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt   *Prompter
	logger   *slog.Logger
	w        io.Writer
	cfgPath  string
	discover discoverFunc
}

// NewWizard creates a Wizard wired to the given I/O and logger. The result
// is written to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:   NewPrompter(r, w),
		logger:   logger,
		w:        w,
		cfgPath:  cfgPath,
		discover: DiscoverBackend,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// backend connection, sync interval and local storage, then writes the
// config file. It returns the written config, or nil when the user kept an
// existing one.
func (wiz *Wizard) Run(ctx context.Context) (*config.Config, error) {
	fmt.Fprintf(wiz.w, "\nWelcome to ecotrack setup!\n")
	fmt.Fprintf(wiz.w, "This wizard configures where incident reports are sent and stored.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil, nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: Backend connection.
	fmt.Fprintf(wiz.w, "Step 1/4: Backend Connection\n")

	apiURL := wiz.prompt.String("API URL", "http://localhost:8080")
	token := wiz.prompt.Optional("Access token (empty for none)")

	fmt.Fprintf(wiz.w, "  Connecting to backend...")
	info, err := wiz.discover(ctx, apiURL, token, wiz.logger)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Debug("backend discovery failed", "error", err)
		fmt.Fprintf(wiz.w, "  %v\n", err)
		// Reports queue offline, so an unreachable backend is not fatal.
		if !wiz.prompt.Confirm("Save this backend anyway and sync when it becomes reachable?", true) {
			return nil, fmt.Errorf("cannot reach backend: %w\n\n  Check the URL and token, then try again", err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓ (%s)\n", info)
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: Sync interval.
	fmt.Fprintf(wiz.w, "Step 2/4: Sync Interval\n")

	options := make([]string, len(syncIntervals))
	for i, d := range syncIntervals {
		options[i] = d.String()
	}
	idx, err := wiz.prompt.Select("How often should queued reports be pushed?", options)
	if err != nil {
		return nil, fmt.Errorf("selecting sync interval: %w", err)
	}
	syncInterval := syncIntervals[idx]
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Local storage.
	fmt.Fprintf(wiz.w, "Step 3/4: Local Storage\n")

	defaultDB, err := config.DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("resolving database path: %w", err)
	}
	dbPath := wiz.prompt.String("Database file", defaultDB)

	quotaMB := wiz.prompt.Int("Storage quota in MB (0 for none)", 0)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")

	cfg := &config.Config{
		APIURL:       apiURL,
		APIToken:     token,
		SyncInterval: syncInterval,
		DBPath:       dbPath,
		StorageQuota: quotaMB << 20,
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Submit:  ecotrack submit --type waste --description \"...\"\n")
	fmt.Fprintf(wiz.w, "  Sync:    ecotrack daemon\n\n")
	return cfg, nil
}
