package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/appunture/offlinesync/internal/api"
	"github.com/appunture/offlinesync/internal/auth"
	"github.com/appunture/offlinesync/internal/config"
)

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	// cfgPath defaults to config.DefaultPath when empty.
	cfgPath string
	ping    func(ctx context.Context, apiURL string) error
	install func(cfgPath string) error
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		ping:    pingAPI(logger),
		install: installService,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// backend connection, sign-in, sync settings, config file creation, and an
// optional user service install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to offlinesync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes your config and can install the sync daemon.\n\n")

	cfgPath := wiz.cfgPath
	if cfgPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolving config path: %w", err)
		}
		cfgPath = p
	}

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerServiceInstall(cfgPath)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: backend.
	fmt.Fprintf(wiz.w, "Step 1/4 - Backend\n")

	apiURL := wiz.prompt.String("API URL", "http://localhost:3000/api")

	fmt.Fprintf(wiz.w, "  Checking the server...")
	if err := wiz.ping(ctx, apiURL); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Debug("health check failed", "url", apiURL, "error", err)
		if !wiz.prompt.Confirm("Server unreachable. Save the URL anyway?", false) {
			return fmt.Errorf("cannot reach %s: %w\n\n  Check the URL, then try again", apiURL, err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: sign-in.
	fmt.Fprintf(wiz.w, "Step 2/4 - Sign in\n")
	token := wiz.readToken()
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: sync settings.
	fmt.Fprintf(wiz.w, "Step 3/4 - Sync Settings\n")

	pollInterval := wiz.prompt.Duration("How often to drain the queue?", 30*time.Second, 10*time.Second, 5*time.Minute)

	conn, err := wiz.readConnectivity()
	if err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: write config.
	fmt.Fprintf(wiz.w, "Step 4/4 - Save Configuration\n")

	cfg := &config.Config{
		APIURL:       apiURL,
		Token:        token,
		PollInterval: pollInterval,
		Connectivity: conn,
	}

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)

	return wiz.offerServiceInstall(cfgPath)
}

// readToken asks for a session token until it parses or the user skips.
func (wiz *Wizard) readToken() string {
	for {
		token := wiz.prompt.Secret("Session token")
		if token == "" {
			fmt.Fprintf(wiz.w, "  Skipped. Local edits queue up until a token is configured.\n")
			return ""
		}
		s := auth.NewSession()
		if err := s.SignIn(token); err != nil {
			fmt.Fprintf(wiz.w, "  ✗ %v\n", err)
			continue
		}
		if u, ok := s.CurrentUser(); ok {
			fmt.Fprintf(wiz.w, "  ✓ Signed in as %s\n", u.ID)
		}
		return token
	}
}

// readConnectivity picks the reachability probe. The dial address is left
// empty so config validation derives it from the API URL.
func (wiz *Wizard) readConnectivity() (config.ConnectivityConfig, error) {
	options := []string{
		"Dial the API host",
		"Read a status file (online/offline)",
	}
	idx, err := wiz.prompt.Select("How should connectivity be detected?", options)
	if err != nil {
		return config.ConnectivityConfig{}, fmt.Errorf("selecting connectivity probe: %w", err)
	}
	if idx == 0 {
		return config.ConnectivityConfig{Probe: config.ProbeDial}, nil
	}
	path := wiz.prompt.String("Status file path", "")
	return config.ConnectivityConfig{Probe: config.ProbeFile, StatusFile: path}, nil
}

// offerServiceInstall asks the user whether to run the daemon as a systemd
// user service.
func (wiz *Wizard) offerServiceInstall(cfgPath string) error {
	if !wiz.prompt.Confirm("Install as a user service (starts on login)?", true) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: offlinesync daemon\n\n")
		return nil
	}

	fmt.Fprintf(wiz.w, "\n")
	if err := wiz.install(cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  ✓ Service enabled, running now\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! offlinesync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  offlinesync status\n\n")
	return nil
}

func installService(cfgPath string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}
	bin, err := ExecutablePath()
	if err != nil {
		return err
	}
	if err := WriteUnit(homeDir, bin, cfgPath); err != nil {
		return fmt.Errorf("writing unit: %w", err)
	}
	if err := EnableService(); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	return nil
}

func pingAPI(logger *slog.Logger) func(context.Context, string) error {
	return func(ctx context.Context, apiURL string) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return api.New(apiURL, nil, 10*time.Second, logger).HealthCheck(ctx)
	}
}
