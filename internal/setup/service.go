package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed offlinesync.service.tmpl
var unitTemplateStr string

const (
	// BinaryName is the name of the daemon binary.
	BinaryName = "offlinesync"

	// UnitName is the systemd user unit that runs the daemon.
	UnitName = BinaryName + ".service"
)

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
	HomeDir    string
}

// UnitPath returns the systemd user unit destination path.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// ExecutablePath returns the resolved path of the running binary, which the
// unit file points at.
func ExecutablePath() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving current executable path: %w", err)
	}
	// Resolve symlinks so the unit survives a relinked PATH entry.
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return "", fmt.Errorf("resolving executable symlinks: %w", err)
	}
	return self, nil
}

// WriteUnit renders the systemd unit from the embedded template and writes it
// to ~/.config/systemd/user/.
func WriteUnit(homeDir, binaryPath, configPath string) error {
	tmpl, err := template.New("unit").Parse(unitTemplateStr)
	if err != nil {
		return fmt.Errorf("parsing unit template: %w", err)
	}

	data := unitData{
		BinaryPath: binaryPath,
		ConfigPath: configPath,
		HomeDir:    homeDir,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("executing unit template: %w", err)
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}

	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// EnableService reloads the user manager and starts the unit now and on login.
func EnableService() error {
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// IsServiceActive checks whether the daemon unit is currently running.
func IsServiceActive() bool {
	cmd := exec.Command("systemctl", "--user", "is-active", "--quiet", UnitName)
	return cmd.Run() == nil
}

func systemctl(args ...string) error {
	//nolint:gosec // fixed arguments
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}
