package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const (
	launchdLabel = "dev.allaspects.llmrelay"
	systemdUnit  = "llmrelay.service"
)

// launchdPlistTemplate runs the relay as a persistent macOS user agent.
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
        <string>start</string>
        <string>--foreground</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>KeepAlive</key>
    <true/>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/llmrelay.err.log</string>
    <key>ProcessType</key>
    <string>Background</string>
    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

// systemdUnitTemplate runs the relay as a systemd user service.
const systemdUnitTemplate = `[Unit]
Description=llmrelay LLM gateway
After=network-online.target

[Service]
ExecStart={{.ProgramPath}} start --foreground
WorkingDirectory={{.DataDir}}
Restart=on-failure
RestartSec=5
TimeoutStopSec=40

[Install]
WantedBy=default.target
`

type serviceData struct {
	Label       string
	ProgramPath string
	DataDir     string
}

// serviceFile is where the service definition for goos lives.
func serviceFile(goos, home string) (string, string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), launchdPlistTemplate, nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), systemdUnitTemplate, nil
	default:
		return "", "", fmt.Errorf("service install is not supported on %s", goos)
	}
}

// renderService renders the service definition for goos.
func renderService(goos, programPath, dataDir string) ([]byte, error) {
	_, tmplText, err := serviceFile(goos, "")
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New("service").Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("parsing service template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, serviceData{Label: launchdLabel, ProgramPath: programPath, DataDir: dataDir}); err != nil {
		return nil, fmt.Errorf("rendering service definition: %w", err)
	}
	return buf.Bytes(), nil
}

// InstallService installs the relay as a user service: a launchd agent on
// macOS, a systemd user unit on Linux. It then loads and starts it.
func InstallService(dataDir string) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	path, _, err := serviceFile(runtime.GOOS, homeDir)
	if err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	data, err := renderService(runtime.GOOS, execPath, dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing service file %s: %w", path, err)
	}
	fmt.Printf("Service definition written to %s\n", path)

	if runtime.GOOS == "darwin" {
		// Unload first in case an older definition is loaded.
		_ = exec.Command("launchctl", "unload", path).Run()
		return runCommand("launchctl", "load", path)
	}
	if err := runCommand("systemctl", "--user", "daemon-reload"); err != nil {
		return err
	}
	return runCommand("systemctl", "--user", "enable", "--now", systemdUnit)
}

// UninstallService stops the service and removes its definition.
func UninstallService() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	path, _, err := serviceFile(runtime.GOOS, homeDir)
	if err != nil {
		return err
	}

	// Stopping fails harmlessly when the service is not loaded.
	if runtime.GOOS == "darwin" {
		_ = exec.Command("launchctl", "unload", path).Run()
	} else {
		_ = exec.Command("systemctl", "--user", "disable", "--now", systemdUnit).Run()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing service file: %w", err)
	}
	fmt.Printf("Service removed from %s\n", path)
	return nil
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", name, args, err)
	}
	return nil
}
