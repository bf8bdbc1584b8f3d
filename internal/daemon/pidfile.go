package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "llmrelay.pid"

// ErrNoPIDFile is returned by ReadPID when no daemon has written a PID file.
var ErrNoPIDFile = errors.New("no PID file")

// WritePID records the current process ID in dataDir/llmrelay.pid. The file
// is written to a temporary name and renamed so readers never see a partial
// PID.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	tmp, err := os.CreateTemp(dataDir, pidFilename+".*")
	if err != nil {
		return fmt.Errorf("creating PID file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		tmp.Close()
		return fmt.Errorf("writing PID file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing PID file: %w", err)
	}
	if err := os.Rename(tmp.Name(), pidPath(dataDir)); err != nil {
		return fmt.Errorf("installing PID file %s: %w", pidPath(dataDir), err)
	}
	return nil
}

// ReadPID reads the PID from dataDir/llmrelay.pid.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNoPIDFile
	}
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID from %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d in %s", pid, path)
	}
	return pid, nil
}

// RemovePID removes the PID file from dataDir. A missing file is not an error.
func RemovePID(dataDir string) error {
	path := pidPath(dataDir)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing PID file %s: %w", path, err)
	}
	return nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil {
		return false
	}
	return isProcessAlive(pid)
}

// isProcessAlive sends signal 0, which checks that the process exists
// without delivering anything. EPERM means it exists under another user.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}
