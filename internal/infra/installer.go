package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/servicestatus/agent/internal/domain"
)

// ScriptInstaller places accepted scripts into the managed scripts
// directory as <id>.bash with executable permissions.
type ScriptInstaller struct {
	scriptsDir string
}

// NewScriptInstaller creates an installer writing to scriptsDir.
func NewScriptInstaller(scriptsDir string) *ScriptInstaller {
	return &ScriptInstaller{scriptsDir: scriptsDir}
}

// Install writes the script content atomically and returns the installed
// absolute path. Writes to a temp file first, syncs, chmods, then renames
// to avoid a half-written script ever being executable.
func (i *ScriptInstaller) Install(id string, content []byte) (string, error) {
	if err := os.MkdirAll(i.scriptsDir, 0755); err != nil {
		return "", fmt.Errorf("create scripts directory: %w", err)
	}

	dst := i.ScriptPath(id)
	tmpFile, err := os.CreateTemp(i.scriptsDir, ".ssiagent-tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", err
	}
	tmpFile.Close()

	if err := os.Chmod(tmpPath, 0755); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", err
	}

	success = true
	return dst, nil
}

// Remove deletes the installed script for id. A missing script is not an
// error.
func (i *ScriptInstaller) Remove(id string) error {
	err := os.Remove(i.ScriptPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ScriptPath returns the managed location for a service's script.
func (i *ScriptInstaller) ScriptPath(id string) string {
	return filepath.Join(i.scriptsDir, id+".bash")
}

// Ensure ScriptInstaller implements domain.Installer.
var _ domain.Installer = (*ScriptInstaller)(nil)
