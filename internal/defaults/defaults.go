// Package defaults provides embedded default plugin descriptors and the
// platform data directory. Defaults are copied into the data directory on
// first run or when reset is requested.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/Foreman/
//	Windows: %AppData%\Foreman\
//	Linux:   ~/.config/foreman/
//
// Override with FOREMAN_DATA_DIR environment variable.
package defaults

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

//go:embed dotforeman
var defaultFiles embed.FS

const root = "dotforeman"

// DataDir returns the platform-appropriate data directory.
// Set FOREMAN_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("FOREMAN_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "foreman"), nil
	}
	return filepath.Join(configDir, "Foreman"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist
// and copies default files if they're missing.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := copyDefaults(dir, false); err != nil {
		return "", err
	}
	return dir, nil
}

// Reset replaces the default descriptors with the embedded versions.
// The database and any user-added descriptors are left alone.
func Reset(dir string) error {
	return copyDefaults(dir, true)
}

func copyDefaults(dir string, overwrite bool) error {
	return fs.WalkDir(defaultFiles, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		// embed.FS always uses forward slashes
		relPath := strings.TrimPrefix(path, root+"/")
		destPath := filepath.Join(dir, filepath.FromSlash(relPath))

		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		if !overwrite {
			if _, err := os.Stat(destPath); err == nil {
				return nil
			}
		}

		data, err := defaultFiles.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded %s: %w", path, err)
		}
		if err := os.WriteFile(destPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		return nil
	})
}

// ListDefaults returns the slash-separated names of all default files.
func ListDefaults() ([]string, error) {
	var files []string
	err := fs.WalkDir(defaultFiles, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, strings.TrimPrefix(path, root+"/"))
		}
		return nil
	})
	return files, err
}
