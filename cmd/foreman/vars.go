package cli

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/neboloop/foreman/internal/config"
	"github.com/neboloop/foreman/internal/defaults"
	"github.com/neboloop/foreman/internal/logging"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile  string
	verbose  bool
	jsonLogs bool
)

// ServerConfig holds the embedded configuration (set by main)
var ServerConfig *config.Config

// configFileName is the optional user config inside the data directory.
const configFileName = "foreman.yaml"

// loadConfig layers the user config over the embedded defaults, fills data
// directory paths and validates the result. It also initializes logging.
func loadConfig() (config.Config, string, error) {
	c := *ServerConfig

	dataDir, err := defaults.DataDir()
	if err != nil {
		return c, "", err
	}

	path := cfgFile
	if path == "" {
		candidate := filepath.Join(dataDir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		} else if !errors.Is(err, os.ErrNotExist) {
			return c, dataDir, err
		}
	}
	if path != "" {
		if c, err = config.LoadFile(path, c); err != nil {
			return c, dataDir, err
		}
	}

	c.ApplyDataDir(dataDir)
	if err := c.Validate(); err != nil {
		return c, dataDir, err
	}

	level := c.Log.Level
	if verbose {
		level = "debug"
	}
	logging.Init(level, c.Log.JSON || jsonLogs)
	return c, dataDir, nil
}
