package cli

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = "foreman.lock"

// acquireLock takes an exclusive lock on <dataDir>/foreman.lock so two
// servers never supervise the same desktop. The holder's pid is written to
// the file for diagnostics.
func acquireLock(dataDir string) (*os.File, error) {
	path := filepath.Join(dataDir, lockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file: %w", err)
	}
	if err := lockFile(file); err != nil {
		holder, _ := os.ReadFile(path)
		file.Close()
		if len(holder) > 0 {
			return nil, fmt.Errorf("cannot acquire lock (held by pid %s)", trimNewline(string(holder)))
		}
		return nil, fmt.Errorf("cannot acquire lock")
	}

	file.Truncate(0)
	file.Seek(0, 0)
	fmt.Fprintf(file, "%d\n", os.Getpid())
	file.Sync()
	return file, nil
}

func releaseLock(file *os.File) {
	if file == nil {
		return
	}
	unlockFile(file)
	file.Close()
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
