package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kbinani/screenshot"
	"github.com/spf13/cobra"

	"github.com/neboloop/foreman/internal/config"
	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/defaults"
	"github.com/neboloop/foreman/internal/keyring"
	"github.com/neboloop/foreman/internal/plugins"
)

// DoctorCmd creates the doctor command for health checks
func DoctorCmd() *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system health and diagnose issues",
		Long: `Run diagnostics on your Foreman installation.

Checks:
  - Configuration and data directory
  - Owner allow-list
  - Database
  - Plugins and MCP secrets
  - Build agent and OCR commands
  - Displays
  - Running server

Examples:
  foreman doctor           # Run all diagnostics
  foreman doctor --fix     # Restore the data directory defaults`,
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context(), fix)
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "Attempt to fix detected issues")

	return cmd
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func passed(name, format string, args ...any) checkResult {
	return checkResult{name: name, status: "ok", message: fmt.Sprintf(format, args...)}
}

func warned(name, format string, args ...any) checkResult {
	return checkResult{name: name, status: "warn", message: fmt.Sprintf(format, args...)}
}

func failed(name, format string, args ...any) checkResult {
	return checkResult{name: name, status: "error", message: fmt.Sprintf(format, args...)}
}

func runDoctor(ctx context.Context, fix bool) {
	fmt.Println("\033[1mForeman Doctor\033[0m")
	fmt.Println("==============")
	fmt.Println()

	if fix {
		if dir, err := defaults.EnsureDataDir(); err != nil {
			fmt.Printf("Could not create data directory: %v\n", err)
		} else {
			fmt.Printf("Data directory ready: %s\n\n", dir)
		}
	}

	c, dataDir, err := loadConfig()
	if err != nil {
		printResults([]checkResult{failed("Config", "%v", err)})
		os.Exit(1)
	}

	var results []checkResult
	results = append(results, checkConfig(c, dataDir)...)
	results = append(results, checkDatabase(ctx, c)...)
	results = append(results, checkPlugins(c)...)
	results = append(results, checkAgent(c)...)
	results = append(results, checkDisplay(c)...)
	results = append(results, checkServer(ctx, c)...)

	if printResults(results) > 0 {
		os.Exit(1)
	}
}

// printResults prints results and a summary and returns the error count.
func printResults(results []checkResult) int {
	okCount, warnCount, errorCount := 0, 0, 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("\033[32m✓\033[0m %s: %s\n", r.name, r.message)
			okCount++
		case "warn":
			fmt.Printf("\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
			warnCount++
		case "error":
			fmt.Printf("\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errorCount++
		}
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  \033[32m%d passed\033[0m", okCount)
	if warnCount > 0 {
		fmt.Printf("  \033[33m%d warnings\033[0m", warnCount)
	}
	if errorCount > 0 {
		fmt.Printf("  \033[31m%d errors\033[0m", errorCount)
	}
	fmt.Println()
	return errorCount
}

func checkConfig(c config.Config, dataDir string) []checkResult {
	var results []checkResult

	if _, err := os.Stat(dataDir); err != nil {
		results = append(results, failed("Data Directory", "%s not found. Run 'foreman doctor --fix' to create it.", dataDir))
	} else {
		results = append(results, passed("Data Directory", "%s", dataDir))
	}

	if cfgFile != "" {
		results = append(results, passed("Config File", "%s", cfgFile))
	} else {
		results = append(results, passed("Config File", "embedded defaults"))
	}

	switch {
	case len(c.Server.AllowedOwners) == 0:
		results = append(results, failed("Owners", "server.allowed_owners is empty; every message is rejected"))
	case contains(c.Server.AllowedOwners, "*"):
		results = append(results, warned("Owners", "every owner is allowed"))
	default:
		results = append(results, passed("Owners", "%s", strings.Join(c.Server.AllowedOwners, ", ")))
	}

	if keyring.Available() {
		results = append(results, passed("Keychain", "available"))
	} else {
		results = append(results, warned("Keychain", "unavailable; the encryption key is kept in the data directory"))
	}
	return results
}

func checkDatabase(ctx context.Context, c config.Config) []checkResult {
	if _, err := os.Stat(c.Database.Path); os.IsNotExist(err) {
		return []checkResult{warned("Database", "%s not created yet (first 'foreman serve' creates it)", c.Database.Path)}
	}
	store, err := db.NewSQLite(c.Database.Path)
	if err != nil {
		return []checkResult{failed("Database", "%v", err)}
	}
	defer store.Close()

	running, err := store.ListJobsByStatus(ctx, db.StatusRunning)
	if err != nil {
		return []checkResult{failed("Database", "%v", err)}
	}
	waiting, err := store.ListJobsByStatus(ctx, db.StatusDraft, db.StatusQueued)
	if err != nil {
		return []checkResult{failed("Database", "%v", err)}
	}
	return []checkResult{passed("Database", "%s (%d running, %d waiting)", c.Database.Path, len(running), len(waiting))}
}

func checkPlugins(c config.Config) []checkResult {
	reg, err := plugins.Load(c.Plugins.Dirs, plugins.BuiltinHandlers())
	if err != nil {
		return []checkResult{failed("Plugins", "%v", err)}
	}
	results := []checkResult{passed("Plugins", "%d skills, %d MCP servers", len(reg.Skills()), len(reg.MCPs()))}
	for _, m := range reg.MCPs() {
		if _, err := m.ResolveConfig(os.LookupEnv); err != nil {
			results = append(results, warned("MCP: "+m.Name, "%v (jobs using it cannot be dispatched)", err))
			continue
		}
		results = append(results, passed("MCP: "+m.Name, "secrets resolved"))
	}
	return results
}

func checkAgent(c config.Config) []checkResult {
	var results []checkResult
	if len(c.Agent.Command) == 0 {
		results = append(results, failed("Build Agent", "agent.command is not configured"))
	} else if path, err := exec.LookPath(c.Agent.Command[0]); err != nil {
		results = append(results, failed("Build Agent", "%s not found in PATH", c.Agent.Command[0]))
	} else {
		results = append(results, passed("Build Agent", "%s", path))
	}

	if len(c.Agent.OCRCommand) == 0 {
		results = append(results, warned("OCR", "agent.ocr_command is empty; completion landmarks are disabled"))
	} else if path, err := exec.LookPath(c.Agent.OCRCommand[0]); err != nil {
		results = append(results, warned("OCR", "%s not found in PATH; completion landmarks are disabled", c.Agent.OCRCommand[0]))
	} else {
		results = append(results, passed("OCR", "%s", path))
	}

	if len(c.Agent.RecoveryActions) == 0 {
		results = append(results, warned("Recovery", "no agent.recovery_actions; stalls go straight to FAILED after the threshold"))
	} else {
		results = append(results, passed("Recovery", "%d actions", len(c.Agent.RecoveryActions)))
	}
	return results
}

func checkDisplay(c config.Config) []checkResult {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return []checkResult{failed("Display", "no active display to probe")}
	}
	if c.Agent.Display >= n {
		return []checkResult{failed("Display", "agent.display is %d but only %d displays are active", c.Agent.Display, n)}
	}
	b := screenshot.GetDisplayBounds(c.Agent.Display)
	return []checkResult{passed("Display", "#%d %dx%d", c.Agent.Display, b.Dx(), b.Dy())}
}

func checkServer(ctx context.Context, c config.Config) []checkResult {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := "http://" + c.Server.Addr + "/health"
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return []checkResult{warned("Server", "not running at %s (start with 'foreman serve')", c.Server.Addr)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return []checkResult{warned("Server", "unhealthy (status %d)", resp.StatusCode)}
	}
	return []checkResult{passed("Server", "running at %s", c.Server.Addr)}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
