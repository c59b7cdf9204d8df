package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/foreman/internal/channels"
	"github.com/neboloop/foreman/internal/channels/web"
	"github.com/neboloop/foreman/internal/config"
	"github.com/neboloop/foreman/internal/crashlog"
	"github.com/neboloop/foreman/internal/credential"
	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/defaults"
	"github.com/neboloop/foreman/internal/desktop"
	"github.com/neboloop/foreman/internal/lifecycle"
	"github.com/neboloop/foreman/internal/logging"
	"github.com/neboloop/foreman/internal/orchestrator"
	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/watchdog"
	"github.com/neboloop/foreman/internal/wizard"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Foreman server",
		Long: `Start the Foreman server: the messaging endpoints, the orchestrator and
the desktop watchdog. Only one instance may run per data directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe starts every component and blocks until SIGINT or SIGTERM.
func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	// Ensure data directory exists with default files
	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("initialize data directory: %w", err)
	}

	// Enforce single instance with lock file
	lockFile, err := acquireLock(dataDir)
	if err != nil {
		return fmt.Errorf("%w: Foreman is already running for %s", err, dataDir)
	}
	defer releaseLock(lockFile)

	key, err := credential.LoadKey(dataDir)
	if err != nil {
		return fmt.Errorf("load encryption key: %w", err)
	}
	credential.Init(key)

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()
	crashlog.Init(store)
	defer crashlog.Init(nil)

	host, err := plugins.NewHost(c.Plugins.Dirs, plugins.BuiltinHandlers())
	if err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	reg := host.Registry()
	logging.Infof("[serve] Loaded %d skills and %d MCP servers", len(reg.Skills()), len(reg.MCPs()))
	host.OnChange(func(r *plugins.Registry) {
		lifecycle.Emit(lifecycle.EventPluginsReloaded, r)
	})
	if c.Plugins.Watch {
		watcher := plugins.NewWatcher(host, 0)
		if err := watcher.Start(ctx); err != nil {
			logging.Warnf("[serve] Plugin hot reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	wd := newWatchdog(c)

	machine := wizard.New(c.Wizard.IdleTimeout, wizard.WithMCPResolver(func(name string) bool {
		_, ok := host.Registry().ResolveCapability(name)
		return ok
	}))

	chans := channels.NewManager()
	orch := orchestrator.New(store, machine, host, wd, orchestrator.Config{
		AutoDispatch:  c.Orchestrator.AutoDispatch,
		HistoryLimit:  c.Orchestrator.HistoryLimit,
		LogRetention:  c.Orchestrator.LogRetention,
		SweepSchedule: c.Wizard.SweepSchedule,
		PruneSchedule: c.Orchestrator.PruneSchedule,
	}, orchestrator.WithNotifier(chans))
	wd.SetReporter(orch)

	if n, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	} else if n > 0 {
		logging.Warnf("[serve] Marked %d orphaned jobs as FAILED", n)
	}
	if err := orch.Start(); err != nil {
		return err
	}
	defer orch.Stop()

	registerLifecycleLogging()

	adapter := web.New(c.IsOwnerAllowed, web.WithRateLimit(c.Server.RateLimit, c.Server.RateBurst))
	chans.Register(adapter, orch.HandleMessage)
	if len(c.Server.AllowedOwners) == 0 {
		logging.Warnf("[serve] server.allowed_owners is empty: every message will be rejected")
	}

	ln, err := net.Listen("tcp", c.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.Server.Addr, err)
	}
	// ReadTimeout/WriteTimeout are omitted: they would cut hijacked websocket
	// connections. Keepalive is the websocket ping/pong.
	httpServer := &http.Server{
		Handler:           adapter.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logging.Infof("[serve] Foreman listening on http://%s", ln.Addr())
	lifecycle.Emit(lifecycle.EventServerStarted, nil)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logging.Errorf("[serve] HTTP server error: %v", err)
		}
	}

	logging.Infof("[serve] Shutting down")
	lifecycle.Emit(lifecycle.EventShutdownStarted, nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("[serve] HTTP shutdown: %v", err)
	}
	adapter.Close()
	if err := wd.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("[serve] Watchdog shutdown: %v", err)
	}
	orch.Stop()

	lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	return nil
}

func openStore(c config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(c.Database.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	store, err := db.NewSQLite(c.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", c.Database.Path, err)
	}
	return store, nil
}

func newWatchdog(c config.Config) *watchdog.Watchdog {
	probe := desktop.NewScreenshotProbe(desktop.ProbeConfig{
		Display:        c.Agent.Display,
		OCRCommand:     c.Agent.OCRCommand,
		HashTolerance:  c.Watchdog.HashTolerance,
		Landmarks:      c.Watchdog.CompletionLandmarks,
		CrashLandmarks: c.Watchdog.CrashLandmarks,
		LimitLandmarks: c.Watchdog.LimitLandmarks,
	})
	launcher := &desktop.ExecLauncher{Command: c.Agent.Command, Workdir: c.Agent.Workdir}

	var recoverer watchdog.Recoverer
	if len(c.Agent.RecoveryActions) > 0 {
		recoverer = &desktop.CommandRecoverer{Actions: c.Agent.RecoveryActions}
	}

	return watchdog.New(watchdog.Config{
		ProbeInterval:       c.Watchdog.ProbeInterval,
		StartupInterval:     c.Watchdog.StartupInterval,
		RecoverySettle:      c.Watchdog.RecoverySettle,
		StallThreshold:      c.Watchdog.StallThreshold,
		MaxRecoveryAttempts: c.Watchdog.MaxRecoveryAttempts,
		StartupProbes:       c.Watchdog.StartupProbes,
		KillGrace:           c.Watchdog.KillGrace,
	}, probe, launcher, recoverer, nil)
}

func registerLifecycleLogging() {
	lifecycle.OnJob(lifecycle.EventJobFinished, func(d lifecycle.JobEventData) {
		logging.With("job", d.JobID, "owner", d.Owner).Infof("Job finished as %s", d.Status)
	})
	lifecycle.OnSessionState(func(d lifecycle.SessionEventData) {
		logging.With("job", d.JobID, "session", d.SessionID).Debugf("Session %s (stalls %d, recoveries %d)", d.State, d.StallCount, d.RecoveryAttempts)
	})
	lifecycle.OnServerStarted(func() {
		logging.Debugf("[serve] Accepting messages")
	})
	lifecycle.OnShutdown(func() {
		logging.Debugf("[serve] Closing channels before stopping the watchdog")
	})
	lifecycle.On(lifecycle.EventPluginsReloaded, func(e lifecycle.Event, data any) {
		if r, ok := data.(*plugins.Registry); ok {
			logging.Infof("[serve] Plugins reloaded: %d skills, %d MCP servers", len(r.Skills()), len(r.MCPs()))
		}
	})
}
