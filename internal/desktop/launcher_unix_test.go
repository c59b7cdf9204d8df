//go:build !windows

package desktop

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/foreman/internal/watchdog"
)

func TestExecLauncherHandoffAndTerminate(t *testing.T) {
	workdir := t.TempDir()
	l := &ExecLauncher{
		Command: []string{"sh", "-c", "echo started; head -1 FOUNDER_JOB.md; sleep 30"},
		Workdir: workdir,
	}
	h := watchdog.Handoff{
		JobID: "job-1",
		Owner: "U1",
		Name:  "Acme App",
		Stack: "web",
		MCPServers: []watchdog.MCPServer{{
			Name:      "github",
			Transport: "stdio",
			Command:   "github-mcp",
			Env:       map[string]string{"GITHUB_TOKEN": "ghp_x"},
		}},
	}

	proc, err := l.Launch(context.Background(), h)
	require.NoError(t, err)
	require.Greater(t, proc.Pid(), 0)

	dir := filepath.Join(workdir, "job-1")
	mcpPath := filepath.Join(dir, MCPConfigName)

	info, err := os.Stat(mcpPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(mcpPath)
	require.NoError(t, err)
	var cfg mcpConfigFile
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "ghp_x", cfg.MCPServers["github"].Env["GITHUB_TOKEN"])
	assert.Equal(t, "stdio", cfg.MCPServers["github"].Transport)

	require.Eventually(t, func() bool {
		log, _ := os.ReadFile(filepath.Join(dir, LogFileName))
		return len(log) > 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, proc.Terminate(2*time.Second))
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, proc.Err(), "terminated process reports a non-zero exit")

	_, err = os.Stat(mcpPath)
	assert.True(t, os.IsNotExist(err), "mcp.json must be removed once the agent exits")

	log, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "started")
	assert.Contains(t, string(log), "# Founder Job: Acme App")

	// terminating an exited process is a no-op
	assert.NoError(t, proc.Terminate(time.Second))
}

func TestExecLauncherCleanExit(t *testing.T) {
	l := &ExecLauncher{Command: []string{"true"}, Workdir: t.TempDir()}
	proc, err := l.Launch(context.Background(), watchdog.Handoff{JobID: "job-2"})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, proc.Err())
}
