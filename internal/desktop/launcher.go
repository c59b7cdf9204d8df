package desktop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/neboloop/foreman/internal/logging"
	"github.com/neboloop/foreman/internal/watchdog"
)

const (
	HandoffFileName = "FOUNDER_JOB.md"
	MCPConfigName   = "mcp.json"
	LogFileName     = "job.log"
)

// ExecLauncher starts the build agent as a child process. Each job gets its
// own directory under Workdir holding the handoff files and the agent log.
type ExecLauncher struct {
	Command []string
	Workdir string
}

// Launch writes the handoff for h and starts Command in the job directory.
func (l *ExecLauncher) Launch(ctx context.Context, h watchdog.Handoff) (watchdog.Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("agent.command is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(l.Workdir, h.JobID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job dir %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, HandoffFileName), []byte(RenderHandoff(h)), 0o600); err != nil {
		return nil, fmt.Errorf("write handoff: %w", err)
	}
	mcpPath := filepath.Join(dir, MCPConfigName)
	if err := writeMCPConfig(mcpPath, h.MCPServers); err != nil {
		return nil, err
	}

	logPath := filepath.Join(dir, LogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		os.Remove(mcpPath)
		return nil, fmt.Errorf("open job log %s: %w", logPath, err)
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"FOREMAN_JOB_ID="+h.JobID,
		"FOREMAN_JOB_DIR="+dir,
		"FOREMAN_HANDOFF="+filepath.Join(dir, HandoffFileName),
		"FOREMAN_MCP_CONFIG="+mcpPath,
	)
	cmd.SysProcAttr = agentSysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.Remove(mcpPath)
		return nil, fmt.Errorf("start agent %s: %w", filepath.Base(l.Command[0]), err)
	}
	// the child holds its own copy of the log fd
	logFile.Close()

	p := &agentProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if rmErr := os.Remove(mcpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Warnf("[desktop] Remove %s: %v", mcpPath, rmErr)
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	logging.Infof("[desktop] Agent started for job %s (pid %d, dir %s)", h.JobID, cmd.Process.Pid, dir)
	return p, nil
}

type agentProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *agentProcess) Done() <-chan struct{} { return p.done }

func (p *agentProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *agentProcess) Pid() int { return p.cmd.Process.Pid }

// Terminate asks the process group to stop, then forces it after grace.
func (p *agentProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := signalStop(p.cmd.Process); err != nil {
		// already gone
		_ = p.cmd.Process.Kill()
		<-p.done
		return nil
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		forceKill(p.cmd.Process)
		<-p.done
	}
	return nil
}

type mcpConfigFile struct {
	MCPServers map[string]watchdog.MCPServer `json:"mcpServers"`
}

func writeMCPConfig(path string, servers []watchdog.MCPServer) error {
	cfg := mcpConfigFile{MCPServers: make(map[string]watchdog.MCPServer, len(servers))}
	for _, s := range servers {
		cfg.MCPServers[s.Name] = s
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mcp config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write mcp config: %w", err)
	}
	return nil
}

// RenderHandoff is the markdown brief the agent reads. It never contains
// secrets; those live in mcp.json.
func RenderHandoff(h watchdog.Handoff) string {
	var sb strings.Builder
	sb.WriteString("# Founder Job: " + h.Name + "\n\n")
	sb.WriteString("- Job ID: " + h.JobID + "\n")
	sb.WriteString("- Owner: " + h.Owner + "\n")
	sb.WriteString("- Stack: " + h.Stack + "\n")
	if len(h.MCPServers) == 0 {
		sb.WriteString("- MCP servers: none\n")
	} else {
		names := make([]string, len(h.MCPServers))
		for i, s := range h.MCPServers {
			names[i] = s.Name
		}
		sb.WriteString("- MCP servers: " + strings.Join(names, ", ") + " (see " + MCPConfigName + ")\n")
	}
	sb.WriteString("\n## Description\n\n")
	sb.WriteString(strings.TrimSpace(h.Description) + "\n")
	return sb.String()
}
