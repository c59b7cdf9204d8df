//go:build !windows

package desktop

import (
	"os"
	"syscall"
)

// agentSysProcAttr puts the agent in its own process group so Terminate
// reaches every descendant it spawns.
func agentSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalStop(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func forceKill(p *os.Process) {
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
}
