//go:build windows

package desktop

import (
	"os"
	"syscall"
)

// agentSysProcAttr returns a default struct; Windows has no process groups
// in the Setpgid sense.
func agentSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// signalStop kills directly; there is no graceful signal to send.
func signalStop(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) {
	_ = p.Kill()
}
