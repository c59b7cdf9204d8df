package desktop

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/neboloop/foreman/internal/logging"
)

// CommandRecoverer nudges a stalled agent by running one of the configured
// recovery commands, rotating through them by attempt.
type CommandRecoverer struct {
	Actions [][]string
	Timeout time.Duration
}

// Recover runs Actions[(attempt-1) % len]. No actions is a no-op.
func (r *CommandRecoverer) Recover(ctx context.Context, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}
	var argv []string
	for i := 0; i < len(r.Actions); i++ {
		a := r.Actions[(attempt-1+i)%len(r.Actions)]
		if len(a) > 0 {
			argv = a
			break
		}
	}
	if len(argv) == 0 {
		return nil
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.Infof("[desktop] Recovery attempt %d: %s", attempt, strings.Join(argv, " "))
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("recovery %q: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
