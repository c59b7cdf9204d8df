// Package watchdog supervises the external agent that builds a founder job
// by driving the desktop. Each session probes the screen on an interval,
// detects stalls and crashes, runs bounded recovery and reports a single
// terminal outcome. The desktop is a singleton: one non-terminal session at
// a time.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/foreman/internal/logging"
)

var (
	// ErrResourceBusy is returned when another session holds the desktop.
	ErrResourceBusy = errors.New("desktop busy: another job is being supervised")
	// ErrAlreadySupervised is returned when the job already has a live session.
	ErrAlreadySupervised = errors.New("job already has a live session")
	// ErrSupervisionFailure is the reason of sessions that exhausted recovery.
	ErrSupervisionFailure = errors.New("supervision failure")
	// ErrProcessCrash marks an unexpected exit of the supervised process.
	ErrProcessCrash = errors.New("agent process crashed")
	// ErrNoSession is returned when no live session exists for a job.
	ErrNoSession = errors.New("no live session")
)

// State of a session.
type State string

const (
	StateStarting   State = "STARTING"
	StateActive     State = "ACTIVE"
	StateStalled    State = "STALLED"
	StateRecovering State = "RECOVERING"
	StateTerminated State = "TERMINATED"
)

// Outcome of a terminated session.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeAbandoned Outcome = "ABANDONED"
)

// Snapshot is one observation of the screen. Hash and Text are filled by the
// Screen implementation; the watchdog only passes them back to it.
type Snapshot struct {
	Hash       uint64
	Text       string
	CapturedAt time.Time
}

// Screen observes the desktop.
type Screen interface {
	Probe(ctx context.Context) (Snapshot, error)
	// Changed reports whether cur shows progress relative to prev.
	Changed(prev, cur Snapshot) bool
	// Completed reports whether cur shows a completion landmark.
	Completed(cur Snapshot) bool
	// Stalled reports a crash or limit landmark in cur, such as a "not
	// responding" dialog or a usage limit banner.
	Stalled(cur Snapshot) (landmark string, ok bool)
}

// Process is a running agent.
type Process interface {
	Done() <-chan struct{}
	// Err is the exit error once Done is closed. nil means exit status 0.
	Err() error
	// Terminate stops the process, forcing it after grace.
	Terminate(grace time.Duration) error
	Pid() int
}

// Launcher starts the agent for a job.
type Launcher interface {
	Launch(ctx context.Context, h Handoff) (Process, error)
}

// Recoverer nudges a stalled agent.
type Recoverer interface {
	Recover(ctx context.Context, attempt int) error
}

// Reporter receives session updates. OnSessionTerminal is called exactly
// once per session.
type Reporter interface {
	OnSessionState(ctx context.Context, info SessionInfo)
	OnSessionTerminal(ctx context.Context, info SessionInfo, outcome Outcome)
}

// MCPServer is one resolved MCP connection handed to the agent.
type MCPServer struct {
	Name      string            `json:"-"`
	Transport string            `json:"type"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Handoff is what the agent receives. Secrets live only in MCPServers and
// are never persisted by the watchdog.
type Handoff struct {
	JobID       string
	Owner       string
	Name        string
	Description string
	Stack       string
	MCPServers  []MCPServer
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	ID               string
	JobID            string
	Owner            string
	State            State
	Pid              int
	StallCount       int
	RecoveryAttempts int
	StartedAt        time.Time
	LastActivity     time.Time
	Outcome          Outcome
	Summary          string
	// Err is set on FAILED sessions and wraps ErrSupervisionFailure.
	Err error
}

// Config holds the supervision timings.
type Config struct {
	ProbeInterval       time.Duration
	StartupInterval     time.Duration
	RecoverySettle      time.Duration
	StallThreshold      int
	MaxRecoveryAttempts int
	StartupProbes       int
	KillGrace           time.Duration
}

// Watchdog owns the supervised sessions.
type Watchdog struct {
	cfg       Config
	screen    Screen
	launcher  Launcher
	recoverer Recoverer
	reporter  Reporter
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active *session
}

// New creates a watchdog. recoverer may be nil.
func New(cfg Config, screen Screen, launcher Launcher, recoverer Recoverer, reporter Reporter) *Watchdog {
	if cfg.StartupInterval <= 0 {
		cfg.StartupInterval = cfg.ProbeInterval
	}
	if cfg.RecoverySettle <= 0 {
		cfg.RecoverySettle = cfg.ProbeInterval
	}
	if cfg.StallThreshold < 1 {
		cfg.StallThreshold = 1
	}
	if cfg.StartupProbes < 1 {
		cfg.StartupProbes = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		cfg:       cfg,
		screen:    screen,
		launcher:  launcher,
		recoverer: recoverer,
		reporter:  reporter,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetReporter replaces the reporter. Must be called before the first Start.
func (w *Watchdog) SetReporter(r Reporter) {
	w.reporter = r
}

// Busy reports whether a non-terminal session holds the desktop.
func (w *Watchdog) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active != nil
}

// Start launches the agent for h and begins supervising it in STARTING.
// ctx bounds only the launch; the session outlives it.
func (w *Watchdog) Start(ctx context.Context, h Handoff) (SessionInfo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		if w.active.jobID == h.JobID {
			return SessionInfo{}, ErrAlreadySupervised
		}
		return SessionInfo{}, ErrResourceBusy
	}
	if w.ctx.Err() != nil {
		return SessionInfo{}, errors.New("watchdog is shut down")
	}

	proc, err := w.launcher.Launch(ctx, h)
	if err != nil {
		return SessionInfo{}, err
	}

	now := w.now()
	s := &session{
		w:        w,
		jobID:    h.JobID,
		handoff:  h,
		proc:     proc,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		info: SessionInfo{
			ID:           uuid.New().String(),
			JobID:        h.JobID,
			Owner:        h.Owner,
			State:        StateStarting,
			Pid:          proc.Pid(),
			StartedAt:    now,
			LastActivity: now,
		},
	}
	w.active = s

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		s.run(w.ctx)
	}()

	logging.Infof("[watchdog] Session %s started for job %s (pid %d)", s.info.ID[:8], h.JobID, proc.Pid())
	return s.snapshot(), nil
}

// Cancel abandons the live session of jobID. The session terminates its
// process within the kill grace and reports ABANDONED.
func (w *Watchdog) Cancel(jobID string) error {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()

	if s == nil || s.jobID != jobID {
		return ErrNoSession
	}
	s.cancelOnce.Do(func() { close(s.cancelCh) })
	return nil
}

// Wait blocks until the live session of jobID, if any, has terminated.
func (w *Watchdog) Wait(ctx context.Context, jobID string) error {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()
	if s == nil || s.jobID != jobID {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the live session of jobID.
func (w *Watchdog) Session(jobID string) (SessionInfo, bool) {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()
	if s == nil || s.jobID != jobID {
		return SessionInfo{}, false
	}
	return s.snapshot(), true
}

// Sessions returns every live session.
func (w *Watchdog) Sessions() []SessionInfo {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	return []SessionInfo{s.snapshot()}
}

// Shutdown stops every session and waits for them to report.
func (w *Watchdog) Shutdown(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) release(s *session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == s {
		w.active = nil
	}
}
