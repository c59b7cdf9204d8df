package watchdog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type probeResult struct {
	text string
	err  error
}

// fakeScreen replays a scripted probe sequence and repeats the last entry.
type fakeScreen struct {
	mu    sync.Mutex
	seq   []probeResult
	calls int
}

func (f *fakeScreen) Probe(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.seq[min(f.calls, len(f.seq)-1)]
	f.calls++
	return Snapshot{Text: r.text, CapturedAt: time.Now()}, r.err
}

func (f *fakeScreen) Changed(prev, cur Snapshot) bool { return prev.Text != cur.Text }

func (f *fakeScreen) Completed(cur Snapshot) bool { return cur.Text == "DONE" }

// Stalled treats text starting with "!" as a crash or limit landmark.
func (f *fakeScreen) Stalled(cur Snapshot) (string, bool) {
	if strings.HasPrefix(cur.Text, "!") {
		return strings.TrimPrefix(cur.Text, "!"), true
	}
	return "", false
}

func screenOf(texts ...string) *fakeScreen {
	s := &fakeScreen{}
	for _, t := range texts {
		s.seq = append(s.seq, probeResult{text: t})
	}
	return s
}

type fakeProc struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	err        error
	mu         sync.Mutex
	terminated bool
	grace      time.Duration
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Err() error            { return p.err }
func (p *fakeProc) Pid() int              { return p.pid }

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProc) Terminate(grace time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.grace = grace
	p.mu.Unlock()
	p.exit(errors.New("signal: terminated"))
	return nil
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProc
	failFrom int // launches numbered >= failFrom fail; 0 disables
	onLaunch func(p *fakeProc)
	overlaps int // launches made while an earlier process was alive
}

func (l *fakeLauncher) Launch(ctx context.Context, h Handoff) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, prev := range l.procs {
		if alive(prev) {
			l.overlaps++
		}
	}
	n := len(l.procs) + 1
	if l.failFrom > 0 && n >= l.failFrom {
		return nil, errors.New("launch failed")
	}
	p := newFakeProc(1000 + n)
	l.procs = append(l.procs, p)
	if l.onLaunch != nil {
		l.onLaunch(p)
	}
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type countingRecoverer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRecoverer) Recover(ctx context.Context, attempt int) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func (r *countingRecoverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type terminal struct {
	info    SessionInfo
	outcome Outcome
}

type recorder struct {
	mu       sync.Mutex
	states   []SessionInfo
	terminal chan terminal
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan terminal, 4)}
}

func (r *recorder) OnSessionState(ctx context.Context, info SessionInfo) {
	r.mu.Lock()
	r.states = append(r.states, info)
	r.mu.Unlock()
}

func (r *recorder) OnSessionTerminal(ctx context.Context, info SessionInfo, outcome Outcome) {
	r.terminal <- terminal{info, outcome}
}

func (r *recorder) stateSeq() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	for i, s := range r.states {
		out[i] = s.State
	}
	return out
}

func (r *recorder) wait(t *testing.T) terminal {
	t.Helper()
	select {
	case got := <-r.terminal:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
		return terminal{}
	}
}

func fastConfig() Config {
	return Config{
		ProbeInterval:       5 * time.Millisecond,
		StartupInterval:     time.Millisecond,
		RecoverySettle:      time.Millisecond,
		StallThreshold:      2,
		MaxRecoveryAttempts: 2,
		StartupProbes:       3,
		KillGrace:           50 * time.Millisecond,
	}
}

func TestStallThenRecoveryResetsCounter(t *testing.T) {
	rec := newRecorder()
	rcv := &countingRecoverer{}
	w := New(fastConfig(), screenOf("a", "a", "a", "b", "DONE"), &fakeLauncher{}, rcv, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1", Owner: "U1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want SUCCEEDED", got.outcome)
	}
	want := []State{StateActive, StateStalled, StateRecovering, StateActive, StateTerminated}
	seq := rec.stateSeq()
	if len(seq) != len(want) {
		t.Fatalf("states = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("states = %v, want %v", seq, want)
		}
	}

	rec.mu.Lock()
	stalled, resumed := rec.states[1], rec.states[3]
	rec.mu.Unlock()
	if stalled.StallCount != 2 {
		t.Errorf("StallCount at STALLED = %d, want 2", stalled.StallCount)
	}
	if resumed.StallCount != 0 {
		t.Errorf("StallCount after recovery = %d, want 0", resumed.StallCount)
	}
	if rcv.count() != 1 {
		t.Errorf("recovery actions = %d, want 1", rcv.count())
	}
	if w.Busy() {
		t.Error("desktop still held after termination")
	}
}

func TestRecoveryExhaustedFails(t *testing.T) {
	rec := newRecorder()
	rcv := &countingRecoverer{}
	launcher := &fakeLauncher{}
	w := New(fastConfig(), screenOf("same"), launcher, rcv, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", got.outcome)
	}
	if !errors.Is(got.info.Err, ErrSupervisionFailure) {
		t.Errorf("Err = %v, want ErrSupervisionFailure", got.info.Err)
	}
	if got.info.RecoveryAttempts != 2 || rcv.count() != 2 {
		t.Errorf("recovery attempts = %d (actions %d), want 2", got.info.RecoveryAttempts, rcv.count())
	}
	if !launcher.proc(0).wasTerminated() {
		t.Error("process not terminated on failure")
	}
}

func TestZeroRecoveryAttemptsFailsOnStall(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecoveryAttempts = 0
	rec := newRecorder()
	w := New(cfg, screenOf("same"), &fakeLauncher{}, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if got := rec.wait(t); got.outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", got.outcome)
	}
}

func TestCrashRelaunchesAgent(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(p *fakeProc) {
		if p.pid == 1001 {
			p.exit(errors.New("exit status 2"))
		}
	}
	w := New(cfg, screenOf("x", "y", "DONE"), launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s (%s), want SUCCEEDED", got.outcome, got.info.Summary)
	}
	if launcher.launches() != 2 {
		t.Errorf("launches = %d, want 2", launcher.launches())
	}
	if got.info.Pid != 1002 {
		t.Errorf("Pid = %d, want relaunched 1002", got.info.Pid)
	}
	seq := rec.stateSeq()
	if len(seq) < 3 || seq[0] != StateStalled || seq[1] != StateRecovering || seq[2] != StateActive {
		t.Errorf("states = %v, want STALLED, RECOVERING, ACTIVE first", seq)
	}
}

func TestCrashWithFailedRelaunchFails(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	launcher := &fakeLauncher{failFrom: 2}
	launcher.onLaunch = func(p *fakeProc) { p.exit(errors.New("exit status 1")) }
	w := New(cfg, screenOf("x"), launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", got.outcome)
	}
	if !errors.Is(got.info.Err, ErrProcessCrash) || !errors.Is(got.info.Err, ErrSupervisionFailure) {
		t.Errorf("Err = %v, want ProcessCrash and SupervisionFailure", got.info.Err)
	}
}

func TestCompletionAfterAgentExit(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	launcher := &fakeLauncher{onLaunch: func(p *fakeProc) { p.exit(nil) }}
	w := New(cfg, screenOf("DONE"), launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if got := rec.wait(t); got.outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want SUCCEEDED", got.outcome)
	}
}

func TestStartupCaptureFailuresStall(t *testing.T) {
	rec := newRecorder()
	probeErr := errors.New("no display")
	screen := &fakeScreen{seq: []probeResult{
		{err: probeErr}, {err: probeErr}, {err: probeErr},
		{text: "a"}, {text: "DONE"},
	}}
	w := New(fastConfig(), screen, &fakeLauncher{}, &countingRecoverer{}, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)
	if got.outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s, want SUCCEEDED", got.outcome)
	}
	seq := rec.stateSeq()
	if len(seq) < 3 || seq[0] != StateStalled || seq[1] != StateRecovering || seq[2] != StateActive {
		t.Errorf("states = %v", seq)
	}
}

func TestCancelAbandons(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	launcher := &fakeLauncher{}
	w := New(cfg, screenOf("a"), launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Cancel("other"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Cancel(other) = %v, want ErrNoSession", err)
	}
	if err := w.Cancel("j1"); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeAbandoned {
		t.Fatalf("outcome = %s, want ABANDONED", got.outcome)
	}
	p := launcher.proc(0)
	if !p.wasTerminated() || p.grace != cfg.KillGrace {
		t.Errorf("process terminated=%v grace=%v", p.wasTerminated(), p.grace)
	}
}

func TestSingletonDesktop(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	launcher := &fakeLauncher{}
	w := New(cfg, screenOf("a"), launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Start(context.Background(), Handoff{JobID: "j2"}); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("second job: %v, want ErrResourceBusy", err)
	}
	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); !errors.Is(err, ErrAlreadySupervised) {
		t.Fatalf("same job: %v, want ErrAlreadySupervised", err)
	}
	if launcher.launches() != 1 {
		t.Fatalf("launches = %d, want 1", launcher.launches())
	}
	if info, ok := w.Session("j1"); !ok || info.State != StateStarting {
		t.Errorf("Session(j1) = %+v, %v", info, ok)
	}

	if err := w.Cancel("j1"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j2"}); err != nil {
		t.Fatalf("desktop not released: %v", err)
	}
	w.Cancel("j2")
	rec.wait(t)
}

func TestShutdownStopsSessions(t *testing.T) {
	cfg := fastConfig()
	cfg.StartupInterval = time.Hour
	rec := newRecorder()
	w := New(cfg, screenOf("a"), &fakeLauncher{}, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)
	if got.outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want FAILED", got.outcome)
	}
	if _, err := w.Start(context.Background(), Handoff{JobID: "j2"}); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}

func TestRelaunchStopsPreviousAgent(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRecoveryAttempts = 3
	rec := newRecorder()
	launcher := &fakeLauncher{}
	launcher.onLaunch = func(p *fakeProc) {
		if p.pid == 1001 {
			p.exit(errors.New("exit status 1"))
		}
	}
	// Relaunched agents never produce a readable screen.
	screen := &fakeScreen{seq: []probeResult{{text: "a"}, {err: errors.New("capture failed")}}}
	w := New(cfg, screen, launcher, nil, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", got.outcome)
	}
	if n := launcher.launches(); n != 4 {
		t.Fatalf("launches = %d, want 4", n)
	}
	launcher.mu.Lock()
	overlaps := launcher.overlaps
	launcher.mu.Unlock()
	if overlaps != 0 {
		t.Errorf("%d launches happened while another agent was running", overlaps)
	}
	for i := 1; i < 4; i++ {
		p := launcher.proc(i)
		if alive(p) {
			t.Errorf("pid %d still running after the session terminated", p.pid)
		}
		if !p.wasTerminated() {
			t.Errorf("pid %d was not terminated", p.pid)
		}
	}
}

func TestCrashLandmarkStallsChangingScreen(t *testing.T) {
	rec := newRecorder()
	rcv := &countingRecoverer{}
	w := New(fastConfig(), screenOf("a", "!not responding", "b", "DONE"), &fakeLauncher{}, rcv, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s (%s), want SUCCEEDED", got.outcome, got.info.Summary)
	}
	want := []State{StateActive, StateStalled, StateRecovering, StateActive, StateTerminated}
	seq := rec.stateSeq()
	if len(seq) != len(want) {
		t.Fatalf("states = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("states = %v, want %v", seq, want)
		}
	}
	rec.mu.Lock()
	stalled := rec.states[1]
	rec.mu.Unlock()
	// below the threshold of 2: the landmark alone stalls the session
	if stalled.StallCount != 1 {
		t.Errorf("StallCount at STALLED = %d, want 1", stalled.StallCount)
	}
	if rcv.count() != 1 {
		t.Errorf("recovery actions = %d, want 1", rcv.count())
	}
}

func TestLimitLandmarkPersistingFails(t *testing.T) {
	rec := newRecorder()
	rcv := &countingRecoverer{}
	w := New(fastConfig(), screenOf("a", "!usage limit", "!usage limit reached"), &fakeLauncher{}, rcv, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	got := rec.wait(t)

	if got.outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", got.outcome)
	}
	if !strings.Contains(got.info.Summary, "usage limit") {
		t.Errorf("Summary = %q, want the landmark", got.info.Summary)
	}
	if rcv.count() != 2 {
		t.Errorf("recovery actions = %d, want 2", rcv.count())
	}
}

// blockingRecoverer holds each recovery action until its context ends.
type blockingRecoverer struct {
	started  chan struct{}
	released chan error
}

func (r *blockingRecoverer) Recover(ctx context.Context, attempt int) error {
	r.started <- struct{}{}
	select {
	case <-ctx.Done():
		r.released <- ctx.Err()
		return ctx.Err()
	case <-time.After(time.Hour):
		return nil
	}
}

func TestCancelInterruptsRecoveryAction(t *testing.T) {
	rec := newRecorder()
	rcv := &blockingRecoverer{started: make(chan struct{}, 1), released: make(chan error, 1)}
	launcher := &fakeLauncher{}
	w := New(fastConfig(), screenOf("same"), launcher, rcv, rec)

	if _, err := w.Start(context.Background(), Handoff{JobID: "j1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rcv.started:
	case <-time.After(5 * time.Second):
		t.Fatal("recovery action never started")
	}
	if err := w.Cancel("j1"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-rcv.released:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("recovery context error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("recovery action not interrupted by cancel")
	}
	got := rec.wait(t)
	if got.outcome != OutcomeAbandoned {
		t.Fatalf("outcome = %s, want ABANDONED", got.outcome)
	}
	if !launcher.proc(0).wasTerminated() {
		t.Error("process not terminated")
	}
}
