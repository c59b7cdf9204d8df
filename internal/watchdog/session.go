package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neboloop/foreman/internal/crashlog"
	"github.com/neboloop/foreman/internal/logging"
)

type session struct {
	w       *Watchdog
	jobID   string
	handoff Handoff

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	mu   sync.Mutex // guards info and proc
	info SessionInfo
	proc Process

	// supervision loop state, owned by the session goroutine
	prev     Snapshot
	havePrev bool
}

// verdict is a terminal decision of the supervision loop.
type verdict struct {
	outcome Outcome
	summary string
	err     error
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *session) update(fn func(*SessionInfo)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}

func (s *session) setState(ctx context.Context, st State) {
	s.update(func(i *SessionInfo) { i.State = st })
	info := s.snapshot()
	logging.Infof("[watchdog] Job %s: %s (stalls=%d, recoveries=%d)", s.jobID, st, info.StallCount, info.RecoveryAttempts)
	if s.w.reporter != nil {
		s.w.reporter.OnSessionState(ctx, info)
	}
}

func (s *session) markActivity(cur Snapshot) {
	s.prev, s.havePrev = cur, true
	now := s.w.now()
	s.update(func(i *SessionInfo) {
		i.StallCount = 0
		i.LastActivity = now
	})
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	v := s.supervise(ctx)
	s.finish(context.WithoutCancel(ctx), v)
}

func (s *session) supervise(ctx context.Context) (v verdict) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("watchdog", r, map[string]string{"job_id": s.jobID})
			v = verdict{OutcomeFailed, fmt.Sprintf("supervisor panic: %v", r), ErrSupervisionFailure}
		}
	}()

	cfg := s.w.cfg
	screen := s.w.screen
	startupFailures := 0

	for {
		state := s.snapshot().State
		interval := cfg.ProbeInterval
		if state == StateStarting {
			interval = cfg.StartupInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-s.cancelCh:
			timer.Stop()
			return verdict{OutcomeAbandoned, "cancelled by owner", nil}
		case <-ctx.Done():
			timer.Stop()
			return verdict{OutcomeFailed, "supervisor stopped", fmt.Errorf("%w: %v", ErrSupervisionFailure, ctx.Err())}
		case <-s.process().Done():
			timer.Stop()
			// the agent may have exited after finishing
			if cur, err := screen.Probe(ctx); err == nil && screen.Completed(cur) {
				return verdict{OutcomeSucceeded, "completion landmark detected after agent exit", nil}
			}
			cause := fmt.Errorf("%w: %s", ErrProcessCrash, exitDescription(s.process().Err()))
			logging.Warnf("[watchdog] Job %s: %v", s.jobID, cause)
			s.setState(ctx, StateStalled)
			if done, v := s.recoverLoop(ctx, true, cause); done {
				return v
			}
			continue
		case <-timer.C:
		}

		cur, err := screen.Probe(ctx)
		if err == nil {
			if landmark, ok := screen.Stalled(cur); ok {
				s.update(func(i *SessionInfo) { i.StallCount++ })
				// the landmark going away is the progress signal
				s.havePrev = false
				logging.Warnf("[watchdog] Job %s: screen shows %q", s.jobID, landmark)
				s.setState(ctx, StateStalled)
				if done, v := s.recoverLoop(ctx, false, fmt.Errorf("screen shows %q", landmark)); done {
					return v
				}
				continue
			}
			if screen.Completed(cur) {
				return verdict{OutcomeSucceeded, "completion landmark detected", nil}
			}
		}

		switch state {
		case StateStarting:
			if err != nil {
				startupFailures++
				logging.Warnf("[watchdog] Job %s: startup probe %d/%d failed: %v", s.jobID, startupFailures, cfg.StartupProbes, err)
				if startupFailures < cfg.StartupProbes {
					continue
				}
				s.setState(ctx, StateStalled)
				if done, v := s.recoverLoop(ctx, false, errors.New("agent never produced a readable screen")); done {
					return v
				}
				continue
			}
			s.markActivity(cur)
			s.setState(ctx, StateActive)

		case StateActive:
			if err == nil && (!s.havePrev || screen.Changed(s.prev, cur)) {
				s.markActivity(cur)
				continue
			}
			if err != nil {
				logging.Warnf("[watchdog] Job %s: probe failed: %v", s.jobID, err)
			}
			var stalls int
			s.update(func(i *SessionInfo) {
				i.StallCount++
				stalls = i.StallCount
			})
			if stalls < cfg.StallThreshold {
				continue
			}
			s.setState(ctx, StateStalled)
			if done, v := s.recoverLoop(ctx, false, fmt.Errorf("no screen change across %d probes", stalls)); done {
				return v
			}
		}
	}
}

// recoverLoop runs up to MaxRecoveryAttempts recovery actions, each followed
// by one probe. After a crash every attempt relaunches the agent. It returns
// done=false once the session is ACTIVE again.
func (s *session) recoverLoop(ctx context.Context, crashed bool, cause error) (bool, verdict) {
	cfg := s.w.cfg
	screen := s.w.screen

	// Recovery actions and relaunches stop as soon as the owner cancels.
	actx, stop := s.cancelable(ctx)
	defer stop()

	for attempt := 1; attempt <= cfg.MaxRecoveryAttempts; attempt++ {
		select {
		case <-s.cancelCh:
			return true, verdict{OutcomeAbandoned, "cancelled by owner", nil}
		default:
		}
		s.update(func(i *SessionInfo) { i.RecoveryAttempts++ })
		s.setState(ctx, StateRecovering)

		relaunched := false
		if crashed {
			// The desktop runs one agent at a time; a relaunch that never
			// became readable is stopped before the next one starts.
			if prev := s.process(); prev != nil && alive(prev) {
				if err := prev.Terminate(cfg.KillGrace); err != nil {
					logging.Warnf("[watchdog] Job %s: terminate pid %d: %v", s.jobID, prev.Pid(), err)
				}
			}
			proc, err := s.w.launcher.Launch(actx, s.handoff)
			if err != nil {
				logging.Warnf("[watchdog] Job %s: relaunch attempt %d failed: %v", s.jobID, attempt, err)
				continue
			}
			s.mu.Lock()
			s.proc = proc
			s.info.Pid = proc.Pid()
			s.mu.Unlock()
			relaunched = true
		} else if s.w.recoverer != nil {
			if err := s.w.recoverer.Recover(actx, attempt); err != nil {
				logging.Warnf("[watchdog] Job %s: recovery action %d failed: %v", s.jobID, attempt, err)
			}
		}

		settle := time.NewTimer(cfg.RecoverySettle)
		select {
		case <-s.cancelCh:
			settle.Stop()
			return true, verdict{OutcomeAbandoned, "cancelled by owner", nil}
		case <-ctx.Done():
			settle.Stop()
			return true, verdict{OutcomeFailed, "supervisor stopped", fmt.Errorf("%w: %v", ErrSupervisionFailure, ctx.Err())}
		case <-s.process().Done():
			settle.Stop()
			crashed = true
			cause = fmt.Errorf("%w: %s", ErrProcessCrash, exitDescription(s.process().Err()))
			logging.Warnf("[watchdog] Job %s: %v during recovery", s.jobID, cause)
			continue
		case <-settle.C:
		}

		cur, err := screen.Probe(actx)
		if err != nil {
			logging.Warnf("[watchdog] Job %s: recovery probe %d failed: %v", s.jobID, attempt, err)
			continue
		}
		if landmark, ok := screen.Stalled(cur); ok {
			logging.Warnf("[watchdog] Job %s: screen still shows %q after recovery %d", s.jobID, landmark, attempt)
			continue
		}
		if screen.Completed(cur) {
			return true, verdict{OutcomeSucceeded, "completion landmark detected", nil}
		}
		if relaunched || !s.havePrev || screen.Changed(s.prev, cur) {
			s.markActivity(cur)
			s.setState(ctx, StateActive)
			return false, verdict{}
		}
	}

	summary := fmt.Sprintf("%v; %d recovery attempts exhausted", cause, cfg.MaxRecoveryAttempts)
	return true, verdict{OutcomeFailed, summary, fmt.Errorf("%w: %w", ErrSupervisionFailure, cause)}
}

// cancelable derives a context that is also cancelled when the owner
// cancels the session.
func (s *session) cancelable(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.cancelCh:
			cancel()
		case <-cctx.Done():
		}
	}()
	return cctx, cancel
}

func (s *session) finish(ctx context.Context, v verdict) {
	if proc := s.process(); proc != nil && alive(proc) {
		if err := proc.Terminate(s.w.cfg.KillGrace); err != nil {
			logging.Warnf("[watchdog] Job %s: terminate pid %d: %v", s.jobID, proc.Pid(), err)
		}
	}

	s.update(func(i *SessionInfo) {
		i.State = StateTerminated
		i.Outcome = v.outcome
		i.Summary = v.summary
		i.Err = v.err
	})
	s.w.release(s)

	info := s.snapshot()
	logging.Infof("[watchdog] Job %s: TERMINATED %s: %s", s.jobID, v.outcome, v.summary)
	if s.w.reporter != nil {
		s.w.reporter.OnSessionState(ctx, info)
		s.w.reporter.OnSessionTerminal(ctx, info, v.outcome)
	}
}

func alive(p Process) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exited with status 0 before completion"
	}
	return err.Error()
}
