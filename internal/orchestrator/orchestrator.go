// Package orchestrator is the single writer of the job store. It routes
// classified messages, commits onboarding drafts into jobs, hands jobs to the
// watchdog and records their outcomes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neboloop/foreman/internal/channels"
	"github.com/neboloop/foreman/internal/crashlog"
	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/intent"
	"github.com/neboloop/foreman/internal/lifecycle"
	"github.com/neboloop/foreman/internal/logging"
	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/watchdog"
	"github.com/neboloop/foreman/internal/wizard"
)

var (
	// ErrAlreadyDispatched is returned when a job is past QUEUED or already supervised.
	ErrAlreadyDispatched = errors.New("job already dispatched")
	// ErrJobNotFound is returned when no job of the owner matches.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotRunning is returned when cancelling a job that is not RUNNING.
	ErrNotRunning = errors.New("job is not running")
)

// Supervisor runs jobs on the desktop. *watchdog.Watchdog implements it.
type Supervisor interface {
	Start(ctx context.Context, h watchdog.Handoff) (watchdog.SessionInfo, error)
	Cancel(jobID string) error
	Busy() bool
	Session(jobID string) (watchdog.SessionInfo, bool)
}

// Notifier delivers messages that are not a reply to an inbound message.
type Notifier interface {
	Notify(ctx context.Context, msg channels.OutboundMessage) error
}

// Config holds orchestrator behaviour.
type Config struct {
	AutoDispatch  bool
	HistoryLimit  int
	LogRetention  time.Duration
	SweepSchedule string
	PruneSchedule string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets where owner notifications go.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSecretLookup overrides how env: references are resolved at handoff.
func WithSecretLookup(lookup func(string) (string, bool)) Option {
	return func(o *Orchestrator) { o.lookup = lookup }
}

// Orchestrator serializes every job store mutation behind mu.
type Orchestrator struct {
	mu sync.Mutex

	store      *db.Store
	wizard     *wizard.Machine
	plugins    *plugins.Host
	supervisor Supervisor
	notifier   Notifier
	cfg        Config
	lookup     func(string) (string, bool)
	now        func() time.Time

	cron *cronlib.Cron
}

// New creates an orchestrator. The supervisor's reporter must be set to the
// returned value.
func New(store *db.Store, machine *wizard.Machine, host *plugins.Host, supervisor Supervisor, cfg Config, opts ...Option) *Orchestrator {
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 10
	}
	o := &Orchestrator{
		store:      store,
		wizard:     machine,
		plugins:    host,
		supervisor: supervisor,
		cfg:        cfg,
		lookup:     os.LookupEnv,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start schedules the idle conversation sweep and command log retention.
func (o *Orchestrator) Start() error {
	c := cronlib.New()
	if o.cfg.SweepSchedule != "" {
		if _, err := c.AddFunc(o.cfg.SweepSchedule, o.runSweep); err != nil {
			return fmt.Errorf("schedule idle sweep %q: %w", o.cfg.SweepSchedule, err)
		}
	}
	if o.cfg.PruneSchedule != "" && o.cfg.LogRetention > 0 {
		if _, err := c.AddFunc(o.cfg.PruneSchedule, o.runPrune); err != nil {
			return fmt.Errorf("schedule log retention %q: %w", o.cfg.PruneSchedule, err)
		}
	}
	c.Start()
	o.cron = c
	return nil
}

// Stop waits for running scheduled jobs to finish.
func (o *Orchestrator) Stop() {
	if o.cron == nil {
		return
	}
	<-o.cron.Stop().Done()
}

func (o *Orchestrator) runSweep() {
	if n, err := o.SweepIdle(context.Background()); err != nil {
		logging.Errorf("[orchestrator] Idle sweep failed: %v", err)
	} else if n > 0 {
		logging.Infof("[orchestrator] Expired %d idle conversation(s)", n)
	}
}

func (o *Orchestrator) runPrune() {
	if n, err := o.PruneLogs(context.Background()); err != nil {
		logging.Errorf("[orchestrator] Command log retention failed: %v", err)
	} else if n > 0 {
		logging.Infof("[orchestrator] Pruned %d command log entries", n)
	}
}

// HandleMessage classifies and handles one inbound message and returns the
// reply. It never fails: errors become a human-readable reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg channels.InboundMessage) channels.OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	reply := func(text string) channels.OutboundMessage {
		return channels.OutboundMessage{Owner: msg.Owner, Text: text}
	}

	conv, err := o.activeConversation(ctx, msg.Owner)
	if err != nil {
		return reply(describeError(err))
	}

	in := intent.Classify(msg.Text, conv, o.registry().Triggers())
	resp, err := o.handle(ctx, msg.Owner, in, conv)
	text := resp.Text
	if err != nil {
		text = describeError(err)
		logging.Warnf("[orchestrator] %s from %s: %v", in.Kind, msg.Owner, err)
	}

	if logErr := o.store.AppendCommandLog(ctx, db.CommandLogEntry{
		Owner:    msg.Owner,
		Message:  msg.Text,
		Intent:   string(in.Kind),
		Response: text,
	}); logErr != nil {
		logging.Warnf("[orchestrator] Command log write failed: %v", logErr)
	}
	return reply(text)
}

// activeConversation loads the owner's conversation, expiring it when idle.
func (o *Orchestrator) activeConversation(ctx context.Context, owner string) (*wizard.Conversation, error) {
	row, err := o.store.GetConversation(ctx, owner)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv := fromRow(row)
	if o.wizard.Expired(conv, o.now()) {
		if _, err := o.store.DeleteConversation(ctx, owner); err != nil {
			return nil, err
		}
		logging.Infof("[orchestrator] Conversation of %s expired before its next answer", owner)
		return nil, nil
	}
	return conv, nil
}

func (o *Orchestrator) registry() *plugins.Registry {
	if o.plugins == nil {
		return nil
	}
	return o.plugins.Registry()
}

// CommitDraft turns a completed conversation into a DRAFT job and deletes
// the conversation. It is the only way a job is created; a conversation can
// be committed once.
func (o *Orchestrator) CommitDraft(ctx context.Context, conv *wizard.Conversation) (*db.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commitDraft(ctx, conv)
}

func (o *Orchestrator) commitDraft(ctx context.Context, conv *wizard.Conversation) (*db.Job, error) {
	if conv == nil || conv.Step != wizard.NumSteps() {
		return nil, fmt.Errorf("%w: conversation is not complete", wizard.ErrValidation)
	}
	draft := wizard.Draft(conv)
	job, err := o.store.CommitConversation(ctx, conv.Owner, conv.StartedAt, db.Payload{
		Name:        draft.Name,
		Description: draft.Description,
		Stack:       draft.Stack,
		MCP:         draft.MCP,
		MCPServers:  draft.MCPServers(),
	})
	if err != nil {
		return nil, err
	}

	logging.Infof("[orchestrator] Job %s created for %s: %s", shortID(job.ID), job.Owner, job.Payload.Name)
	lifecycle.Emit(lifecycle.EventJobCreated, jobEvent(job))
	return job, nil
}

// Dispatch hands a DRAFT or QUEUED job to the supervisor and marks it
// RUNNING. A busy desktop returns watchdog.ErrResourceBusy without touching
// the job. If the launch fails the job stays QUEUED.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) (*watchdog.SessionInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dispatch(ctx, jobID)
}

func (o *Orchestrator) dispatch(ctx context.Context, jobID string) (*watchdog.SessionInfo, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if job.Status != db.StatusDraft && job.Status != db.StatusQueued {
		return nil, fmt.Errorf("%w: job %s is %s", ErrAlreadyDispatched, shortID(job.ID), job.Status)
	}
	if _, live := o.supervisor.Session(job.ID); live {
		return nil, fmt.Errorf("%w: job %s is already supervised", ErrAlreadyDispatched, shortID(job.ID))
	}
	if o.supervisor.Busy() {
		return nil, watchdog.ErrResourceBusy
	}

	if job.Status == db.StatusDraft {
		if job, err = o.store.TransitionJob(ctx, job.ID, db.StatusDraft, db.StatusQueued, ""); err != nil {
			return nil, err
		}
	}

	handoff, err := o.handoff(job)
	if err != nil {
		return nil, err
	}

	info, err := o.supervisor.Start(ctx, handoff)
	if errors.Is(err, watchdog.ErrAlreadySupervised) {
		return nil, fmt.Errorf("%w: job %s is already supervised", ErrAlreadyDispatched, shortID(job.ID))
	}
	if err != nil {
		crashlog.LogError("orchestrator", err, map[string]string{"job_id": job.ID, "op": "dispatch"})
		return nil, fmt.Errorf("launch agent: %w", err)
	}

	if _, err := o.store.TransitionJob(ctx, job.ID, db.StatusQueued, db.StatusRunning, ""); err != nil {
		// the session would otherwise run unrecorded
		if cerr := o.supervisor.Cancel(job.ID); cerr != nil {
			logging.Errorf("[orchestrator] Cancel of unrecorded session for %s failed: %v", job.ID, cerr)
		}
		return nil, err
	}

	logging.Infof("[orchestrator] Job %s dispatched (session %s)", shortID(job.ID), shortID(info.ID))
	lifecycle.Emit(lifecycle.EventJobDispatched, jobEvent(job))
	return &info, nil
}

// handoff resolves the job's MCP servers. Secrets are read here and never
// written back to the job.
func (o *Orchestrator) handoff(job *db.Job) (watchdog.Handoff, error) {
	h := watchdog.Handoff{
		JobID:       job.ID,
		Owner:       job.Owner,
		Name:        job.Payload.Name,
		Description: job.Payload.Description,
		Stack:       job.Payload.Stack,
	}
	if len(job.Payload.MCPServers) == 0 {
		return h, nil
	}
	reg := o.registry()
	if reg == nil {
		return h, fmt.Errorf("no plugin registry to resolve MCP servers")
	}
	for _, name := range job.Payload.MCPServers {
		desc, ok := reg.ResolveCapability(name)
		if !ok {
			return h, fmt.Errorf("unknown MCP server %q", name)
		}
		env, err := desc.ResolveConfig(o.lookup)
		if err != nil {
			return h, err
		}
		h.MCPServers = append(h.MCPServers, watchdog.MCPServer{
			Name:      desc.Name,
			Transport: desc.Handler,
			Command:   desc.Command,
			Args:      desc.Args,
			URL:       desc.URL,
			Env:       env,
		})
	}
	return h, nil
}

// OnSessionState publishes a watchdog state change. It takes no lock: the
// watchdog may report while Dispatch holds it.
func (o *Orchestrator) OnSessionState(ctx context.Context, info watchdog.SessionInfo) {
	lifecycle.Emit(lifecycle.EventSessionState, lifecycle.SessionEventData{
		SessionID:        info.ID,
		JobID:            info.JobID,
		State:            string(info.State),
		StallCount:       info.StallCount,
		RecoveryAttempts: info.RecoveryAttempts,
	})
	if info.State == watchdog.StateStalled {
		o.notify(ctx, info.Owner, fmt.Sprintf("Job %s stalled; attempting recovery.", shortID(info.JobID)))
	}
}

// OnSessionTerminal records a session outcome on its RUNNING job. A report
// for a job that is already terminal is logged and ignored.
func (o *Orchestrator) OnSessionTerminal(ctx context.Context, info watchdog.SessionInfo, outcome watchdog.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	to := statusFor(outcome)
	job, err := o.store.GetJob(ctx, info.JobID)
	if err != nil {
		crashlog.LogError("orchestrator", fmt.Errorf("load job for terminal report: %w", err), map[string]string{"job_id": info.JobID})
		return
	}
	if job.Status.Terminal() {
		logging.Warnf("[orchestrator] Ignoring %s report for job %s: already %s", outcome, shortID(job.ID), job.Status)
		return
	}

	job, err = o.store.TransitionJob(ctx, job.ID, db.StatusRunning, to, info.Summary)
	if err != nil {
		crashlog.LogError("orchestrator", fmt.Errorf("record %s: %w", outcome, err), map[string]string{"job_id": info.JobID})
		return
	}

	logging.Infof("[orchestrator] Job %s finished: %s (%s)", shortID(job.ID), job.Status, job.Summary)
	lifecycle.Emit(lifecycle.EventJobFinished, jobEvent(job))
	o.notify(ctx, job.Owner, fmt.Sprintf("Job %s (%s) %s: %s", job.Payload.Name, shortID(job.ID), job.Status, job.Summary))
}

func statusFor(outcome watchdog.Outcome) db.JobStatus {
	switch outcome {
	case watchdog.OutcomeSucceeded:
		return db.StatusSucceeded
	case watchdog.OutcomeAbandoned:
		return db.StatusAbandoned
	default:
		return db.StatusFailed
	}
}

// Cancel stops the owner's RUNNING job. The outcome arrives through
// OnSessionTerminal; a RUNNING job without a live session is abandoned here.
func (o *Orchestrator) Cancel(ctx context.Context, owner, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && job.Owner != owner) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return o.cancel(ctx, job)
}

func (o *Orchestrator) cancel(ctx context.Context, job *db.Job) error {
	if job.Status != db.StatusRunning {
		return fmt.Errorf("%w: job %s is %s", ErrNotRunning, shortID(job.ID), job.Status)
	}
	err := o.supervisor.Cancel(job.ID)
	if !errors.Is(err, watchdog.ErrNoSession) {
		return err
	}

	job, err = o.store.TransitionJob(ctx, job.ID, db.StatusRunning, db.StatusAbandoned, "cancelled by owner")
	if err != nil {
		return err
	}
	lifecycle.Emit(lifecycle.EventJobFinished, jobEvent(job))
	return nil
}

// Recover fails RUNNING jobs that have no live session, which happens when
// the process restarted while they ran.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	jobs, err := o.store.ListJobsByStatus(ctx, db.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if _, live := o.supervisor.Session(job.ID); live {
			continue
		}
		job, err := o.store.TransitionJob(ctx, job.ID, db.StatusRunning, db.StatusFailed, "supervisor restarted while the job was running")
		if err != nil {
			return n, err
		}
		n++
		logging.Warnf("[orchestrator] Job %s was RUNNING at startup; marked FAILED", shortID(job.ID))
		lifecycle.Emit(lifecycle.EventJobFinished, jobEvent(job))
		o.notify(ctx, job.Owner, fmt.Sprintf("Job %s (%s) FAILED: %s", job.Payload.Name, shortID(job.ID), job.Summary))
	}
	return n, nil
}

// SweepIdle deletes conversations with no answer within the idle timeout.
// No job is created for them.
func (o *Orchestrator) SweepIdle(ctx context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idle, err := o.store.ListIdleConversations(ctx, o.now().Add(-o.wizard.IdleTimeout()))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, conv := range idle {
		deleted, err := o.store.DeleteConversation(ctx, conv.Owner)
		if err != nil {
			return n, err
		}
		if !deleted {
			continue
		}
		n++
		o.notify(ctx, conv.Owner, fmt.Sprintf("Project setup expired after %s without an answer. No job was created; say \"start project\" to begin again.", o.wizard.IdleTimeout()))
	}
	return n, nil
}

// PruneLogs deletes command log entries older than the retention window.
func (o *Orchestrator) PruneLogs(ctx context.Context) (int64, error) {
	if o.cfg.LogRetention <= 0 {
		return 0, nil
	}
	return o.store.PruneCommandLog(ctx, o.now().Add(-o.cfg.LogRetention))
}

func (o *Orchestrator) notify(ctx context.Context, owner, text string) {
	if o.notifier == nil || owner == "" {
		return
	}
	if err := o.notifier.Notify(ctx, channels.OutboundMessage{Owner: owner, Text: text}); err != nil {
		logging.Debugf("[orchestrator] Notify %s: %v", owner, err)
	}
}

func jobEvent(job *db.Job) lifecycle.JobEventData {
	return lifecycle.JobEventData{
		JobID:   job.ID,
		Owner:   job.Owner,
		Status:  string(job.Status),
		Summary: job.Summary,
		At:      job.UpdatedAt,
	}
}

func fromRow(c *db.Conversation) *wizard.Conversation {
	return &wizard.Conversation{
		Owner:     c.Owner,
		Step:      c.Step,
		Answers:   c.Answers,
		StartedAt: c.StartedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toRow(c *wizard.Conversation) *db.Conversation {
	return &db.Conversation{
		Owner:     c.Owner,
		Step:      c.Step,
		Answers:   c.Answers,
		StartedAt: c.StartedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
