package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/intent"
	"github.com/neboloop/foreman/internal/logging"
	"github.com/neboloop/foreman/internal/plugins"
	"github.com/neboloop/foreman/internal/watchdog"
	"github.com/neboloop/foreman/internal/wizard"
)

// Response is the reply to one command.
type Response struct {
	Text string
	// Job is the job the command created or acted on, if any.
	Job *db.Job
}

// HandleCommand runs one classified intent for owner.
func (o *Orchestrator) HandleCommand(ctx context.Context, owner string, in intent.Intent) (Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	conv, err := o.activeConversation(ctx, owner)
	if err != nil {
		return Response{}, err
	}
	return o.handle(ctx, owner, in, conv)
}

func (o *Orchestrator) handle(ctx context.Context, owner string, in intent.Intent, conv *wizard.Conversation) (Response, error) {
	switch in.Kind {
	case intent.KindWizardStep:
		return o.wizardStep(ctx, conv, in.Args)
	case intent.KindStartProject:
		return o.startProject(ctx, owner, conv)
	case intent.KindStatus:
		return o.status(ctx, owner)
	case intent.KindInbox:
		return o.inbox(ctx, owner)
	case intent.KindJobHistory:
		return o.history(ctx, owner)
	case intent.KindDispatch:
		return o.dispatchCommand(ctx, owner, in.Args)
	case intent.KindCancel:
		return o.cancelCommand(ctx, owner, in.Args)
	case intent.KindHelp:
		return Response{Text: o.helpText()}, nil
	case intent.KindSkill:
		return o.runSkill(ctx, owner, in)
	default:
		return Response{Text: "I didn't understand that. Say \"help\" to see what I can do."}, nil
	}
}

func (o *Orchestrator) startProject(ctx context.Context, owner string, conv *wizard.Conversation) (Response, error) {
	if conv.MidWizard() {
		return Response{Text: "You already have a project in progress.\n" + o.wizard.Prompt(conv)}, nil
	}
	conv, prompt := o.wizard.Start(owner, o.now())
	if err := o.store.SaveConversation(ctx, toRow(conv)); err != nil {
		return Response{}, err
	}
	logging.Infof("[orchestrator] Onboarding started for %s", owner)
	return Response{Text: fmt.Sprintf("Let's set up a new project (%d questions, say \"cancel\" to stop).\n%s", wizard.NumSteps(), prompt)}, nil
}

func (o *Orchestrator) wizardStep(ctx context.Context, conv *wizard.Conversation, answer string) (Response, error) {
	out, err := o.wizard.Advance(conv, answer, o.now())
	var verr *wizard.ValidationError
	if errors.As(err, &verr) {
		return Response{Text: fmt.Sprintf("That doesn't work: %s.\n%s", verr.Reason, verr.Prompt)}, nil
	}
	if err != nil {
		return Response{}, err
	}

	switch out.Status {
	case wizard.StatusAbandoned:
		if _, err := o.store.DeleteConversation(ctx, conv.Owner); err != nil {
			return Response{}, err
		}
		return Response{Text: "Project setup cancelled. No job was created."}, nil

	case wizard.StatusInProgress:
		if err := o.store.SaveConversation(ctx, toRow(out.Conversation)); err != nil {
			return Response{}, err
		}
		return Response{Text: out.Prompt}, nil
	}

	job, err := o.commitDraft(ctx, out.Conversation)
	if err != nil {
		return Response{}, err
	}
	text := fmt.Sprintf("Job %s created for %q (DRAFT).", shortID(job.ID), job.Payload.Name)
	if !o.cfg.AutoDispatch {
		return Response{Text: text + fmt.Sprintf(" Say \"dispatch %s\" to start it.", shortID(job.ID)), Job: job}, nil
	}

	if _, err := o.dispatch(ctx, job.ID); err != nil {
		logging.Infof("[orchestrator] Auto-dispatch of %s deferred: %v", shortID(job.ID), err)
		return Response{Text: text + " " + describeError(err) + fmt.Sprintf(" It waits in your inbox; say \"dispatch %s\" later.", shortID(job.ID)), Job: job}, nil
	}
	return Response{Text: text + " The build agent has started; I'll tell you when it finishes.", Job: job}, nil
}

func (o *Orchestrator) status(ctx context.Context, owner string) (Response, error) {
	jobs, err := o.store.ListJobsByOwner(ctx, owner, o.cfg.HistoryLimit)
	if err != nil {
		return Response{}, err
	}
	// RUNNING first, then updated_at desc as returned by the store
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].Status == db.StatusRunning && jobs[j].Status != db.StatusRunning
	})

	if len(jobs) == 0 {
		return Response{Text: "No jobs yet. Say \"start project\" to create one."}, nil
	}

	var sb strings.Builder
	sb.WriteString("Status:")
	for _, job := range jobs {
		sb.WriteString("\n")
		sb.WriteString(o.jobLine(job))
		if job.Status != db.StatusRunning {
			continue
		}
		if info, ok := o.supervisor.Session(job.ID); ok {
			fmt.Fprintf(&sb, "\n    agent %s, last activity %s ago, stalls %d, recoveries %d",
				info.State, o.now().Sub(info.LastActivity).Round(time.Second), info.StallCount, info.RecoveryAttempts)
		}
	}
	return Response{Text: sb.String()}, nil
}

func (o *Orchestrator) inbox(ctx context.Context, owner string) (Response, error) {
	jobs, err := o.store.ListOwnerJobsByStatus(ctx, owner, db.StatusDraft, db.StatusQueued)
	if err != nil {
		return Response{}, err
	}
	if len(jobs) == 0 {
		return Response{Text: "Your inbox is empty."}, nil
	}
	var sb strings.Builder
	sb.WriteString("Inbox:")
	for _, job := range jobs {
		sb.WriteString("\n")
		sb.WriteString(o.jobLine(job))
	}
	return Response{Text: sb.String()}, nil
}

func (o *Orchestrator) history(ctx context.Context, owner string) (Response, error) {
	jobs, err := o.store.TerminalJobs(ctx, owner, o.cfg.HistoryLimit)
	if err != nil {
		return Response{}, err
	}
	if len(jobs) == 0 {
		return Response{Text: "No finished jobs yet."}, nil
	}
	var sb strings.Builder
	sb.WriteString("Job history:")
	for _, job := range jobs {
		sb.WriteString("\n")
		sb.WriteString(o.jobLine(job))
		if job.Summary != "" {
			sb.WriteString(": ")
			sb.WriteString(job.Summary)
		}
	}
	return Response{Text: sb.String()}, nil
}

func (o *Orchestrator) jobLine(job *db.Job) string {
	line := fmt.Sprintf("- [%s] %s %s (%s)", job.Status, shortID(job.ID), job.Payload.Name, job.Payload.Stack)
	if job.CompletedAt != nil {
		line += " finished " + job.CompletedAt.Format("2006-01-02 15:04")
	}
	return line
}

// findJob resolves a job id or id prefix of owner. An empty ref picks the
// owner's oldest job in one of the fallback statuses.
func (o *Orchestrator) findJob(ctx context.Context, owner, ref string, fallback ...db.JobStatus) (*db.Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		jobs, err := o.store.ListOwnerJobsByStatus(ctx, owner, fallback...)
		if err != nil {
			return nil, err
		}
		if len(jobs) == 0 {
			return nil, ErrJobNotFound
		}
		return jobs[0], nil
	}
	job, err := o.store.FindJobByPrefix(ctx, owner, strings.Fields(ref)[0])
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (o *Orchestrator) dispatchCommand(ctx context.Context, owner, ref string) (Response, error) {
	job, err := o.findJob(ctx, owner, ref, db.StatusQueued, db.StatusDraft)
	if err != nil {
		return Response{}, err
	}
	if _, err := o.dispatch(ctx, job.ID); err != nil {
		return Response{Job: job}, err
	}
	return Response{Text: fmt.Sprintf("Job %s dispatched; the build agent has started.", shortID(job.ID)), Job: job}, nil
}

func (o *Orchestrator) cancelCommand(ctx context.Context, owner, ref string) (Response, error) {
	job, err := o.findJob(ctx, owner, ref, db.StatusRunning)
	if err != nil {
		return Response{}, err
	}
	if err := o.cancel(ctx, job); err != nil {
		return Response{Job: job}, err
	}
	return Response{Text: fmt.Sprintf("Cancelling job %s; the agent is being stopped.", shortID(job.ID)), Job: job}, nil
}

func (o *Orchestrator) runSkill(ctx context.Context, owner string, in intent.Intent) (Response, error) {
	reg := o.registry()
	if reg == nil {
		return Response{}, fmt.Errorf("skill %q: %w", in.Skill, plugins.ErrUnknownHandler)
	}
	handler, desc, ok := reg.Resolve(in.Skill)
	if !ok {
		return Response{}, fmt.Errorf("skill %q: %w", in.Skill, plugins.ErrUnknownHandler)
	}
	text, err := handler(ctx, plugins.Request{Owner: owner, Args: in.Args, Skill: desc})
	if err != nil {
		return Response{}, fmt.Errorf("skill %s: %w", desc.Name, err)
	}
	return Response{Text: text}, nil
}

func (o *Orchestrator) helpText() string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	sb.WriteString("- start project: set up a new job\n")
	sb.WriteString("- status: running and recent jobs\n")
	sb.WriteString("- inbox: jobs waiting to run\n")
	sb.WriteString("- job history: finished jobs\n")
	sb.WriteString("- dispatch <job>: start a waiting job\n")
	sb.WriteString("- cancel job <job>: stop a running job")
	if reg := o.registry(); reg != nil {
		for _, s := range reg.Skills() {
			fmt.Fprintf(&sb, "\n- %s: %s", strings.Join(s.Intents, ", "), s.Description)
		}
	}
	return sb.String()
}

// describeError is the owner-facing reason for a failed command.
func describeError(err error) string {
	var dup *plugins.DuplicateRegistrationError
	switch {
	case errors.Is(err, watchdog.ErrResourceBusy):
		return "The desktop is busy with another job."
	case errors.Is(err, ErrAlreadyDispatched):
		return "That job has already been dispatched."
	case errors.Is(err, ErrJobNotFound):
		return "I couldn't find that job."
	case errors.Is(err, ErrNotRunning):
		return "That job isn't running."
	case errors.Is(err, plugins.ErrMissingSecret):
		return fmt.Sprintf("A required secret is missing: %v.", err)
	case errors.Is(err, db.ErrConversationConsumed):
		return "That project was already submitted."
	case errors.Is(err, db.ErrStoreUnavailable):
		return "Storage is unavailable right now, so the command did not complete. Please try again."
	case errors.As(err, &dup):
		return fmt.Sprintf("Plugin %q is registered twice.", dup.Name)
	case errors.Is(err, plugins.ErrUnknownHandler):
		return "That skill is not available."
	default:
		return fmt.Sprintf("Something went wrong: %v.", err)
	}
}
