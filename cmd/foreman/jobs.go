package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/foreman/internal/credential"
	"github.com/neboloop/foreman/internal/db"
	"github.com/neboloop/foreman/internal/defaults"
)

// JobsCmd creates the jobs inspection command
func JobsCmd() *cobra.Command {
	var owner string
	var status string
	var limit, logLimit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect founder jobs",
		Long: `Read-only views of the job store. Safe to run while the server is up.

Examples:
  foreman jobs list --owner alice
  foreman jobs list --status RUNNING,QUEUED
  foreman jobs show 3f2a9c1e --owner alice
  foreman jobs events <job-id>
  foreman jobs log --owner alice
  foreman jobs errors`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *db.Store) error {
				jobs, err := listJobs(ctx, store, owner, status, limit)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No jobs.")
					return nil
				}
				for _, j := range jobs {
					fmt.Printf("%-36s  %-9s  %-12s  %-24s  %s\n", j.ID, j.Status, j.Owner, j.Payload.Name, j.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "only jobs of this owner")
	list.Flags().StringVar(&status, "status", "", "comma-separated statuses")
	list.Flags().IntVar(&limit, "limit", 50, "maximum jobs to show (0 for all)")

	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *db.Store) error {
				j, err := lookupJob(ctx, store, owner, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("ID:          %s\n", j.ID)
				fmt.Printf("Owner:       %s\n", j.Owner)
				fmt.Printf("Status:      %s\n", j.Status)
				fmt.Printf("Name:        %s\n", j.Payload.Name)
				fmt.Printf("Description: %s\n", j.Payload.Description)
				fmt.Printf("Stack:       %s\n", j.Payload.Stack)
				fmt.Printf("MCP:         %s\n", j.Payload.MCP)
				if j.Summary != "" {
					fmt.Printf("Summary:     %s\n", j.Summary)
				}
				fmt.Printf("Created:     %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
				if j.CompletedAt != nil {
					fmt.Printf("Completed:   %s\n", j.CompletedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
	show.Flags().StringVar(&owner, "owner", "", "owner, to resolve an id prefix")

	events := &cobra.Command{
		Use:   "events <job-id>",
		Short: "Show a job's status transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *db.Store) error {
				j, err := lookupJob(ctx, store, owner, args[0])
				if err != nil {
					return err
				}
				evs, err := store.JobEvents(ctx, j.ID)
				if err != nil {
					return err
				}
				for _, e := range evs {
					from := string(e.From)
					if from == "" {
						from = "-"
					}
					fmt.Printf("%s  %-9s -> %-9s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), from, e.To, e.Note)
				}
				return nil
			})
		},
	}
	events.Flags().StringVar(&owner, "owner", "", "owner, to resolve an id prefix")

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show an owner's recent commands and replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			return withKeyedStore(cmd.Context(), func(ctx context.Context, store *db.Store) error {
				entries, err := store.ListCommandLog(ctx, owner, logLimit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Println("No commands.")
					return nil
				}
				for _, e := range entries {
					fmt.Printf("%s  [%s] > %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Intent, e.Message)
					for _, line := range strings.Split(e.Response, "\n") {
						fmt.Printf("    %s\n", line)
					}
				}
				return nil
			})
		},
	}
	logCmd.Flags().StringVar(&owner, "owner", "", "owner whose commands to show")
	logCmd.Flags().IntVar(&logLimit, "limit", 20, "maximum entries to show (0 for all)")

	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recorded panics and errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *db.Store) error {
				logs, err := store.ListErrorLogs(ctx, logLimit)
				if err != nil {
					return err
				}
				if len(logs) == 0 {
					fmt.Println("No errors recorded.")
					return nil
				}
				for _, e := range logs {
					fmt.Printf("%s  %-5s  %-12s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Module, e.Message)
					if e.Context != "" {
						fmt.Printf("    %s\n", e.Context)
					}
				}
				return nil
			})
		},
	}
	errorsCmd.Flags().IntVar(&logLimit, "limit", 20, "maximum entries to show (0 for all)")

	cmd.AddCommand(list, show, events, logCmd, errorsCmd)
	return cmd
}

func withStore(ctx context.Context, fn func(ctx context.Context, store *db.Store) error) error {
	c, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

// withKeyedStore is withStore for reads of encrypted columns.
func withKeyedStore(ctx context.Context, fn func(ctx context.Context, store *db.Store) error) error {
	dataDir, err := defaults.DataDir()
	if err != nil {
		return err
	}
	key, err := credential.LoadKey(dataDir)
	if err != nil {
		return fmt.Errorf("load encryption key: %w", err)
	}
	credential.Init(key)
	return withStore(ctx, fn)
}

var allStatuses = []db.JobStatus{
	db.StatusDraft, db.StatusQueued, db.StatusRunning,
	db.StatusSucceeded, db.StatusFailed, db.StatusAbandoned,
}

func parseStatuses(s string) ([]db.JobStatus, error) {
	if strings.TrimSpace(s) == "" {
		return allStatuses, nil
	}
	var out []db.JobStatus
	for _, part := range strings.Split(s, ",") {
		st := db.JobStatus(strings.ToUpper(strings.TrimSpace(part)))
		valid := false
		for _, known := range allStatuses {
			if st == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func listJobs(ctx context.Context, store *db.Store, owner, status string, limit int) ([]*db.Job, error) {
	statuses, err := parseStatuses(status)
	if err != nil {
		return nil, err
	}
	var jobs []*db.Job
	if owner != "" {
		jobs, err = store.ListOwnerJobsByStatus(ctx, owner, statuses...)
	} else {
		jobs, err = store.ListJobsByStatus(ctx, statuses...)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[len(jobs)-limit:]
	}
	return jobs, nil
}

func lookupJob(ctx context.Context, store *db.Store, owner, ref string) (*db.Job, error) {
	j, err := store.GetJob(ctx, ref)
	if errors.Is(err, db.ErrNotFound) && owner != "" {
		j, err = store.FindJobByPrefix(ctx, owner, ref)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("job %s not found", ref)
	}
	return j, err
}
