package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/edvin/backupd/internal/db"
	"github.com/edvin/backupd/internal/housekeeping"
	"github.com/edvin/backupd/internal/model"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()
		if err := db.RunMigrations(e.cfg.DatabaseURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var (
	enqueuePayload     string
	enqueueQueue       string
	enqueueMaxAttempts int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Queue a job with a JSON payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(enqueuePayload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		e, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		id, err := e.queue.Enqueue(cmd.Context(), args[0], json.RawMessage(enqueuePayload), enqueueQueue, enqueueMaxAttempts)
		if id == "" {
			return err
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: job stored but not pushed, reconcile will pick it up: %v\n", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control jobs",
}

// jobView is the printed form of a job, with its payload decoded.
type jobView struct {
	model.Job `yaml:",inline"`
	Payload   map[string]any     `yaml:"payload,omitempty"`
	Live      *model.JobProgress `yaml:"live_progress,omitempty"`
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print a job and its live progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		job, err := e.jobs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		view := jobView{Job: *job}
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &view.Payload); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		if !job.Finished() {
			if view.Live, err = e.queue.Progress(cmd.Context(), job.ID); err != nil {
				return err
			}
		}
		return printYAML(cmd.OutOrStdout(), view)
	},
}

var (
	jobListStatus string
	jobListLimit  int
)

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		jobs, err := e.jobs.List(cmd.Context(), jobListStatus, jobListLimit)
		if err != nil {
			return err
		}
		return printYAML(cmd.OutOrStdout(), jobs)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: "Cancel marks the job cancelled. A running handler is not interrupted; " +
		"its final status update is rejected.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		ok, err := e.queue.MarkCancelled(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s is not pending or running", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
		return nil
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Return a failed job to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		ok, err := e.queue.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s is not failed or has no attempts left", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s queued for retry\n", args[0])
		return nil
	},
}

var reconcileOlderThan time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Push again the ids of jobs stuck in pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.queue.Reconcile(cmd.Context(), reconcileOlderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "re-pushed %d jobs\n", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "{}", "job payload as JSON")
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", model.QueueDefault, "queue name")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "attempt limit (0 uses DEFAULT_MAX_ATTEMPTS)")

	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "only jobs in this status")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 50, "maximum number of jobs")

	reconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", housekeeping.ReconcileAge, "minimum time since the last update")

	jobCmd.AddCommand(jobShowCmd, jobListCmd, jobCancelCmd, jobRetryCmd)
	rootCmd.AddCommand(migrateCmd, enqueueCmd, jobCmd, reconcileCmd)
}
