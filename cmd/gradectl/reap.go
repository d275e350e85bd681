package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/spf13/cobra"
)

var (
	reapOlderThan time.Duration
	reapDryRun    bool
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail grading jobs that stopped making progress",
	Long: `List jobs that are still active but have not changed for longer than
--older-than, and mark them failed so their submissions can be graded again.

The server's maintenance cron does the same on a schedule; use this when cron
is disabled or a worker crashed.

Examples:
  gradectl reap --dry-run
  gradectl reap --older-than 2h`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().DurationVar(&reapOlderThan, "older-than", 0, "idle time before a job counts as stale (default: STALE_JOB_AFTER)")
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "list stale jobs without changing them")
}

func runReap(cmd *cobra.Command, args []string) error {
	if reapOlderThan <= 0 {
		reapOlderThan = env.STALE_JOB_AFTER
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	stale, err := store.ListStaleJobs(ctx, time.Now().Add(-reapOlderThan))
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		fmt.Fprintf(out, "no jobs idle for more than %s\n", reapOlderThan)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSUBMISSION\tSTATE\tPROGRESS\tUPDATED")
	for _, job := range stale {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d%%\t%s\n", job.ID, job.SubmissionID, job.State, job.OverallProgress, job.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()

	if reapDryRun {
		return nil
	}

	// the lock must be the server's, or reaped submissions stay blocked
	var lock services.JobLock = services.NewMemoryJobLock()
	if env.REDIS_URL != "" {
		rc, err := cache.NewRedisCache(env.REDIS_URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		lock = services.NewRedisJobLock(rc, services.JobLockTTL)
	}

	tracker := services.NewProgressTracker(store, services.NewProgressHub(), lock, log)
	reaped, err := tracker.ReapStale(ctx, reapOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "marked %d job(s) failed\n", reaped)
	return nil
}
