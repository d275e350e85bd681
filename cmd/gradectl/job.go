package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job <job-id>",
	Short: "Show a stored grading job",
	Long: `Print the state, stage and timing of a grading job, plus the result
when the job completed.

Examples:
  gradectl job 3f1c... --db grader.db
  gradectl job 3f1c... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

func init() {
	jobCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the job as JSON")
}

func runJob(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	job, err := store.LoadJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("job %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", job.ID)
	fmt.Fprintf(tw, "Submission:\t%d\n", job.SubmissionID)
	fmt.Fprintf(tw, "State:\t%s\n", job.State)
	fmt.Fprintf(tw, "Stage:\t%s (%d%%)\n", job.CurrentStage, job.StageProgress)
	fmt.Fprintf(tw, "Progress:\t%d%%\n", job.OverallProgress)
	if job.Message != "" {
		fmt.Fprintf(tw, "Message:\t%s\n", job.Message)
	}
	if job.ErrorKind != "" {
		fmt.Fprintf(tw, "Error:\t%s: %s\n", job.ErrorKind, job.Error)
	}
	fmt.Fprintf(tw, "Started:\t%s\n", job.StartedAt.Format(time.DateTime))
	if job.CompletedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s (%s)\n", job.CompletedAt.Format(time.DateTime), job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if job.State != model.JobStateCompleted {
		return nil
	}
	result, err := store.LoadResult(ctx, job.SubmissionID)
	if err != nil {
		return fmt.Errorf("result for submission %d: %w", job.SubmissionID, err)
	}
	return printResult(out, result)
}
