package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"github.com/sahilchouksey/go-exam-grader/app"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/spf13/cobra"
)

const cliOwnerID uint = 1

var (
	guidePath      string
	submissionPath string
	studentName    string
	jsonOutput     bool
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade one submission against a marking guide",
	Long: `Upload a marking guide and a submission, run a grading job and print
the report.

Without --db the run uses a throwaway in-memory database.

Examples:
  gradectl grade --guide guide.pdf --submission answers.pdf
  gradectl grade -g guide.txt -s answers.png --student "A. Learner" --json`,
	Args: cobra.NoArgs,
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().StringVarP(&guidePath, "guide", "g", "", "marking guide file")
	gradeCmd.Flags().StringVarP(&submissionPath, "submission", "s", "", "student submission file")
	gradeCmd.Flags().StringVar(&studentName, "student", "", "student name stored with the submission")
	gradeCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	_ = gradeCmd.MarkFlagRequired("guide")
	_ = gradeCmd.MarkFlagRequired("submission")
}

func runGrade(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if dbPath == "" {
		dbPath = ":memory:"
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	blobDir, err := os.MkdirTemp("", "gradectl-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(blobDir)
	blobs, err := services.NewLocalBlobStore(blobDir)
	if err != nil {
		return err
	}

	components, err := app.Build(ctx, env, store, app.Overrides{Blobs: blobs}, log)
	if err != nil {
		return err
	}
	defer components.Close()

	out := cmd.OutOrStdout()
	guideData, err := os.ReadFile(guidePath)
	if err != nil {
		return err
	}
	guide, err := components.Documents.UploadGuide(ctx, services.UploadRequest{
		OwnerID:  cliOwnerID,
		Filename: filepath.Base(guidePath),
		Data:     guideData,
	})
	if err != nil {
		return fmt.Errorf("upload guide: %w", err)
	}
	fmt.Fprintf(out, "guide %d: %d questions (%s)\n", guide.Guide.ID, len(guide.Guide.Questions), guide.Classification.Type)
	for _, w := range guide.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}

	submissionData, err := os.ReadFile(submissionPath)
	if err != nil {
		return err
	}
	upload, err := components.Documents.UploadSubmission(ctx, services.UploadRequest{
		OwnerID:     cliOwnerID,
		Filename:    filepath.Base(submissionPath),
		Data:        submissionData,
		GuideID:     guide.Guide.ID,
		StudentName: studentName,
	})
	if err != nil {
		return fmt.Errorf("upload submission: %w", err)
	}
	submission := upload.Submission

	job, err := components.Pipeline.StartJob(ctx, submission.ID)
	if err != nil {
		return err
	}
	events, unsubscribe, err := components.Pipeline.Subscribe(ctx, job.ID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	last := watchJob(ctx, out, events)
	if last.Type != services.EventComplete {
		if ctx.Err() != nil {
			_ = components.Pipeline.CancelJob(context.Background(), job.ID)
			return ctx.Err()
		}
		return fmt.Errorf("job %s ended with %s: %s", job.ID, last.Type, last.Message)
	}

	result, err := components.Pipeline.GetResult(ctx, submission.ID)
	if err != nil {
		return err
	}
	return printResult(out, result)
}

// watchJob prints progress until the terminal event or ctx ends.
func watchJob(ctx context.Context, out io.Writer, events <-chan services.ProgressEvent) services.ProgressEvent {
	var last services.ProgressEvent
	for {
		select {
		case <-ctx.Done():
			return last
		case ev, ok := <-events:
			if !ok {
				return last
			}
			last = ev
			if !jsonOutput {
				fmt.Fprintf(out, "[%3d%%] %-10s %s\n", ev.OverallPercent, ev.Stage, ev.Message)
			}
			if ev.IsTerminal() {
				return ev
			}
		}
	}
}

func printResult(out io.Writer, result *model.SubmissionResult) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	var rows []model.QuestionBreakdown
	if err := json.Unmarshal(result.Breakdown, &rows); err != nil {
		return fmt.Errorf("decode breakdown: %w", err)
	}

	fmt.Fprintf(out, "\nscore %.1f / %.1f (%.1f%%), %d of %d questions graded\n",
		result.TotalScore, result.MaxScore, result.Percentage, result.GradedCount, result.QuestionCount)
	if result.FlaggedForReview {
		fmt.Fprintln(out, "flagged for manual review")
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Q\tSCORE\tMAX\tSTATUS\tFEEDBACK")
	for _, row := range rows {
		note := row.Feedback
		if row.Error != "" {
			note = row.Error
		}
		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%s\t%s\n", row.QuestionNumber, row.Score, row.MaxScore, row.Status, note)
	}
	return tw.Flush()
}
