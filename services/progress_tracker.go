package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

// Stage weights in overall progress. They sum to 100.
var stageWeights = map[model.JobState]int{
	model.JobStateExtracting: 30,
	model.JobStateMapping:    30,
	model.JobStateGrading:    40,
}

var stageOrder = []model.JobState{
	model.JobStatePending,
	model.JobStateExtracting,
	model.JobStateMapping,
	model.JobStateGrading,
}

// runningCeiling keeps a running job below 100 until it completes.
const runningCeiling = 99

// CalculateProgress returns the overall percentage for a stage and its
// completion percentage.
func CalculateProgress(stage model.JobState, stagePercent int) int {
	stagePercent = clampInt(stagePercent, 0, 100)
	base := 0
	for _, s := range stageOrder {
		if s == stage {
			return base + stageWeights[stage]*stagePercent/100
		}
		base += stageWeights[s]
	}
	if stage == model.JobStateCompleted {
		return 100
	}
	return 0
}

func stageIndex(stage model.JobState) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// JobStatus is the caller-facing view of a job
type JobStatus struct {
	JobID           string         `json:"job_id"`
	SubmissionID    uint           `json:"submission_id"`
	State           model.JobState `json:"state"`
	Stage           model.JobState `json:"stage"`
	StageProgress   int            `json:"stage_progress"`
	ProgressPercent int            `json:"progress_percent"`
	Message         string         `json:"message"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func statusFromJob(job *model.ProcessingJob) JobStatus {
	return JobStatus{
		JobID:           job.ID,
		SubmissionID:    job.SubmissionID,
		State:           job.State,
		Stage:           job.CurrentStage,
		StageProgress:   job.StageProgress,
		ProgressPercent: job.OverallProgress,
		Message:         job.Message,
		ErrorKind:       job.ErrorKind,
		Error:           job.Error,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}

type trackedJob struct {
	mu     sync.Mutex
	job    model.ProcessingJob
	cancel context.CancelFunc
}

// ProgressTracker owns job state. It persists every change, publishes a
// ProgressEvent for it, and enforces the state machine.
type ProgressTracker struct {
	store    Storage
	notifier Notifier
	lock     JobLock
	now      func() time.Time
	log      *logger.Logger

	mu   sync.Mutex
	jobs map[string]*trackedJob
}

func NewProgressTracker(store Storage, notifier Notifier, lock JobLock, log *logger.Logger) *ProgressTracker {
	if lock == nil {
		lock = NewMemoryJobLock()
	}
	return &ProgressTracker{
		store:    store,
		notifier: notifier,
		lock:     lock,
		now:      time.Now,
		log:      logger.OrNop(log).Named("progress_tracker"),
		jobs:     make(map[string]*trackedJob),
	}
}

// CreateJob starts tracking a new pending job for the submission. It fails
// with *JobConflictError when the submission already has an active job.
func (pt *ProgressTracker) CreateJob(ctx context.Context, submissionID uint) (*model.ProcessingJob, error) {
	jobID := uuid.NewString()

	existing, acquired, err := pt.lock.Acquire(ctx, submissionID, jobID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &JobConflictError{SubmissionID: submissionID, ExistingJobID: existing}
	}

	// the lock may have expired while a job is still recorded as active
	active, err := pt.store.FindActiveJob(ctx, submissionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		pt.releaseLock(submissionID, jobID)
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active != nil {
		pt.releaseLock(submissionID, jobID)
		return nil, &JobConflictError{SubmissionID: submissionID, ExistingJobID: active.ID}
	}

	now := pt.now()
	t := &trackedJob{job: model.ProcessingJob{
		ID:           jobID,
		SubmissionID: submissionID,
		State:        model.JobStatePending,
		CurrentStage: model.JobStatePending,
		Message:      "Job queued",
		StartedAt:    now,
	}}
	if err := pt.store.SaveJob(ctx, &t.job); err != nil {
		pt.releaseLock(submissionID, jobID)
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	pt.mu.Lock()
	pt.jobs[jobID] = t
	pt.mu.Unlock()

	pt.publish(&t.job, EventProgress)
	pt.log.Info("job created", "job_id", jobID, "submission_id", submissionID)

	job := t.job
	return &job, nil
}

// Attach registers the cancel func of the goroutine running jobID.
func (pt *ProgressTracker) Attach(jobID string, cancel context.CancelFunc) {
	if t := pt.tracked(jobID); t != nil {
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
	}
}

// Advance moves a running job into the next stage.
func (pt *ProgressTracker) Advance(ctx context.Context, jobID string, stage model.JobState, message string) error {
	t := pt.tracked(jobID)
	if t == nil {
		return NewPipelineError(KindNotFound, "advance", fmt.Errorf("job %s is not running: %w", jobID, ErrNotFound))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := terminalErr(&t.job); err != nil {
		return err
	}
	if stageIndex(stage) != stageIndex(t.job.CurrentStage)+1 {
		return fmt.Errorf("%s -> %s: %w", t.job.CurrentStage, stage, ErrInvalidTransition)
	}

	t.job.State = stage
	t.job.CurrentStage = stage
	t.job.StageProgress = 0
	t.job.OverallProgress = max(t.job.OverallProgress, min(CalculateProgress(stage, 0), runningCeiling))
	t.job.Message = message
	return pt.persist(ctx, &t.job, EventProgress)
}

// Report records sub-stage progress. Percentages never move backwards.
func (pt *ProgressTracker) Report(ctx context.Context, jobID string, stagePercent int, message string) error {
	t := pt.tracked(jobID)
	if t == nil {
		return NewPipelineError(KindNotFound, "report", fmt.Errorf("job %s is not running: %w", jobID, ErrNotFound))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := terminalErr(&t.job); err != nil {
		return err
	}

	stagePercent = max(clampInt(stagePercent, 0, 100), t.job.StageProgress)
	overall := min(CalculateProgress(t.job.CurrentStage, stagePercent), runningCeiling)

	t.job.StageProgress = stagePercent
	t.job.OverallProgress = max(t.job.OverallProgress, overall)
	if message != "" {
		t.job.Message = message
	}
	return pt.persist(ctx, &t.job, EventProgress)
}

// Complete finishes a job that is in its last stage.
func (pt *ProgressTracker) Complete(ctx context.Context, jobID, message string) error {
	t := pt.tracked(jobID)
	if t == nil {
		return NewPipelineError(KindNotFound, "complete", fmt.Errorf("job %s is not running: %w", jobID, ErrNotFound))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := terminalErr(&t.job); err != nil {
		return err
	}
	if t.job.CurrentStage != model.JobStateGrading {
		return fmt.Errorf("%s -> %s: %w", t.job.CurrentStage, model.JobStateCompleted, ErrInvalidTransition)
	}

	now := pt.now()
	t.job.State = model.JobStateCompleted
	t.job.StageProgress = 100
	t.job.OverallProgress = 100
	t.job.Message = message
	t.job.CompletedAt = &now
	err := pt.persist(context.WithoutCancel(ctx), &t.job, EventComplete)
	pt.finish(t)
	pt.log.Info("job completed", "job_id", jobID, "duration_ms", now.Sub(t.job.StartedAt).Milliseconds())
	return err
}

// Fail records err on the job and moves it to failed. A job that already
// reached a terminal state is left alone.
func (pt *ProgressTracker) Fail(ctx context.Context, jobID string, cause error) error {
	t := pt.tracked(jobID)
	if t == nil {
		return pt.failStored(ctx, jobID, cause)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.State.IsTerminal() {
		return nil
	}

	kind := KindOf(cause)
	now := pt.now()
	t.job.State = model.JobStateFailed
	t.job.ErrorKind = string(kind)
	t.job.Error = cause.Error()
	t.job.Message = fmt.Sprintf("Job failed during %s", t.job.CurrentStage)
	t.job.CompletedAt = &now
	err := pt.persist(context.WithoutCancel(ctx), &t.job, EventError)
	pt.finish(t)
	pt.log.Error("job failed", "job_id", jobID, "stage", t.job.CurrentStage, "error_kind", kind, "error", cause.Error())
	return err
}

// Cancel stops a non-terminal job. The running goroutine observes it at the
// next checkpoint or through its context.
func (pt *ProgressTracker) Cancel(ctx context.Context, jobID string) error {
	t := pt.tracked(jobID)
	if t == nil {
		return pt.cancelStored(ctx, jobID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s: %w", jobID, t.job.State, ErrInvalidTransition)
	}

	now := pt.now()
	t.job.State = model.JobStateCancelled
	t.job.ErrorKind = string(KindCancelled)
	t.job.Message = "Job cancelled"
	t.job.CompletedAt = &now
	err := pt.persist(context.WithoutCancel(ctx), &t.job, EventCancelled)
	if t.cancel != nil {
		t.cancel()
	}
	pt.finish(t)
	pt.log.Info("job cancelled", "job_id", jobID, "stage", t.job.CurrentStage)
	return err
}

// Checkpoint returns ErrCancelled once the job has been cancelled or its
// context is done.
func (pt *ProgressTracker) Checkpoint(ctx context.Context, jobID string) error {
	if t := pt.tracked(jobID); t != nil {
		t.mu.Lock()
		state := t.job.State
		t.mu.Unlock()
		if state == model.JobStateCancelled {
			return NewPipelineError(KindCancelled, "checkpoint", ErrCancelled)
		}
	}
	if err := ctx.Err(); err != nil {
		return NewPipelineError(KindCancelled, "checkpoint", err)
	}
	return nil
}

// Status returns the live view of a running job, or the stored row.
func (pt *ProgressTracker) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if t := pt.tracked(jobID); t != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		return statusFromJob(&t.job), nil
	}
	job, err := pt.store.LoadJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return statusFromJob(job), nil
}

// Subscribe streams a job's events. A job that already finished yields its
// terminal event and a closed channel.
func (pt *ProgressTracker) Subscribe(ctx context.Context, jobID string) (<-chan ProgressEvent, func(), error) {
	status, err := pt.Status(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	if status.State.IsTerminal() {
		return replayTerminal(status), func() {}, nil
	}

	events, unsubscribe := pt.notifier.Subscribe(jobID)

	// the job may have finished before the subscription was live
	if status, err = pt.Status(ctx, jobID); err == nil && status.State.IsTerminal() {
		unsubscribe()
		return replayTerminal(status), func() {}, nil
	}
	return events, unsubscribe, nil
}

func replayTerminal(status JobStatus) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 1)
	ch <- eventFromStatus(status)
	close(ch)
	return ch
}

// ReapStale fails jobs that have not changed since before cutoff and frees
// their submissions. It returns the number of jobs reaped.
func (pt *ProgressTracker) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := pt.now().Add(-olderThan)
	stale, err := pt.store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	reaped := 0
	for _, job := range stale {
		cause := NewPipelineError(KindInternal, "reap",
			fmt.Errorf("no progress since %s", job.UpdatedAt.Format(time.RFC3339)))

		if t := pt.tracked(job.ID); t != nil {
			t.mu.Lock()
			cancel := t.cancel
			t.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
		if err := pt.Fail(ctx, job.ID, cause); err != nil {
			pt.log.Warn("failed to reap job", "job_id", job.ID, "error", err.Error())
			continue
		}
		reaped++
	}
	if reaped > 0 {
		pt.log.Warn("reaped stale jobs", "count", reaped, "cutoff", cutoff)
	}
	return reaped, nil
}

func (pt *ProgressTracker) failStored(ctx context.Context, jobID string, cause error) error {
	job, err := pt.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return nil
	}
	now := pt.now()
	job.State = model.JobStateFailed
	job.ErrorKind = string(KindOf(cause))
	job.Error = cause.Error()
	job.CompletedAt = &now
	if err := pt.persist(context.WithoutCancel(ctx), job, EventError); err != nil {
		return err
	}
	pt.releaseLock(job.SubmissionID, job.ID)
	return nil
}

func (pt *ProgressTracker) cancelStored(ctx context.Context, jobID string) error {
	job, err := pt.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s: %w", jobID, job.State, ErrInvalidTransition)
	}
	now := pt.now()
	job.State = model.JobStateCancelled
	job.ErrorKind = string(KindCancelled)
	job.Message = "Job cancelled"
	job.CompletedAt = &now
	if err := pt.persist(context.WithoutCancel(ctx), job, EventCancelled); err != nil {
		return err
	}
	pt.releaseLock(job.SubmissionID, job.ID)
	return nil
}

func (pt *ProgressTracker) tracked(jobID string) *trackedJob {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.jobs[jobID]
}

// finish drops a terminal job from memory and frees its submission.
// Caller holds t.mu.
func (pt *ProgressTracker) finish(t *trackedJob) {
	pt.mu.Lock()
	delete(pt.jobs, t.job.ID)
	pt.mu.Unlock()
	pt.releaseLock(t.job.SubmissionID, t.job.ID)
}

func (pt *ProgressTracker) releaseLock(submissionID uint, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pt.lock.Release(ctx, submissionID, jobID); err != nil {
		pt.log.Warn("failed to release job lock", "job_id", jobID, "submission_id", submissionID, "error", err.Error())
	}
}

// persist saves the job and publishes an event of the given type.
func (pt *ProgressTracker) persist(ctx context.Context, job *model.ProcessingJob, eventType string) error {
	job.UpdatedAt = pt.now()
	if err := pt.store.SaveJob(ctx, job); err != nil {
		pt.log.Error("failed to save job state", "job_id", job.ID, "error", err.Error())
		pt.publish(job, eventType)
		return fmt.Errorf("failed to save job state: %w", err)
	}
	pt.publish(job, eventType)
	return nil
}

func (pt *ProgressTracker) publish(job *model.ProcessingJob, eventType string) {
	if pt.notifier == nil {
		return
	}
	pt.notifier.Publish(job.ID, ProgressEvent{
		Type:           eventType,
		JobID:          job.ID,
		Stage:          string(job.CurrentStage),
		StagePercent:   job.StageProgress,
		OverallPercent: job.OverallProgress,
		Message:        job.Message,
		ErrorKind:      job.ErrorKind,
		Timestamp:      job.UpdatedAt,
	})
}

func eventFromStatus(s JobStatus) ProgressEvent {
	eventType := EventProgress
	switch s.State {
	case model.JobStateCompleted:
		eventType = EventComplete
	case model.JobStateFailed:
		eventType = EventError
	case model.JobStateCancelled:
		eventType = EventCancelled
	}
	ts := s.StartedAt
	if s.CompletedAt != nil {
		ts = *s.CompletedAt
	}
	return ProgressEvent{
		Type:           eventType,
		JobID:          s.JobID,
		Stage:          string(s.Stage),
		StagePercent:   s.StageProgress,
		OverallPercent: s.ProgressPercent,
		Message:        s.Message,
		ErrorKind:      s.ErrorKind,
		Timestamp:      ts,
	}
}

func terminalErr(job *model.ProcessingJob) error {
	switch job.State {
	case model.JobStateCancelled:
		return NewPipelineError(KindCancelled, "track", ErrCancelled)
	case model.JobStateCompleted, model.JobStateFailed:
		return fmt.Errorf("job %s is %s: %w", job.ID, job.State, ErrInvalidTransition)
	}
	return nil
}
