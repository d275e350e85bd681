package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"golang.org/x/sync/semaphore"
)

// PipelineConfig bounds how much work the pipeline runs at once
type PipelineConfig struct {
	MaxConcurrentJobs int64
}

// GradingPipeline runs processing jobs for submissions in the background.
type GradingPipeline struct {
	store      Storage
	blobs      BlobStore
	tracker    *ProgressTracker
	extraction *ExtractionService
	classifier *GuideClassifier
	mapper     *MappingEngine
	grader     *GradingEngine
	aggregator *ResultAggregator

	sem     *semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Logger
}

// PipelineDeps are the collaborators of a GradingPipeline
type PipelineDeps struct {
	Store      Storage
	Blobs      BlobStore
	Tracker    *ProgressTracker
	Extraction *ExtractionService
	Classifier *GuideClassifier
	Mapper     *MappingEngine
	Grader     *GradingEngine
	Aggregator *ResultAggregator
}

func NewGradingPipeline(deps PipelineDeps, cfg PipelineConfig, log *logger.Logger) *GradingPipeline {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &GradingPipeline{
		store:      deps.Store,
		blobs:      deps.Blobs,
		tracker:    deps.Tracker,
		extraction: deps.Extraction,
		classifier: deps.Classifier,
		mapper:     deps.Mapper,
		grader:     deps.Grader,
		aggregator: deps.Aggregator,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		baseCtx:    baseCtx,
		stop:       stop,
		log:        logger.OrNop(log).Named("pipeline"),
	}
}

// StartJob creates a job for the submission and runs it in the background.
// A submission with an active job yields *JobConflictError.
func (p *GradingPipeline) StartJob(ctx context.Context, submissionID uint) (*model.ProcessingJob, error) {
	if _, err := p.store.LoadSubmission(ctx, submissionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewPipelineError(KindNotFound, "start job", fmt.Errorf("submission %d: %w", submissionID, ErrNotFound))
		}
		return nil, err
	}

	job, err := p.tracker.CreateJob(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(p.baseCtx)
	p.tracker.Attach(job.ID, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(runCtx, job.ID, submissionID)
	}()

	return job, nil
}

// GetJobStatus returns the state and progress of a job.
func (p *GradingPipeline) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	status, err := p.tracker.Status(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return JobStatus{}, NewPipelineError(KindNotFound, "job status", fmt.Errorf("job %s: %w", jobID, ErrNotFound))
	}
	return status, err
}

// GetResult returns the aggregated result of the submission's last
// completed job.
func (p *GradingPipeline) GetResult(ctx context.Context, submissionID uint) (*model.SubmissionResult, error) {
	result, err := p.store.LoadResult(ctx, submissionID)
	if errors.Is(err, ErrNotFound) {
		return nil, NewPipelineError(KindNotFound, "get result", fmt.Errorf("no result for submission %d: %w", submissionID, ErrNotFound))
	}
	return result, err
}

// CancelJob stops a running job.
func (p *GradingPipeline) CancelJob(ctx context.Context, jobID string) error {
	err := p.tracker.Cancel(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return NewPipelineError(KindNotFound, "cancel job", fmt.Errorf("job %s: %w", jobID, ErrNotFound))
	}
	if errors.Is(err, ErrInvalidTransition) {
		return NewPipelineError(KindJobConflict, "cancel job", err)
	}
	return err
}

// Subscribe streams progress events for a job.
func (p *GradingPipeline) Subscribe(ctx context.Context, jobID string) (<-chan ProgressEvent, func(), error) {
	events, unsubscribe, err := p.tracker.Subscribe(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, NewPipelineError(KindNotFound, "subscribe", fmt.Errorf("job %s: %w", jobID, ErrNotFound))
	}
	return events, unsubscribe, err
}

// Tracker exposes the job tracker for maintenance tasks.
func (p *GradingPipeline) Tracker() *ProgressTracker {
	return p.tracker
}

// Wait blocks until every started job has returned.
func (p *GradingPipeline) Wait() {
	p.wg.Wait()
}

// Shutdown cancels running jobs and waits for them.
func (p *GradingPipeline) Shutdown() {
	p.stop()
	p.wg.Wait()
}

func (p *GradingPipeline) run(ctx context.Context, jobID string, submissionID uint) {
	log := p.log.With("job_id", jobID, "submission_id", submissionID)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.finishWithError(ctx, log, jobID, NewPipelineError(KindCancelled, "queue", err))
		return
	}
	defer p.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in pipeline", "panic", fmt.Sprint(r))
			p.finishWithError(ctx, log, jobID, NewPipelineError(KindInternal, "pipeline", fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := p.process(ctx, log, jobID, submissionID); err != nil {
		p.finishWithError(ctx, log, jobID, err)
	}
}

func (p *GradingPipeline) finishWithError(ctx context.Context, log *logger.Logger, jobID string, err error) {
	if KindOf(err) == KindCancelled {
		status, statusErr := p.tracker.Status(context.WithoutCancel(ctx), jobID)
		if statusErr == nil && status.State == model.JobStateCancelled {
			log.Info("job stopped after cancellation")
			return
		}
	}
	if failErr := p.tracker.Fail(ctx, jobID, err); failErr != nil {
		log.Error("failed to record job failure", "error", failErr.Error())
	}
}

func (p *GradingPipeline) process(ctx context.Context, log *logger.Logger, jobID string, submissionID uint) error {
	sub, err := p.store.LoadSubmission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	if sub.Document == nil || sub.Guide == nil || sub.Guide.Document == nil {
		return NewPipelineError(KindDataQuality, "load submission",
			fmt.Errorf("submission %d is missing its document or guide: %w", submissionID, ErrDataQuality))
	}
	guide := sub.Guide

	// extraction
	if err := p.tracker.Advance(ctx, jobID, model.JobStateExtracting, "Extracting text"); err != nil {
		return err
	}
	if err := p.extractDocuments(ctx, jobID, sub.Document, guide.Document); err != nil {
		return err
	}

	guideType := guide.GuideType
	if classification, err := p.classifier.Classify(ctx, guide.Document.ExtractedText); err == nil {
		guideType = classification.Type
	} else if KindOf(err) == KindCancelled {
		return err
	} else {
		log.Warn("classification unavailable, using stored guide type", "error", err.Error())
	}
	_ = p.tracker.Report(ctx, jobID, 100, fmt.Sprintf("Extracted text (%s guide)", guideType))

	if err := p.tracker.Checkpoint(ctx, jobID); err != nil {
		return err
	}
	if len(guide.Questions) == 0 {
		return NewPipelineError(KindDataQuality, "load guide", fmt.Errorf("guide %d has no questions: %w", guide.ID, ErrDataQuality))
	}

	// mapping
	if err := p.tracker.Advance(ctx, jobID, model.JobStateMapping, "Matching answers to questions"); err != nil {
		return err
	}
	mapped, report, err := p.mapper.MapAnswers(ctx, sub.Document.ExtractedText, guide.Questions, func(pct int) {
		_ = p.tracker.Report(ctx, jobID, pct, "")
	})
	if err != nil {
		return err
	}

	rows := make([]model.Mapping, 0, len(mapped))
	for _, a := range mapped {
		rows = append(rows, model.Mapping{
			SubmissionID:   submissionID,
			QuestionNumber: a.QuestionNumber,
			AnswerText:     a.AnswerText,
			Confidence:     a.Confidence,
		})
	}
	mappings, err := p.store.ReplaceMappings(ctx, submissionID, rows)
	if err != nil {
		return fmt.Errorf("save mappings: %w", err)
	}
	_ = p.tracker.Report(ctx, jobID, 100, fmt.Sprintf("Matched %d of %d questions (%s)", report.Matched, len(guide.Questions), report.Tier))

	if err := p.tracker.Checkpoint(ctx, jobID); err != nil {
		return err
	}

	// grading
	if err := p.tracker.Advance(ctx, jobID, model.JobStateGrading, "Grading answers"); err != nil {
		return err
	}

	byNumber := make(map[int]model.Mapping, len(mappings))
	for _, m := range mappings {
		byNumber[m.QuestionNumber] = m
	}
	items := make([]GradingItem, 0, len(guide.Questions))
	for _, q := range guide.Questions {
		m := byNumber[q.Number]
		items = append(items, GradingItem{
			QuestionNumber: q.Number,
			MappingID:      m.ID,
			QuestionText:   q.Text,
			ExpectedAnswer: q.ExpectedAnswer,
			AnswerText:     m.AnswerText,
			MaxMarks:       q.MaxMarks,
		})
	}

	outcomes, err := p.grader.Grade(ctx, items, func(done, total int) {
		_ = p.tracker.Report(ctx, jobID, done*100/total, fmt.Sprintf("Graded %d of %d questions", done, total))
	})
	if err != nil {
		return err
	}

	results := make([]model.GradingResult, 0, len(outcomes))
	for _, o := range outcomes {
		r := model.GradingResult{
			MappingID:      o.MappingID,
			SubmissionID:   submissionID,
			QuestionNumber: o.QuestionNumber,
			Score:          o.Score,
			MaxScore:       o.MaxScore,
			Feedback:       o.Feedback,
			Status:         o.Status,
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
		results = append(results, r)
	}
	if err := p.store.ReplaceGradingResults(ctx, submissionID, results); err != nil {
		return fmt.Errorf("save grading results: %w", err)
	}

	if err := p.tracker.Checkpoint(ctx, jobID); err != nil {
		return err
	}

	result, err := p.aggregator.Save(ctx, submissionID, jobID, guide.Questions, mappings, results)
	if err != nil {
		return err
	}

	return p.tracker.Complete(ctx, jobID,
		fmt.Sprintf("Scored %.2f of %.2f (%d of %d questions graded)", result.TotalScore, result.MaxScore, result.GradedCount, result.QuestionCount))
}

// extractDocuments extracts any document that is not ready yet. A
// submission that still has no text fails the job with its extraction
// error kept on the document.
func (p *GradingPipeline) extractDocuments(ctx context.Context, jobID string, docs ...*model.Document) error {
	var inputs []ExtractionInput
	byKey := make(map[string]*model.Document)

	for _, doc := range docs {
		if doc.IsReady() {
			continue
		}
		raw, err := p.blobs.Get(ctx, doc.RawKey)
		if err != nil {
			return NewPipelineError(KindExtractionFailure, "load upload", fmt.Errorf("document %d: %v: %w", doc.ID, err, ErrExtractionFailed))
		}
		key := fmt.Sprintf("doc:%d", doc.ID)
		byKey[key] = doc
		inputs = append(inputs, ExtractionInput{
			Key:      key,
			Filename: doc.Filename,
			Format:   doc.Format,
			Data:     raw,
			FileHash: doc.FileHash,
		})
	}

	if len(inputs) == 0 {
		_ = p.tracker.Report(ctx, jobID, 80, "Text already extracted")
		return nil
	}

	outcomes := p.extraction.ExtractBatch(ctx, inputs, func(done, total int) {
		_ = p.tracker.Report(ctx, jobID, done*80/total, fmt.Sprintf("Extracted %d of %d documents", done, total))
	})

	var firstErr error
	for _, out := range outcomes {
		doc := byKey[out.Key]
		if out.Err != nil {
			doc.ExtractionStatus = model.ExtractionStatusFailed
			doc.ExtractionError = out.Err.Error()
			if firstErr == nil {
				firstErr = out.Err
			}
		} else {
			doc.ExtractedText = out.Result.Text
			doc.PageCount = out.Result.PageCount
			doc.ExtractionStatus = model.ExtractionStatusReady
			doc.ExtractionError = ""
			if doc.ContentHash == nil {
				digest := HashText(out.Result.Text)
				doc.ContentHash = &digest
			}
		}
		err := p.store.SaveDocument(context.WithoutCancel(ctx), doc)
		if errors.Is(err, model.ErrDuplicateKey) {
			// same content as another upload of this owner; keep the text, skip the hash
			doc.ContentHash = nil
			err = p.store.SaveDocument(context.WithoutCancel(ctx), doc)
		}
		if err != nil {
			return fmt.Errorf("save document %d: %w", doc.ID, err)
		}
	}
	return firstErr
}
