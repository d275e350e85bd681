package services

import (
	"context"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// Storage is the persistence contract the pipeline consumes. Lookups that
// match nothing return ErrNotFound.
type Storage interface {
	SaveDocument(ctx context.Context, doc *model.Document) error
	LoadDocument(ctx context.Context, id uint) (*model.Document, error)
	FindDocumentByContentHash(ctx context.Context, ownerID uint, contentHash string, kind model.DocumentKind) (*model.Document, error)
	FindDocumentByFileHash(ctx context.Context, ownerID uint, fileHash string, kind model.DocumentKind) (*model.Document, error)

	SaveGuide(ctx context.Context, guide *model.MarkingGuide) error
	LoadGuide(ctx context.Context, id uint) (*model.MarkingGuide, error)
	LoadGuideByDocument(ctx context.Context, documentID uint) (*model.MarkingGuide, error)

	SaveSubmission(ctx context.Context, sub *model.Submission) error
	// LoadSubmission preloads Document, Guide, Guide.Document and
	// Guide.Questions ordered by position.
	LoadSubmission(ctx context.Context, id uint) (*model.Submission, error)

	// SaveJob inserts or overwrites the job row.
	SaveJob(ctx context.Context, job *model.ProcessingJob) error
	LoadJob(ctx context.Context, id string) (*model.ProcessingJob, error)
	FindActiveJob(ctx context.Context, submissionID uint) (*model.ProcessingJob, error)
	ListStaleJobs(ctx context.Context, olderThan time.Time) ([]model.ProcessingJob, error)

	// ReplaceMappings overwrites every mapping of the submission and fills
	// in the stored IDs.
	ReplaceMappings(ctx context.Context, submissionID uint, mappings []model.Mapping) ([]model.Mapping, error)
	ReplaceGradingResults(ctx context.Context, submissionID uint, results []model.GradingResult) error

	// SaveResult upserts on submission ID.
	SaveResult(ctx context.Context, result *model.SubmissionResult) error
	LoadResult(ctx context.Context, submissionID uint) (*model.SubmissionResult, error)
}
