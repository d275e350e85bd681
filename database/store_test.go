package database

import (
	"context"
	"testing"
	"time"

	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ services.Storage = (*GORMStore)(nil)

func newTestStore(t *testing.T) *GORMStore {
	t.Helper()
	store, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Init())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func marks(v float64) *float64 { return &v }

func seedSubmission(t *testing.T, store *GORMStore) *model.Submission {
	t.Helper()
	ctx := context.Background()

	guideDoc := &model.Document{
		OwnerID: 1, Kind: model.DocumentKindMarkingGuide, Filename: "guide.txt",
		Format: model.FormatText, FileHash: "g1", ContentHash: strPtr("gc1"),
		ExtractionStatus: model.ExtractionStatusReady, ExtractedText: "Q1 ...",
	}
	require.NoError(t, store.SaveDocument(ctx, guideDoc))

	guide := &model.MarkingGuide{
		DocumentID: guideDoc.ID,
		GuideType:  model.GuideTypeStructuredQA,
		Questions: []model.GuideQuestion{
			{Position: 2, Number: 2, Text: "second", MaxMarks: marks(5)},
			{Position: 1, Number: 1, Text: "first", MaxMarks: marks(10)},
		},
	}
	require.NoError(t, store.SaveGuide(ctx, guide))

	subDoc := &model.Document{
		OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "answers.txt",
		Format: model.FormatText, FileHash: "s1", ContentHash: strPtr("sc1"),
		ExtractionStatus: model.ExtractionStatusReady, ExtractedText: "1. answer",
	}
	require.NoError(t, store.SaveDocument(ctx, subDoc))

	sub := &model.Submission{DocumentID: subDoc.ID, GuideID: guide.ID, StudentName: "Ada"}
	require.NoError(t, store.SaveSubmission(ctx, sub))
	return sub
}

func TestStore_NotFoundIsTranslated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadDocument(ctx, 42)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = store.LoadJob(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = store.LoadResult(ctx, 7)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_ContentHashUniquePerOwnerAndKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &model.Document{OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "a.txt", Format: model.FormatText, ContentHash: strPtr("h")}
	require.NoError(t, store.SaveDocument(ctx, first))

	dup := &model.Document{OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "b.txt", Format: model.FormatText, ContentHash: strPtr("h")}
	assert.ErrorIs(t, store.SaveDocument(ctx, dup), model.ErrDuplicateKey)

	otherOwner := &model.Document{OwnerID: 2, Kind: model.DocumentKindSubmission, Filename: "a.txt", Format: model.FormatText, ContentHash: strPtr("h")}
	assert.NoError(t, store.SaveDocument(ctx, otherOwner))

	otherKind := &model.Document{OwnerID: 1, Kind: model.DocumentKindMarkingGuide, Filename: "a.txt", Format: model.FormatText, ContentHash: strPtr("h")}
	assert.NoError(t, store.SaveDocument(ctx, otherKind))

	// failed extractions leave the hash nil and never collide
	for i := 0; i < 2; i++ {
		failed := &model.Document{OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "c.pdf", Format: model.FormatPDF, FileHash: "f", ExtractionStatus: model.ExtractionStatusFailed}
		assert.NoError(t, store.SaveDocument(ctx, failed))
	}

	found, err := store.FindDocumentByContentHash(ctx, 1, "h", model.DocumentKindSubmission)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = store.FindDocumentByFileHash(ctx, 1, "f", model.DocumentKindSubmission)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_LoadSubmissionPreloadsOrderedQuestions(t *testing.T) {
	store := newTestStore(t)
	sub := seedSubmission(t, store)

	loaded, err := store.LoadSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Document)
	require.NotNil(t, loaded.Guide)
	require.NotNil(t, loaded.Guide.Document)
	require.Len(t, loaded.Guide.Questions, 2)
	assert.Equal(t, 1, loaded.Guide.Questions[0].Number)
	assert.Equal(t, 2, loaded.Guide.Questions[1].Number)
	assert.Equal(t, "Ada", loaded.StudentName)
}

func TestStore_JobLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, store)

	job := &model.ProcessingJob{ID: "job-1", SubmissionID: sub.ID, State: model.JobStatePending, StartedAt: time.Now()}
	require.NoError(t, store.SaveJob(ctx, job))

	active, err := store.FindActiveJob(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", active.ID)

	job.State = model.JobStateCompleted
	job.OverallProgress = 100
	require.NoError(t, store.SaveJob(ctx, job))

	_, err = store.FindActiveJob(ctx, sub.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	loaded, err := store.LoadJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, loaded.State)
	assert.Equal(t, 100, loaded.OverallProgress)
}

func TestStore_ListStaleJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, store)

	require.NoError(t, store.SaveJob(ctx, &model.ProcessingJob{ID: "old", SubmissionID: sub.ID, State: model.JobStateMapping}))
	require.NoError(t, store.SaveJob(ctx, &model.ProcessingJob{ID: "done", SubmissionID: sub.ID, State: model.JobStateFailed}))

	stale, err := store.ListStaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	stale, err = store.ListStaleJobs(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStore_ReplaceMappingsKeepsIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, store)

	saved, err := store.ReplaceMappings(ctx, sub.ID, []model.Mapping{
		{QuestionNumber: 1, AnswerText: "first try", Confidence: 0.5},
		{QuestionNumber: 2, AnswerText: "b", Confidence: 0.9},
	})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	firstID := saved[0].ID

	saved, err = store.ReplaceMappings(ctx, sub.ID, []model.Mapping{
		{QuestionNumber: 1, AnswerText: "second try", Confidence: 0.8},
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, firstID, saved[0].ID)
	assert.Equal(t, "second try", saved[0].AnswerText)
	assert.InDelta(t, 0.8, saved[0].Confidence, 1e-9)
}

func TestStore_ReplaceGradingResultsAndResultUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, store)

	mappings, err := store.ReplaceMappings(ctx, sub.ID, []model.Mapping{{QuestionNumber: 1, AnswerText: "a"}})
	require.NoError(t, err)

	results := []model.GradingResult{{MappingID: mappings[0].ID, QuestionNumber: 1, Score: 4, MaxScore: 10, Status: model.GradeStatusGraded}}
	require.NoError(t, store.ReplaceGradingResults(ctx, sub.ID, results))
	// a rerun overwrites rather than colliding on mapping_id
	require.NoError(t, store.ReplaceGradingResults(ctx, sub.ID, results))

	require.NoError(t, store.SaveResult(ctx, &model.SubmissionResult{SubmissionID: sub.ID, JobID: "a", TotalScore: 4, MaxScore: 10, Percentage: 40}))
	require.NoError(t, store.SaveResult(ctx, &model.SubmissionResult{SubmissionID: sub.ID, JobID: "b", TotalScore: 7, MaxScore: 10, Percentage: 70}))

	res, err := store.LoadResult(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", res.JobID)
	assert.InDelta(t, 70, res.Percentage, 1e-9)

	var count int64
	require.NoError(t, store.GetDB().Model(&model.SubmissionResult{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestStore_SaveGuideReplacesQuestions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sub := seedSubmission(t, store)

	guide, err := store.LoadGuide(ctx, sub.GuideID)
	require.NoError(t, err)

	guide.Questions = []model.GuideQuestion{{Position: 1, Number: 1, Text: "only", MaxMarks: nil}}
	require.NoError(t, store.SaveGuide(ctx, guide))

	reloaded, err := store.LoadGuideByDocument(ctx, guide.DocumentID)
	require.NoError(t, err)
	require.Len(t, reloaded.Questions, 1)
	assert.Nil(t, reloaded.Questions[0].MaxMarks)
}
