package cron

import (
	"context"
	"testing"
	"time"

	"github.com/sahilchouksey/go-exam-grader/database"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*CronManager, *database.GORMStore, *services.ProgressTracker) {
	t.Helper()
	store, err := database.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Init())
	t.Cleanup(func() { _ = store.Close() })

	tracker := services.NewProgressTracker(store, services.NewProgressHub(), services.NewMemoryJobLock(), nil)
	m := NewCronManager(store.GetDB(), tracker, cache.NewMemoryCache(100), Config{StaleJobAfter: time.Millisecond}, nil)
	return m, store, tracker
}

func TestArchiveFailedUploads_MarksOnlyUnreferenced(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	orphan := &model.Document{OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "a.pdf", Format: model.FormatPDF, RawKey: "submission/1/a.pdf", ExtractionStatus: model.ExtractionStatusFailed}
	require.NoError(t, store.SaveDocument(ctx, orphan))

	referenced := &model.Document{OwnerID: 1, Kind: model.DocumentKindSubmission, Filename: "b.pdf", Format: model.FormatPDF, ExtractionStatus: model.ExtractionStatusFailed}
	require.NoError(t, store.SaveDocument(ctx, referenced))
	require.NoError(t, store.SaveSubmission(ctx, &model.Submission{DocumentID: referenced.ID, GuideID: 1}))

	m.now = func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }
	msg, err := m.ArchiveFailedUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Archived 1 failed uploads", msg)

	archived, err := store.LoadDocument(ctx, orphan.ID)
	require.NoError(t, err)
	assert.NotNil(t, archived.ArchivedAt)

	kept, err := store.LoadDocument(ctx, referenced.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.ArchivedAt)

	// already archived rows are not counted again
	msg, err = m.ArchiveFailedUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Archived 0 failed uploads", msg)
}

func TestReapStaleJobs_FailsAndFreesSubmission(t *testing.T) {
	m, store, tracker := newTestManager(t)
	ctx := context.Background()

	job, err := tracker.CreateJob(ctx, 5)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	msg, err := m.ReapStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Reaped 1 stale jobs", msg)

	stored, err := store.LoadJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, stored.State)
	assert.Equal(t, string(services.KindInternal), stored.ErrorKind)

	_, err = tracker.CreateJob(ctx, 5)
	assert.NoError(t, err)
}

func TestRunJob_RecordsLog(t *testing.T) {
	m, store, _ := newTestManager(t)

	m.RunJob("purge_memory_cache", m.PurgeMemoryCache)

	var logs []model.CronJobLog
	require.NoError(t, store.GetDB().Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "completed", logs[0].Status)
	assert.NotNil(t, logs[0].CompletedAt)
	assert.Contains(t, logs[0].Message, "Purged 0 expired entries")
}
