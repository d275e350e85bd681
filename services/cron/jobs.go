package cron

import (
	"context"
	"fmt"

	"github.com/sahilchouksey/go-exam-grader/model"
)

// ReapStaleJobs fails jobs that stopped reporting progress, which frees
// their submissions for a new run.
func (m *CronManager) ReapStaleJobs(ctx context.Context) (string, error) {
	if m.tracker == nil {
		return "tracker not configured", nil
	}
	n, err := m.tracker.ReapStale(ctx, m.cfg.StaleJobAfter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reaped %d stale jobs", n), nil
}

// PurgeMemoryCache drops expired entries from the in-process cache tier.
func (m *CronManager) PurgeMemoryCache(_ context.Context) (string, error) {
	if m.memory == nil {
		return "memory cache not configured", nil
	}
	n := m.memory.PurgeExpired()
	return fmt.Sprintf("Purged %d expired entries, %d remain", n, m.memory.Len()), nil
}

// ArchiveFailedUploads marks documents whose extraction failed long ago
// and that no guide or submission references. Rows and stored bytes are
// kept.
func (m *CronManager) ArchiveFailedUploads(ctx context.Context) (string, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.FailedUploadAfter)

	result := m.db.WithContext(ctx).Model(&model.Document{}).
		Where("extraction_status = ? AND updated_at < ? AND archived_at IS NULL", model.ExtractionStatusFailed, cutoff).
		Where("id NOT IN (?)", m.db.Model(&model.Submission{}).Select("document_id")).
		Where("id NOT IN (?)", m.db.Model(&model.MarkingGuide{}).Select("document_id")).
		UpdateColumn("archived_at", now)
	if result.Error != nil {
		return "", fmt.Errorf("failed to archive failed uploads: %w", result.Error)
	}
	return fmt.Sprintf("Archived %d failed uploads", result.RowsAffected), nil
}

// CleanupOldLogs trims cron_job_logs past the retention window.
func (m *CronManager) CleanupOldLogs(ctx context.Context) (string, error) {
	cutoff := m.now().Add(-m.cfg.LogRetention)
	result := m.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.CronJobLog{})
	if result.Error != nil {
		return "", fmt.Errorf("failed to clean cron logs: %w", result.Error)
	}
	return fmt.Sprintf("Cleaned %d old cron logs", result.RowsAffected), nil
}
