package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
	"gorm.io/gorm"
)

// Config controls the maintenance schedule
type Config struct {
	StaleJobAfter     time.Duration // active jobs untouched this long are failed
	FailedUploadAfter time.Duration // failed uploads with no submission are archived after this
	LogRetention      time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleJobAfter:     30 * time.Minute,
		FailedUploadAfter: 7 * 24 * time.Hour,
		LogRetention:      90 * 24 * time.Hour,
	}
}

// CronManager manages all scheduled maintenance jobs
type CronManager struct {
	cron    *cron.Cron
	db      *gorm.DB
	tracker *services.ProgressTracker
	memory  *cache.MemoryCache
	cfg     Config
	log     *logger.Logger
	now     func() time.Time
}

// NewCronManager creates a new cron manager. memory may be nil.
func NewCronManager(db *gorm.DB, tracker *services.ProgressTracker, memory *cache.MemoryCache, cfg Config, log *logger.Logger) *CronManager {
	def := DefaultConfig()
	if cfg.StaleJobAfter <= 0 {
		cfg.StaleJobAfter = def.StaleJobAfter
	}
	if cfg.FailedUploadAfter <= 0 {
		cfg.FailedUploadAfter = def.FailedUploadAfter
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = def.LogRetention
	}

	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron:    c,
		db:      db,
		tracker: tracker,
		memory:  memory,
		cfg:     cfg,
		log:     logger.OrNop(log).Named("cron"),
		now:     time.Now,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	m.log.Info("starting cron jobs")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()
	m.log.Info("cron jobs started")
	return nil
}

// Stop stops all cron jobs and waits for running ones
func (m *CronManager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info("cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	jobs := []struct {
		spec string
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		// Every 5 minutes: fail jobs whose worker died
		{"0 */5 * * * *", "reap_stale_jobs", m.ReapStaleJobs},
		// Every 10 minutes: drop expired in-process cache entries
		{"0 */10 * * * *", "purge_memory_cache", m.PurgeMemoryCache},
		// Hourly: archive failed uploads nobody submitted
		{"0 0 * * * *", "archive_failed_uploads", m.ArchiveFailedUploads},
		// Daily at 2 AM: trim old cron logs
		{"0 0 2 * * *", "cleanup_old_logs", m.CleanupOldLogs},
	}

	for _, job := range jobs {
		job := job
		if _, err := m.cron.AddFunc(job.spec, func() { m.RunJob(job.name, job.fn) }); err != nil {
			return err
		}
	}

	m.log.Info("all cron jobs registered", "count", len(jobs))
	return nil
}

// RunJob executes one maintenance job and records it in cron_job_logs.
func (m *CronManager) RunJob(name string, fn func(ctx context.Context) (string, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	entry := m.logJobStart(ctx, name)
	message, err := fn(ctx)
	if err != nil {
		m.logJobError(ctx, entry, err)
		return
	}
	m.logJobComplete(ctx, entry, message)
}

// logJobStart logs the start of a cron job
func (m *CronManager) logJobStart(ctx context.Context, jobName string) *model.CronJobLog {
	m.log.Debug("starting job", "job", jobName)

	entry := &model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: m.now(),
		Metadata:  []byte("{}"),
	}
	if err := m.db.WithContext(ctx).Create(entry).Error; err != nil {
		m.log.Warn("failed to record cron start", "job", jobName, "error", err.Error())
	}
	return entry
}

// logJobComplete logs successful completion of a cron job
func (m *CronManager) logJobComplete(ctx context.Context, entry *model.CronJobLog, message string) {
	m.log.Info("completed job", "job", entry.JobName, "message", message)
	m.finishEntry(ctx, entry, "completed", message, "")
}

// logJobError logs a cron job error
func (m *CronManager) logJobError(ctx context.Context, entry *model.CronJobLog, err error) {
	m.log.Error("job failed", "job", entry.JobName, "error", err.Error())
	m.finishEntry(ctx, entry, "failed", "", err.Error())
}

func (m *CronManager) finishEntry(ctx context.Context, entry *model.CronJobLog, status, message, errMsg string) {
	if entry.ID == 0 {
		return
	}
	completed := m.now()
	err := m.db.WithContext(ctx).Model(entry).Updates(map[string]interface{}{
		"status":       status,
		"completed_at": completed,
		"duration_ms":  completed.Sub(entry.StartedAt).Milliseconds(),
		"message":      message,
		"error_msg":    errMsg,
	}).Error
	if err != nil {
		m.log.Warn("failed to record cron result", "job", entry.JobName, "error", err.Error())
	}
}
