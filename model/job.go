package model

import "time"

// JobState is the lifecycle state of a processing job. The three working
// states double as the stage names.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateExtracting JobState = "extracting"
	JobStateMapping    JobState = "mapping"
	JobStateGrading    JobState = "grading"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// IsTerminal reports whether the state can no longer change.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// ActiveJobStates lists every non-terminal state.
var ActiveJobStates = []JobState{JobStatePending, JobStateExtracting, JobStateMapping, JobStateGrading}

// ProcessingJob is one run of the grading pipeline for a submission
type ProcessingJob struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"job_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SubmissionID    uint       `gorm:"not null;index" json:"submission_id"`
	State           JobState   `gorm:"type:varchar(20);not null;index" json:"state"`
	CurrentStage    JobState   `gorm:"type:varchar(20)" json:"current_stage"`
	StageProgress   int        `gorm:"default:0" json:"stage_progress"`
	OverallProgress int        `gorm:"default:0" json:"overall_progress"`
	Message         string     `gorm:"type:text" json:"message"`
	ErrorKind       string     `gorm:"type:varchar(40)" json:"error_kind,omitempty"`
	Error           string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Redis key patterns for processing jobs
const (
	// Usage: fmt.Sprintf(RedisKeyActiveSubmissionJob, submissionID)
	RedisKeyActiveSubmissionJob = "job:active:submission:%d"

	// Usage: fmt.Sprintf(RedisChannelJobProgress, jobID)
	RedisChannelJobProgress = "job:progress:%s"
)
