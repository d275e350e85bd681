package model

import (
	"time"

	"gorm.io/datatypes"
)

// QuestionBreakdown is one row of a submission report
type QuestionBreakdown struct {
	QuestionNumber int         `json:"question_number"`
	Answer         string      `json:"answer"`
	Confidence     float64     `json:"confidence"`
	Score          float64     `json:"score"`
	MaxScore       float64     `json:"max_score"`
	Status         GradeStatus `json:"status"`
	Feedback       string      `json:"feedback,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// SubmissionResult is the aggregated report for a submission. One row per
// submission, overwritten by each completed job.
type SubmissionResult struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	SubmissionID     uint           `gorm:"not null;uniqueIndex" json:"submission_id"`
	JobID            string         `gorm:"type:varchar(36)" json:"job_id"`
	TotalScore       float64        `json:"total_score"`
	MaxScore         float64        `json:"max_score"`
	Percentage       float64        `json:"percentage"`
	GradedCount      int            `json:"graded_count"`
	QuestionCount    int            `json:"question_count"`
	Breakdown        datatypes.JSON `json:"breakdown"`
	FlaggedForReview bool           `gorm:"default:false" json:"flagged_for_review"`
}
