package model

import "time"

// Submission is a student's answer document graded against a guide
type Submission struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	DocumentID  uint      `gorm:"not null;index" json:"document_id"`
	GuideID     uint      `gorm:"not null;index" json:"guide_id"`
	StudentName string    `gorm:"type:varchar(200)" json:"student_name"`

	Document       *Document       `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
	Guide          *MarkingGuide   `gorm:"foreignKey:GuideID" json:"guide,omitempty"`
	Mappings       []Mapping       `gorm:"foreignKey:SubmissionID" json:"mappings,omitempty"`
	GradingResults []GradingResult `gorm:"foreignKey:SubmissionID" json:"grading_results,omitempty"`
}

// Mapping links a guide question to the answer text found in a submission.
// Re-running a job overwrites the row for the same question.
type Mapping struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	SubmissionID   uint      `gorm:"not null;uniqueIndex:idx_mappings_submission_question,priority:1" json:"submission_id"`
	QuestionNumber int       `gorm:"not null;uniqueIndex:idx_mappings_submission_question,priority:2" json:"question_number"`
	AnswerText     string    `gorm:"type:text" json:"answer_text"`
	Confidence     float64   `gorm:"default:0" json:"confidence"`
}

// GradeStatus is the outcome of grading one question
type GradeStatus string

const (
	GradeStatusGraded           GradeStatus = "graded"
	GradeStatusDataQualityError GradeStatus = "data_quality_error"
	GradeStatusFailed           GradeStatus = "failed"
)

// GradingResult is the score awarded for one mapping
type GradingResult struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time   `json:"created_at"`
	MappingID      uint        `gorm:"not null;uniqueIndex" json:"mapping_id"`
	SubmissionID   uint        `gorm:"not null;index" json:"submission_id"`
	QuestionNumber int         `gorm:"not null" json:"question_number"`
	Score          float64     `gorm:"default:0" json:"score"`
	MaxScore       float64     `gorm:"default:0" json:"max_score"`
	Feedback       string      `gorm:"type:text" json:"feedback"`
	Status         GradeStatus `gorm:"type:varchar(30);not null" json:"status"`
	Error          string      `gorm:"type:text" json:"error,omitempty"`
}
